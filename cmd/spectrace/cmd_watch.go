// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/engine"
	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/refresh"
	"github.com/AleutianAI/spectrace/services/spectrace/telemetry"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Keep the graph current while files change",
		Long: `Watch the source patterns and refresh the graph after each batch of
changes. With --metrics-addr the refresh and build metrics are served at
/metrics until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := a.rootDir(args)
			cfg, err := a.loadConfig(dir)
			if err != nil {
				return err
			}
			if a.metricsAddr == "" {
				a.metricsAddr = cfg.Watch.MetricsAddr
			}

			e, err := a.openEngine(ctx, dir)
			if err != nil {
				return err
			}
			if a.metricsAddr != "" {
				if err := a.enableMetrics(ctx); err != nil {
					return err
				}
				stop, err := a.serveMetrics(a.metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			_ = e.View(func(g *graph.Graph) error {
				a.printer.Success(fmt.Sprintf("watching %s: %d nodes", e.Root(), g.NodeCount()))
				return nil
			})
			return e.Watch(ctx, a.reportRefresh(e))
		},
	}
	cmd.Flags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this host:port")
	return cmd
}

// reportRefresh prints one line per automatic refresh.
func (a *app) reportRefresh(e *engine.Engine) engine.RefreshFunc {
	return func(r *refresh.RefreshResult, err error) {
		switch {
		case errors.Is(err, refresh.ErrUnsavedMutations):
			a.printer.Warning("refresh deferred: unsaved edits")
		case err != nil:
			a.printer.Error("refresh failed: " + err.Error())
		case r.Refreshed():
			a.printer.Info(fmt.Sprintf("refreshed: %d added, %d changed, %d removed, %d broken references",
				len(r.Report.Added), len(r.Report.Changed), len(r.Report.Removed), r.BrokenReferences))
			for _, fe := range r.FileErrors {
				a.printer.Warning(fe.Error())
			}
		}
	}
}

// enableMetrics installs the prometheus exporter when the address came from
// the config file rather than the flag seen by setup.
func (a *app) enableMetrics(ctx context.Context) error {
	if a.metricsReady {
		return nil
	}
	tcfg := telemetry.DefaultConfig()
	tcfg.MetricExporter = telemetry.ExporterPrometheus
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	prev := a.shutdown
	a.shutdown = func(ctx context.Context) error {
		if prev == nil {
			return shutdown(ctx)
		}
		return errors.Join(shutdown(ctx), prev(ctx))
	}
	a.metricsReady = true
	return nil
}

// serveMetrics starts the /metrics listener. The returned func stops it.
func (a *app) serveMetrics(addr string) (func(), error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, errors.New("metrics exporter not initialized")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	slog.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	a.printer.Muted("metrics on http://" + ln.Addr().String() + "/metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
