// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/refresh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var watchRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spectrace_watch_refreshes_total",
	Help: "Automatic refreshes run in watch mode by result",
}, []string{"result"})

// RefreshFunc observes each automatic refresh.
type RefreshFunc func(result *refresh.RefreshResult, err error)

// MarkDirty marks a root-relative path for the next automatic refresh.
func (e *Engine) MarkDirty(path string) {
	e.tracker.Mark(path, refresh.DirtySourceManual)
	e.kick()
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Watch refreshes the graph as source files change, until ctx is done.
//
// Description:
//
//	A file watcher marks changed files in the dirty tracker. Each batch
//	wakes the loop, which waits for the rate limiter (one refresh per
//	Watch.RefreshInterval) and refreshes while files are dirty. A refresh
//	refused because of unsaved mutations leaves the files dirty; it is
//	retried on the next batch.
//
// Inputs:
//
//	ctx - Stops watching when cancelled.
//	onRefresh - Called after every refresh attempt. May be nil.
//
// Outputs:
//
//	error - ErrNotBuilt; watcher setup failures. nil when ctx ends.
func (e *Engine) Watch(ctx context.Context, onRefresh RefreshFunc) error {
	if err := e.View(func(_ *graph.Graph) error { return nil }); err != nil {
		return err
	}

	opts := refresh.DefaultFileWatcherOptions()
	opts.DebounceWindow = e.cfg.Watch.Debounce
	w, err := refresh.NewFileWatcher(e.sources, func(changes []refresh.FileChange) {
		for _, c := range changes {
			e.tracker.MarkFromWatcher(c)
		}
		e.kick()
	}, &opts)
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer w.Stop()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}

	limiter := rate.NewLimiter(rate.Every(e.cfg.Watch.RefreshInterval), 1)
	slog.Info("watching sources",
		slog.String("root", e.sources.Root),
		slog.Duration("debounce", opts.DebounceWindow),
		slog.Duration("refresh_interval", e.cfg.Watch.RefreshInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if !e.tracker.HasDirty() {
			continue
		}

		result, err := e.Refresh(ctx, false)
		switch {
		case errors.Is(err, refresh.ErrUnsavedMutations):
			watchRefreshesTotal.WithLabelValues("deferred").Inc()
			slog.Warn("automatic refresh deferred, replay or discard mutations first",
				slog.Int("dirty", e.tracker.Count()),
			)
		case err != nil:
			watchRefreshesTotal.WithLabelValues("error").Inc()
			slog.Error("automatic refresh failed", slog.String("error", err.Error()))
		default:
			watchRefreshesTotal.WithLabelValues("success").Inc()
		}
		if onRefresh != nil {
			onRefresh(result, err)
		}
	}
}
