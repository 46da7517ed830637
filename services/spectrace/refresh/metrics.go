// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refresh

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("spectrace.refresh")

var (
	stalenessChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_staleness_checks_total",
		Help: "Total staleness checks by outcome",
	}, []string{"outcome"})

	staleFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_stale_files_total",
		Help: "Stale files found by change kind",
	}, []string{"change"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spectrace_refresh_duration_seconds",
		Help:    "Time spent in incremental refresh",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_refresh_total",
		Help: "Total refreshes by result",
	}, []string{"result"})

	filesParsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_files_parsed_total",
		Help: "Files parsed by class and result",
	}, []string{"class", "result"})

	watcherEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_watcher_events_total",
		Help: "File system events seen by the watcher",
	}, []string{"op"})
)

func startRefreshSpan(ctx context.Context, name, root string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("root", root)),
	)
}

func recordStaleness(report StalenessReport) {
	if !report.IsStale() {
		stalenessChecksTotal.WithLabelValues("fresh").Inc()
		return
	}
	stalenessChecksTotal.WithLabelValues("stale").Inc()
	staleFilesTotal.WithLabelValues("changed").Add(float64(len(report.Changed)))
	staleFilesTotal.WithLabelValues("added").Add(float64(len(report.Added)))
	staleFilesTotal.WithLabelValues("removed").Add(float64(len(report.Removed)))
}
