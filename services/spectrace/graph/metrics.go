// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for graph operations.
var (
	tracer = otel.Tracer("spectrace.graph")
	meter  = otel.Meter("spectrace.graph")
)

// Metrics for graph building operations.
var (
	buildLatency  metric.Float64Histogram
	buildTotal    metric.Int64Counter
	nodesCreated  metric.Int64Histogram
	edgesCreated  metric.Int64Histogram
	rollupLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// Prometheus counters for the mutation API.
var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_graph_mutations_total",
		Help: "Total graph mutations by operation and status",
	}, []string{"operation", "status"})

	mutationLogLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spectrace_graph_mutation_log_entries",
		Help: "Entries in the most recently changed mutation log",
	})
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"graph_build_duration_seconds",
			metric.WithDescription("Duration of graph build and merge operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"graph_build_total",
			metric.WithDescription("Total number of graph build and merge operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		nodesCreated, err = meter.Int64Histogram(
			"graph_nodes_created",
			metric.WithDescription("Number of nodes created per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		edgesCreated, err = meter.Int64Histogram(
			"graph_edges_created",
			metric.WithDescription("Number of edges created per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollupLatency, err = meter.Float64Histogram(
			"graph_rollup_duration_seconds",
			metric.WithDescription("Duration of metric rollup passes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBuildMetrics records metrics for a build operation.
func recordBuildMetrics(ctx context.Context, duration time.Duration, nodeCount, edgeCount int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))

	buildLatency.Record(ctx, duration.Seconds(), attrs)
	buildTotal.Add(ctx, 1, attrs)

	if success {
		nodesCreated.Record(ctx, int64(nodeCount))
		edgesCreated.Record(ctx, int64(edgeCount))
	}
}

// recordRollupMetrics records metrics for a rollup pass.
func recordRollupMetrics(ctx context.Context, duration time.Duration, nodeCount int) {
	if err := initMetrics(); err != nil {
		return
	}
	rollupLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Int("node_count", nodeCount)),
	)
}

// recordMutation counts a mutation outcome.
func recordMutation(op Operation, status MutationStatus, logLen int) {
	mutationsTotal.WithLabelValues(string(op), string(status)).Inc()
	mutationLogLength.Set(float64(logLen))
}

// startBuildSpan creates a span for a build operation.
func startBuildSpan(ctx context.Context, fragmentCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Builder.Merge",
		trace.WithAttributes(
			attribute.Int("graph.fragment_count", fragmentCount),
		),
	)
}

// setBuildSpanResult sets the result attributes on a build span.
func setBuildSpanResult(span trace.Span, stats BuildStats, incomplete bool) {
	span.SetAttributes(
		attribute.Int("graph.nodes_created", stats.NodesCreated),
		attribute.Int("graph.edges_created", stats.EdgesCreated),
		attribute.Int("graph.broken_references", stats.BrokenReferences),
		attribute.Int("graph.conflicts", stats.ConflictNodes),
		attribute.Bool("graph.incomplete", incomplete),
	)
}

// startRollupSpan creates a span for a rollup pass.
func startRollupSpan(ctx context.Context, rootCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Graph.Rollup",
		trace.WithAttributes(
			attribute.Int("graph.root_count", rootCount),
		),
	)
}
