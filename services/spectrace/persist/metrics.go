// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("spectrace.persist")

var (
	replayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_replay_total",
		Help: "Total replays by result",
	}, []string{"result"})

	replayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spectrace_replay_duration_seconds",
		Help:    "Time spent replaying the mutation log",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	replayEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectrace_replay_entries_total",
		Help: "Mutation log entries replayed by operation",
	}, []string{"operation"})

	replayConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectrace_replay_conflict_files_total",
		Help: "Files reported as conflicts by aborted replays",
	})

	filesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectrace_replay_files_written_total",
		Help: "Source files written by replay",
	})
)
