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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RefreshOptions configures Refresh.
type RefreshOptions struct {
	// DiscardMutations reverts unsaved mutations instead of refusing.
	DiscardMutations bool

	// Rollup configures the metrics rollup run after the refresh.
	Rollup graph.RollupOptions
}

// RefreshResult describes one refresh.
type RefreshResult struct {
	// Report is the staleness report the refresh acted on.
	Report StalenessReport

	// Discarded is the number of mutations reverted first.
	Discarded int

	// NodesRemoved counts nodes dropped with changed or removed files.
	NodesRemoved int

	// NodesCreated counts nodes parsed from changed or added files.
	NodesCreated int

	// BrokenReferences is the graph-wide count after the refresh.
	BrokenReferences int

	// FileErrors are files that could not be read or parsed and fragments
	// the builder rejected.
	FileErrors []graph.FileError

	// Duration is the wall time of the refresh.
	Duration time.Duration
}

// Refreshed reports whether the graph was changed.
func (r *RefreshResult) Refreshed() bool { return r.Report.IsStale() }

// Refresher builds graphs from disk and refreshes them incrementally.
//
// Thread Safety:
//
//	Safe for concurrent use on different graphs.
type Refresher struct {
	scanner *Scanner
	builder *graph.Builder
}

// NewRefresher creates a refresher reading through scanner and building
// with the given builder options.
func NewRefresher(scanner *Scanner, opts ...graph.BuilderOption) *Refresher {
	return &Refresher{
		scanner: scanner,
		builder: graph.NewBuilder(opts...),
	}
}

// Scanner returns the refresher's scanner.
func (r *Refresher) Scanner() *Scanner { return r.scanner }

// Build parses every source file into a new graph and rolls it up.
//
// Outputs:
//
//	*graph.BuildResult - The graph; FileErrors include unreadable files.
//	error - Discovery failure or cancellation.
func (r *Refresher) Build(ctx context.Context, rollup graph.RollupOptions) (*graph.BuildResult, error) {
	ctx, span := startRefreshSpan(ctx, "refresh.Refresher.Build", r.scanner.sources.Root)
	defer span.End()
	start := time.Now()

	scan, err := r.scanner.ScanAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, fmt.Errorf("scanning sources: %w", err)
	}

	result, err := r.builder.Build(ctx, scan.Contents)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if result.Incomplete {
		return result, ctx.Err()
	}

	g := result.Graph
	for path, mtime := range scan.ModTimes {
		g.TrackFile(path, mtime)
	}
	g.BuiltAt = start
	g.Rollup(ctx, rollup)
	result.FileErrors = append(scan.FileErrors, result.FileErrors...)

	span.SetAttributes(
		attribute.Int("node_count", g.NodeCount()),
		attribute.Int("edge_count", g.EdgeCount()),
		attribute.Int("file_errors", len(result.FileErrors)),
	)
	slog.Info("graph built",
		slog.String("root", r.scanner.sources.Root),
		slog.Int("files", len(scan.ModTimes)),
		slog.Int("nodes", g.NodeCount()),
		slog.Int("edges", g.EdgeCount()),
		slog.Int("broken_references", result.Stats.BrokenReferences),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Refresh re-parses only the files that changed since g was built.
//
// Description:
//
//	Nodes from changed and removed files are dropped with
//	graph.RemoveFile; changed and added files are parsed and merged.
//	References into dropped nodes are re-resolved, so they link to the
//	re-parsed nodes or surface as broken references. Nodes re-parsed
//	from the same file under the same ID keep their StableID, and nodes
//	from untouched files are not rebuilt. Rollup then runs graph-wide.
//
// Inputs:
//
//	ctx - Cancels the refresh.
//	g - The graph to refresh. Callers hold its write lock.
//	opts - Refresh options.
//
// Outputs:
//
//	*RefreshResult - What changed.
//	error - ErrUnsavedMutations when g has unsaved mutations and
//	        opts.DiscardMutations is false; discovery failures.
func (r *Refresher) Refresh(ctx context.Context, g *graph.Graph, opts RefreshOptions) (*RefreshResult, error) {
	ctx, span := startRefreshSpan(ctx, "refresh.Refresher.Refresh", r.scanner.sources.Root)
	defer span.End()
	start := time.Now()

	result := &RefreshResult{FileErrors: make([]graph.FileError, 0)}
	if g.HasUnsavedMutations() {
		if !opts.DiscardMutations {
			refreshTotal.WithLabelValues("refused").Inc()
			return nil, fmt.Errorf("%w: %d pending", ErrUnsavedMutations, g.MutationLog().Len())
		}
		result.Discarded = g.DiscardMutations()
		slog.Warn("discarded unsaved mutations before refresh", slog.Int("count", result.Discarded))
	}

	report, err := CheckStaleness(ctx, g, r.scanner.sources)
	if err != nil {
		span.RecordError(err)
		refreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	result.Report = report
	if !report.IsStale() {
		result.BrokenReferences = len(g.BrokenReferences())
		result.Duration = time.Since(start)
		refreshTotal.WithLabelValues("fresh").Inc()
		return result, nil
	}

	for _, path := range append(append([]string{}, report.Changed...), report.Removed...) {
		result.NodesRemoved += len(g.RemoveFile(path))
	}

	scan, err := r.scanner.ScanFiles(ctx, report.Stale())
	if err != nil {
		span.RecordError(err)
		refreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	result.FileErrors = append(result.FileErrors, scan.FileErrors...)

	merged, err := r.builder.Merge(ctx, g, scan.Contents)
	if err != nil {
		span.RecordError(err)
		refreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	result.FileErrors = append(result.FileErrors, merged.FileErrors...)
	result.NodesCreated = merged.Stats.NodesCreated
	result.BrokenReferences = merged.Stats.BrokenReferences

	for path, mtime := range scan.ModTimes {
		g.TrackFile(path, mtime)
	}
	g.BuiltAt = start
	g.Rollup(ctx, opts.Rollup)

	result.Duration = time.Since(start)
	refreshDuration.Observe(result.Duration.Seconds())
	refreshTotal.WithLabelValues("refreshed").Inc()
	span.SetAttributes(
		attribute.Int("nodes_removed", result.NodesRemoved),
		attribute.Int("nodes_created", result.NodesCreated),
		attribute.Int("broken_references", result.BrokenReferences),
	)
	slog.Info("graph refreshed",
		slog.Int("changed", len(report.Changed)),
		slog.Int("added", len(report.Added)),
		slog.Int("removed", len(report.Removed)),
		slog.Int("nodes_removed", result.NodesRemoved),
		slog.Int("nodes_created", result.NodesCreated),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}
