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
	"log/slog"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"go.opentelemetry.io/otel/attribute"
)

// StalenessReport lists the files whose graph content is out of date.
// Paths are root-relative and sorted.
type StalenessReport struct {
	// Changed are tracked files whose modification time moved.
	Changed []string

	// Added are matching files the graph does not track.
	Added []string

	// Removed are tracked files no longer on disk.
	Removed []string
}

// IsStale reports whether any file changed.
func (r StalenessReport) IsStale() bool {
	return len(r.Changed)+len(r.Added)+len(r.Removed) > 0
}

// Stale returns the changed and added paths, which need re-parsing.
func (r StalenessReport) Stale() []string {
	out := make([]string, 0, len(r.Changed)+len(r.Added))
	out = append(out, r.Changed...)
	return append(out, r.Added...)
}

// CheckStaleness compares the tracked-file registry with the files on disk.
//
// Description:
//
//	A tracked file is changed when its on-disk modification time differs
//	from the recorded one, and removed when it no longer exists. Files
//	matching the source patterns that the graph does not track are added.
//	Tracked files without a recorded modification time were created by a
//	mutation and never written; they are not reported as removed.
//
// Inputs:
//
//	ctx - Checked during discovery.
//	g - The graph. Must not be modified concurrently.
//	sources - Where the input files live.
//
// Outputs:
//
//	StalenessReport - The stale files.
//	error - Discovery failures.
func CheckStaleness(ctx context.Context, g *graph.Graph, sources Sources) (StalenessReport, error) {
	ctx, span := startRefreshSpan(ctx, "refresh.CheckStaleness", sources.Root)
	defer span.End()

	found, err := sources.Discover(ctx)
	if err != nil {
		span.RecordError(err)
		stalenessChecksTotal.WithLabelValues("error").Inc()
		return StalenessReport{}, err
	}

	var report StalenessReport
	tracked := make(map[string]bool)
	for _, tf := range g.TrackedFiles() {
		tracked[tf.Path] = true
		info, ok := found[tf.Path]
		switch {
		case !ok && tf.ModTime.IsZero():
		case !ok:
			report.Removed = append(report.Removed, tf.Path)
		case !info.ModTime().Equal(tf.ModTime):
			report.Changed = append(report.Changed, tf.Path)
		}
	}
	for _, rel := range sortedKeys(found) {
		if !tracked[rel] {
			report.Added = append(report.Added, rel)
		}
	}

	span.SetAttributes(
		attribute.Int("changed", len(report.Changed)),
		attribute.Int("added", len(report.Added)),
		attribute.Int("removed", len(report.Removed)),
	)
	recordStaleness(report)
	if report.IsStale() {
		slog.Info("graph is stale",
			slog.String("root", sources.Root),
			slog.Int("changed", len(report.Changed)),
			slog.Int("added", len(report.Added)),
			slog.Int("removed", len(report.Removed)),
		)
	}
	return report, nil
}
