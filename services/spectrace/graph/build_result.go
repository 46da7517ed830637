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

import "fmt"

// FileError represents a failure to process a single fragment or file.
type FileError struct {
	// FilePath is the path to the file that failed.
	FilePath string

	// Line is the fragment's first line, 0 when the whole file failed.
	Line int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e FileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("file %s:%d: %v", e.FilePath, e.Line, e.Err)
	}
	return fmt.Sprintf("file %s: %v", e.FilePath, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e FileError) Unwrap() error {
	return e.Err
}

// EdgeError represents a failure to create a single edge.
type EdgeError struct {
	// FromID is the parent node ID.
	FromID string

	// ToID is the child node ID.
	ToID string

	// Kind is the kind of edge that failed to create.
	Kind EdgeKind

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e EdgeError) Error() string {
	return fmt.Sprintf("edge %s -[%s]-> %s: %v", e.FromID, e.Kind, e.ToID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e EdgeError) Unwrap() error {
	return e.Err
}

// BuildStats contains statistics about a build or merge.
type BuildStats struct {
	// FragmentsProcessed is the number of fragments turned into nodes.
	FragmentsProcessed int

	// FragmentsFailed is the number of fragments skipped with an error.
	FragmentsFailed int

	// FilesProcessed is the number of distinct source files seen.
	FilesProcessed int

	// NodesCreated is the number of nodes added, assertions included.
	NodesCreated int

	// EdgesCreated is the number of edges added.
	EdgesCreated int

	// ConflictNodes is the number of duplicate requirement declarations.
	ConflictNodes int

	// BrokenReferences is the number of unresolved references after the
	// resolve phase, across the whole graph.
	BrokenReferences int

	// CycleMembers is the number of nodes found on a cycle.
	CycleMembers int

	// DurationMilli is the total build time in milliseconds.
	// NOTE: For fast builds (< 1ms), this rounds to 0. Use DurationMicro for precision.
	DurationMilli int64

	// DurationMicro is the total build time in microseconds.
	DurationMicro int64
}

// BuildResult contains the result of a build or merge.
//
// Builds are resilient: malformed fragments do not fail the build. They are
// reported in FileErrors and the rest of the input is still processed.
type BuildResult struct {
	// Graph is the constructed graph.
	Graph *Graph

	// FileErrors contains fragments that failed processing.
	FileErrors []FileError

	// Stats contains build statistics.
	Stats BuildStats

	// Incomplete is true if the build was cancelled via context. The graph
	// then holds the fragments added before cancellation, unresolved.
	Incomplete bool
}

// HasErrors returns true if any fragment failed.
func (r *BuildResult) HasErrors() bool {
	return len(r.FileErrors) > 0
}

// TotalErrors returns the number of failed fragments.
func (r *BuildResult) TotalErrors() int {
	return len(r.FileErrors)
}

// Success returns true if the build completed without errors.
func (r *BuildResult) Success() bool {
	return !r.Incomplete && !r.HasErrors()
}
