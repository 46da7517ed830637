// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the traceability graph and its operations.
//
// The graph holds requirements, their assertions, the code and tests that
// implement or validate them, test results and user journeys. Edges point
// from parent to child: a requirement is the parent of the requirements,
// code and tests that implement, refine or validate it.
//
// # Ownership Model
//
// The graph owns every Node. Nodes are addressed by their mutable string ID
// through the graph's index, and by a StableID that survives renames. A
// node's ID changes only through Graph.Rename, which re-keys every index.
//
// # Thread Safety
//
// Graph is NOT safe for concurrent use. Mutation, refresh and rollup are
// single-threaded. Callers that share a graph between goroutines serialize
// access, see the engine package.
//
// # Lifecycle
//
// A typical graph lifecycle:
//  1. Build with Builder.Build from parsed fragments
//  2. Compute metrics with Rollup
//  3. Query with FindByID, AllNodes, Ancestors, Validate
//  4. Edit through the mutation methods, which append to the MutationLog
//  5. Replay the log onto the source files (persist package), then CommitMutations
package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrNodeNotFound is returned when an operation references a node ID
	// that does not exist in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound is returned when an edge operation names a pair of
	// nodes that are not linked.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrAssertionNotFound is returned when an assertion label does not
	// exist on the requirement.
	ErrAssertionNotFound = errors.New("assertion not found")

	// ErrDuplicateNode is returned when adding or renaming to an ID that
	// already exists in the graph.
	ErrDuplicateNode = errors.New("duplicate node ID")

	// ErrWrongKind is returned when an operation is applied to a node of
	// a kind it does not support.
	ErrWrongKind = errors.New("wrong node kind")

	// ErrInvalidNode is returned for fragments or arguments that fail
	// validation.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdgeKind is returned when an edge kind is unknown or not
	// allowed between the given nodes.
	ErrInvalidEdgeKind = errors.New("invalid edge kind")

	// ErrCycle is returned when a mutation would close a cycle over the
	// implements/refines relation.
	ErrCycle = errors.New("edge would create a cycle")

	// ErrInvariantViolation is returned when an operation cannot proceed
	// without breaking a graph invariant, for example hashing a requirement
	// that has no content.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrBrokenReferenceNotFound is returned when FixBrokenReference names a
	// reference that is not broken.
	ErrBrokenReferenceNotFound = errors.New("broken reference not found")

	// ErrNothingToUndo is returned by UndoLast on an empty mutation log.
	ErrNothingToUndo = errors.New("mutation log is empty")

	// ErrEntryNotFound is returned by UndoTo for an unknown entry ID.
	ErrEntryNotFound = errors.New("mutation log entry not found")

	// ErrUndoFailed is returned by UndoLast when a mutation cannot be
	// reverted, such as a rename whose old ID has since been taken.
	ErrUndoFailed = errors.New("mutation cannot be reverted")

	// ErrBuildCancelled is returned when a build is cancelled via context.
	ErrBuildCancelled = errors.New("build cancelled")
)
