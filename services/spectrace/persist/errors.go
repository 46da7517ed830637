// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist writes graph mutations back into the source documents.
//
// The graph has no storage format of its own. Its durable form is the set
// of requirement documents and annotated source files it was built from.
// A Replayer turns the graph's MutationLog into text edits on those files.
//
// # Replay Model
//
// Content mutations (status, title, assertions, renames, added and deleted
// requirements) are replayed in log order as targeted edits of the owning
// block. Edge mutations are coalesced: every requirement whose references
// changed gets its Implements, Refines and Addresses lines rewritten once
// from the live graph, and every code or test node gets its annotation
// comment rewritten the same way.
//
// Before anything is written, every tracked spec file and every file the
// replay would touch is checked for modification after the graph was
// built. Any such file aborts the replay with a ConflictError. Writes are
// staged and go through a temp file and rename; a failed write restores the
// files already written.
package persist

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConflict is returned when a source file changed on disk after the
	// graph was built.
	ErrConflict = errors.New("source files modified since build")

	// ErrBlockNotFound is returned when a document has no block for an ID.
	ErrBlockNotFound = errors.New("block not found")

	// ErrAssertionLineNotFound is returned when a block has no line for an
	// assertion label.
	ErrAssertionLineNotFound = errors.New("assertion line not found")

	// ErrAnnotationNotFound is returned when a source line does not carry
	// the reference being rewritten.
	ErrAnnotationNotFound = errors.New("annotation not found")

	// ErrNoSource is returned when a mutated node has no source file.
	ErrNoSource = errors.New("node has no source file")

	// ErrWriteFailed is returned when staging or writing a file fails.
	ErrWriteFailed = errors.New("write failed")
)

// FileConflict is one file modified outside the graph.
type FileConflict struct {
	// Path is the root-relative file path.
	Path string

	// ModTime is the on-disk modification time, zero for removed files.
	ModTime time.Time

	// Reason says what changed.
	Reason string
}

// ConflictError lists every conflicting file of an aborted replay.
type ConflictError struct {
	BuiltAt   time.Time
	Conflicts []FileConflict
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	paths := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		paths[i] = c.Path
	}
	return fmt.Sprintf("%v: %s", ErrConflict, strings.Join(paths, ", "))
}

// Unwrap returns ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
