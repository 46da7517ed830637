// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refresh keeps a traceability graph in step with the files on disk.
//
// It discovers source files by glob pattern, parses them into fragments,
// detects which tracked files changed since the graph was built and
// re-parses only those. A FileWatcher and DirtyTracker let long-running
// callers refresh automatically.
//
// Thread Safety:
//
//	Scanner and Refresher are safe for concurrent use, but the graph they
//	operate on is not; callers serialize access to it.
package refresh

import "errors"

var (
	// ErrUnsavedMutations is returned by Refresh when the graph holds
	// mutations that were not replayed to disk.
	ErrUnsavedMutations = errors.New("graph has unsaved mutations")

	// ErrNotDirectory is returned when the source root is not a directory.
	ErrNotDirectory = errors.New("source root is not a directory")

	// ErrNoParser is returned when a path matches none of the patterns.
	ErrNoParser = errors.New("no parser for path")
)
