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
	"sort"
	"sync"
	"time"
)

// Sources of dirty marks.
const (
	DirtySourceWatcher = "watcher"
	DirtySourceManual  = "manual"
)

// DirtyEntry records why a file needs a refresh.
type DirtyEntry struct {
	// Path is the root-relative file path.
	Path string

	// MarkedAt is when the file was last marked.
	MarkedAt time.Time

	// Source is what marked the file (watcher or manual).
	Source string

	// Removed is true when the latest event deleted the file.
	Removed bool
}

// DirtyTracker collects files that changed since the last refresh.
//
// Description:
//
//	The watcher marks files as events arrive; the engine drains the set
//	when it refreshes. Marking the same path again replaces its entry.
//	Refresh itself re-checks modification times, so the tracker only
//	decides when a refresh is worth running.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type DirtyTracker struct {
	mu      sync.RWMutex
	entries map[string]DirtyEntry
	paused  bool
}

// NewDirtyTracker creates an empty tracker.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{entries: make(map[string]DirtyEntry)}
}

// Mark records path as dirty.
func (d *DirtyTracker) Mark(path, source string) {
	d.mark(DirtyEntry{Path: path, MarkedAt: time.Now(), Source: source})
}

// MarkFromWatcher records a watcher event. Removals are kept, since a
// deleted spec file must leave the graph too.
func (d *DirtyTracker) MarkFromWatcher(change FileChange) {
	d.mark(DirtyEntry{
		Path:     change.Path,
		MarkedAt: change.Time,
		Source:   DirtySourceWatcher,
		Removed:  change.Op == FileOpRemove || change.Op == FileOpRename,
	})
}

func (d *DirtyTracker) mark(e DirtyEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return
	}
	d.entries[e.Path] = e
}

// HasDirty reports whether any file is marked.
func (d *DirtyTracker) HasDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries) > 0
}

// Count returns the number of marked files.
func (d *DirtyTracker) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Entries returns copies of the marked entries sorted by path. The set is
// not cleared.
func (d *DirtyTracker) Entries() []DirtyEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DirtyEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Clear unmarks paths marked at or before cutoff and returns how many
// were cleared. Paths marked again after cutoff stay dirty, so events
// arriving during a refresh are not lost.
func (d *DirtyTracker) Clear(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cleared := 0
	for path, e := range d.entries {
		if !e.MarkedAt.After(cutoff) {
			delete(d.entries, path)
			cleared++
		}
	}
	return cleared
}

// Pause stops recording marks, for example while a replay writes files the
// graph already reflects.
func (d *DirtyTracker) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

// Resume records marks again.
func (d *DirtyTracker) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
}
