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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirtyTracker_Mark(t *testing.T) {
	tracker := NewDirtyTracker()
	if tracker.HasDirty() {
		t.Fatal("new tracker should be clean")
	}

	tracker.Mark("spec/prd.md", DirtySourceManual)
	tracker.Mark("spec/dev.md", DirtySourceManual)
	tracker.Mark("spec/prd.md", DirtySourceWatcher)

	assert.Equal(t, 2, tracker.Count())
	entries := tracker.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "spec/dev.md", entries[0].Path)
	assert.Equal(t, "spec/prd.md", entries[1].Path)
	assert.Equal(t, DirtySourceWatcher, entries[1].Source, "latest mark wins")
}

func TestDirtyTracker_MarkFromWatcher(t *testing.T) {
	tracker := NewDirtyTracker()
	now := time.Now()

	tracker.MarkFromWatcher(FileChange{Path: "spec/prd.md", Op: FileOpWrite, Time: now})
	tracker.MarkFromWatcher(FileChange{Path: "spec/old.md", Op: FileOpRemove, Time: now})
	tracker.MarkFromWatcher(FileChange{Path: "spec/moved.md", Op: FileOpRename, Time: now})

	byPath := make(map[string]DirtyEntry)
	for _, e := range tracker.Entries() {
		byPath[e.Path] = e
	}
	assert.False(t, byPath["spec/prd.md"].Removed)
	assert.True(t, byPath["spec/old.md"].Removed)
	assert.True(t, byPath["spec/moved.md"].Removed)
	assert.Equal(t, DirtySourceWatcher, byPath["spec/prd.md"].Source)
	assert.True(t, byPath["spec/prd.md"].MarkedAt.Equal(now))
}

func TestDirtyTracker_Clear(t *testing.T) {
	tracker := NewDirtyTracker()
	cutoff := time.Now()

	tracker.MarkFromWatcher(FileChange{Path: "a.md", Op: FileOpWrite, Time: cutoff.Add(-time.Second)})
	tracker.MarkFromWatcher(FileChange{Path: "b.md", Op: FileOpWrite, Time: cutoff})
	tracker.MarkFromWatcher(FileChange{Path: "c.md", Op: FileOpWrite, Time: cutoff.Add(time.Second)})

	assert.Equal(t, 2, tracker.Clear(cutoff))
	entries := tracker.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "c.md", entries[0].Path, "marks after the cutoff survive")
}

func TestDirtyTracker_Pause(t *testing.T) {
	tracker := NewDirtyTracker()
	tracker.Pause()
	tracker.Mark("spec/prd.md", DirtySourceWatcher)
	assert.False(t, tracker.HasDirty())

	tracker.Resume()
	tracker.Mark("spec/prd.md", DirtySourceWatcher)
	assert.True(t, tracker.HasDirty())
}

func TestDirtyTracker_Concurrent(t *testing.T) {
	tracker := NewDirtyTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tracker.Mark(filepath.Join("spec", string(rune('a'+i))+".md"), DirtySourceManual)
			_ = tracker.Entries()
			_ = tracker.HasDirty()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, tracker.Count())
}

func TestDedupeChanges(t *testing.T) {
	t0 := time.Now()
	changes := []FileChange{
		{Path: "spec/prd.md", Op: FileOpCreate, Time: t0},
		{Path: "spec/dev.md", Op: FileOpWrite, Time: t0},
		{Path: "spec/prd.md", Op: FileOpWrite, Time: t0.Add(time.Millisecond)},
		{Path: "spec/dev.md", Op: FileOpRemove, Time: t0.Add(2 * time.Millisecond)},
	}

	got := dedupeChanges(changes)
	require.Len(t, got, 2)
	assert.Equal(t, "spec/prd.md", got[0].Path)
	assert.Equal(t, FileOpWrite, got[0].Op)
	assert.Equal(t, "spec/dev.md", got[1].Path)
	assert.Equal(t, FileOpRemove, got[1].Op)
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "create", FileOpCreate.String())
	assert.Equal(t, "write", FileOpWrite.String())
	assert.Equal(t, "remove", FileOpRemove.String())
	assert.Equal(t, "rename", FileOpRename.String())
	assert.Equal(t, "unknown", FileOp(99).String())
}

func TestFileWatcher_Relevant(t *testing.T) {
	root := t.TempDir()
	w, err := NewFileWatcher(DefaultSources(root), nil, nil)
	require.NoError(t, err)
	defer w.Stop()

	tests := []struct {
		path string
		rel  string
		want bool
	}{
		{filepath.Join(root, "spec", "prd.md"), "spec/prd.md", true},
		{filepath.Join(root, "src", "auth.go"), "src/auth.go", true},
		{filepath.Join(root, "spec", ".prd.md.swp"), "", false},
		{filepath.Join(root, "README.md"), "README.md", false},
		{filepath.Join(filepath.Dir(root), "elsewhere.md"), "", false},
	}
	for _, tt := range tests {
		rel, ok := w.relevant(tt.path)
		assert.Equal(t, tt.want, ok, tt.path)
		if tt.want {
			assert.Equal(t, tt.rel, rel)
		}
	}
}

func TestFileWatcher_DeliversBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file system watcher test in short mode")
	}
	root := t.TempDir()
	writeFile(t, root, "spec/prd.md", prdDoc, baseTime)

	var mu sync.Mutex
	var got []FileChange
	opts := DefaultFileWatcherOptions()
	opts.DebounceWindow = 20 * time.Millisecond
	w, err := NewFileWatcher(DefaultSources(root), func(changes []FileChange) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, changes...)
	}, &opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	writeFile(t, root, "spec/prd.md", devDoc, time.Now())
	writeFile(t, root, "notes.txt", "ignored", time.Now())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range got {
			if c.Path == "spec/prd.md" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range got {
		assert.NotEqual(t, "notes.txt", c.Path)
	}
}
