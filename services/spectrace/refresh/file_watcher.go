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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// FileChange is one debounced file system event on a source file.
type FileChange struct {
	// Path is the root-relative, slash-separated path.
	Path string

	// Op is the type of change.
	Op FileOp

	// Time is when the change was seen.
	Time time.Time
}

// FileOp is the type of a file system change.
type FileOp int

const (
	// FileOpCreate indicates a file was created.
	FileOpCreate FileOp = iota

	// FileOpWrite indicates a file was modified.
	FileOpWrite

	// FileOpRemove indicates a file was deleted.
	FileOpRemove

	// FileOpRename indicates a file was renamed away.
	FileOpRename
)

// String returns the string representation of the operation.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	case FileOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileChangeHandler receives a batch of changes after the debounce window.
type FileChangeHandler func(changes []FileChange)

// FileWatcherOptions configures the FileWatcher.
type FileWatcherOptions struct {
	// DebounceWindow is how long the watcher waits for quiet before
	// delivering a batch.
	// Default: 250ms
	DebounceWindow time.Duration

	// IgnorePatterns are doublestar globs over root-relative paths.
	// Default: editor swap and temp files.
	IgnorePatterns []string

	// BufferSize is the capacity of the event channel.
	// Default: 1000
	BufferSize int
}

// DefaultFileWatcherOptions returns sensible defaults.
func DefaultFileWatcherOptions() FileWatcherOptions {
	return FileWatcherOptions{
		DebounceWindow: 250 * time.Millisecond,
		IgnorePatterns: []string{"**/*.swp", "**/*.tmp", "**/*~", "**/.#*"},
		BufferSize:     1000,
	}
}

// FileWatcher reports changes to source files in debounced batches.
//
// Description:
//
//	Watches every directory under the source root except the skipped
//	ones. Events on paths that match no source pattern are dropped.
//	Changes are buffered until DebounceWindow passes without a new
//	event, then delivered once per path (latest event wins).
//
// Thread Safety:
//
//	Safe for concurrent use. The handler is called from one goroutine.
type FileWatcher struct {
	sources  Sources
	watcher  *fsnotify.Watcher
	debounce time.Duration
	ignore   []string

	changes  chan FileChange
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	handler  FileChangeHandler
	watching bool
}

// NewFileWatcher creates a watcher over sources. A nil opts uses defaults.
//
// Example:
//
//	w, err := NewFileWatcher(sources, func(changes []FileChange) {
//	    for _, c := range changes {
//	        tracker.MarkFromWatcher(c)
//	    }
//	}, nil)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
func NewFileWatcher(sources Sources, handler FileChangeHandler, opts *FileWatcherOptions) (*FileWatcher, error) {
	if opts == nil {
		defaults := DefaultFileWatcherOptions()
		opts = &defaults
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultFileWatcherOptions().BufferSize
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		sources:  sources,
		watcher:  watcher,
		handler:  handler,
		debounce: opts.DebounceWindow,
		ignore:   opts.IgnorePatterns,
		changes:  make(chan FileChange, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start adds the watch list and starts the event and debounce goroutines.
// Both stop on Stop or when ctx is cancelled. Starting twice is a no-op.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.sources.Root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Pending changes are flushed to the handler.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is active.
func (w *FileWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// SetHandler replaces the change handler.
func (w *FileWatcher) SetHandler(handler FileChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

func (w *FileWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.sources.Root && DefaultSkipDirectories[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// relevant converts an event path to its root-relative form and reports
// whether the event concerns a source file.
func (w *FileWatcher) relevant(abs string) (string, bool) {
	rel, ok := w.sources.Rel(abs)
	if !ok {
		return "", false
	}
	for _, p := range w.ignore {
		if matched, _ := doublestar.Match(p, rel); matched {
			return "", false
		}
	}
	return rel, w.sources.Classify(rel) != ClassNone
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !DefaultSkipDirectories[info.Name()] {
						if err := w.addRecursive(event.Name); err != nil {
							slog.Warn("watching new directory failed",
								slog.String("path", event.Name),
								slog.String("error", err.Error()),
							)
						}
					}
					continue
				}
			}

			rel, ok := w.relevant(event.Name)
			if !ok {
				continue
			}
			change := FileChange{Path: rel, Op: convertOp(event.Op), Time: time.Now()}
			watcherEventsTotal.WithLabelValues(change.Op.String()).Inc()

			select {
			case w.changes <- change:
			default:
				slog.Warn("file watcher buffer full, dropping event", slog.String("path", rel))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Create):
		return FileOpCreate
	case op.Has(fsnotify.Write):
		return FileOpWrite
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	default:
		return FileOpWrite
	}
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	var batch []FileChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			w.mu.RLock()
			handler := w.handler
			w.mu.RUnlock()
			if handler != nil {
				handler(dedupeChanges(batch))
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupeChanges keeps the latest change per path, in first-seen order.
func dedupeChanges(changes []FileChange) []FileChange {
	seen := make(map[string]int)
	out := make([]FileChange, 0, len(changes))
	for _, c := range changes {
		if idx, ok := seen[c.Path]; ok {
			out[idx] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
