// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine owns one traceability graph and serializes access to it.
//
// Reads run under a shared lock, mutations, refreshes and replays under an
// exclusive one. In watch mode file events mark paths dirty and a rate
// limited loop refreshes the graph.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/config"
	"github.com/AleutianAI/spectrace/services/spectrace/gitstatus"
	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/persist"
	"github.com/AleutianAI/spectrace/services/spectrace/refresh"
)

// ErrNotBuilt is returned by operations that need a graph before Build.
var ErrNotBuilt = errors.New("graph not built")

// Options configures an Engine.
type Options struct {
	// Concurrency bounds parallel file reads.
	// Default: 8
	Concurrency int

	// GitStatus annotates nodes with git work tree state after builds and
	// refreshes when the root is inside a repository.
	// Default: true
	GitStatus bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Concurrency: 8, GitStatus: true}
}

// Option is a functional option for configuring Engine.
type Option func(*Options)

// WithConcurrency sets the parallel file read bound.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		o.Concurrency = n
	}
}

// WithGitStatus enables or disables git annotations.
func WithGitStatus(enabled bool) Option {
	return func(o *Options) {
		o.GitStatus = enabled
	}
}

// Engine holds the graph of one repository.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Engine struct {
	cfg       config.Config
	sources   refresh.Sources
	refresher *refresh.Refresher
	replayer  *persist.Replayer
	tracker   *refresh.DirtyTracker
	git       *gitstatus.Inspector

	// wake carries at most one pending watch-loop wakeup.
	wake chan struct{}

	mu sync.RWMutex
	g  *graph.Graph
}

// New creates an engine for the repository at root.
//
// Outputs:
//
//	*Engine - The engine, without a graph until Build.
//	error - config.ErrInvalidConfig; root resolution failures.
func New(root string, cfg config.Config, opts ...Option) (*Engine, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}

	sources := cfg.SourcesFor(abs)
	scanner := refresh.NewScanner(sources, options.Concurrency)
	e := &Engine{
		cfg:       cfg,
		sources:   sources,
		refresher: refresh.NewRefresher(scanner, graph.WithGraphOptions(cfg.GraphOptions()...)),
		replayer:  persist.NewReplayer(sources),
		tracker:   refresh.NewDirtyTracker(),
		wake:      make(chan struct{}, 1),
	}

	if options.GitStatus {
		insp, err := gitstatus.Open(abs)
		switch {
		case errors.Is(err, gitstatus.ErrNotRepository):
			slog.Debug("git status disabled, root is not in a repository", slog.String("root", abs))
		case err != nil:
			slog.Warn("git status disabled",
				slog.String("root", abs),
				slog.String("error", err.Error()),
			)
		default:
			e.git = insp
		}
	}
	return e, nil
}

// Root returns the absolute repository root.
func (e *Engine) Root() string { return e.sources.Root }

// Sources returns the source patterns.
func (e *Engine) Sources() refresh.Sources { return e.sources }

// Config returns the engine configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Tracker returns the dirty file tracker fed in watch mode.
func (e *Engine) Tracker() *refresh.DirtyTracker { return e.tracker }

// Build parses every source file into a new graph, replacing the current
// one. Unsaved mutations on the replaced graph are lost.
func (e *Engine) Build(ctx context.Context) (*graph.BuildResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	result, err := e.refresher.Build(ctx, e.cfg.RollupOptions())
	if err != nil {
		return result, err
	}
	e.g = result.Graph
	e.tracker.Clear(start)
	e.annotate(ctx)
	return result, nil
}

// View runs fn with shared access to the graph. fn must not mutate it.
func (e *Engine) View(fn func(g *graph.Graph) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.g == nil {
		return ErrNotBuilt
	}
	return fn(e.g)
}

// Update runs fn with exclusive access to the graph, then recomputes the
// rollup metrics.
func (e *Engine) Update(ctx context.Context, fn func(g *graph.Graph) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.g == nil {
		return ErrNotBuilt
	}
	err := fn(e.g)
	e.g.Rollup(ctx, e.cfg.RollupOptions())
	return err
}

// Refresh brings the graph up to date with the files on disk.
//
// Inputs:
//
//	ctx - Cancels the refresh.
//	discard - Revert unsaved mutations instead of refusing.
//
// Outputs:
//
//	*refresh.RefreshResult - What changed.
//	error - ErrNotBuilt, refresh.ErrUnsavedMutations, scan failures.
func (e *Engine) Refresh(ctx context.Context, discard bool) (*refresh.RefreshResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.g == nil {
		return nil, ErrNotBuilt
	}

	start := time.Now()
	result, err := e.refresher.Refresh(ctx, e.g, refresh.RefreshOptions{
		DiscardMutations: discard,
		Rollup:           e.cfg.RollupOptions(),
	})
	if err != nil {
		return result, err
	}
	e.tracker.Clear(start)
	if result.Refreshed() {
		e.annotate(ctx)
	}
	return result, nil
}

// Replay writes the mutation log to the source files. The dirty tracker is
// paused while files are written.
func (e *Engine) Replay(ctx context.Context) (*persist.ReplayResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.g == nil {
		return nil, ErrNotBuilt
	}

	e.tracker.Pause()
	defer e.tracker.Resume()

	result, err := e.replayer.Replay(ctx, e.g)
	if err != nil {
		return result, err
	}
	e.annotate(ctx)
	return result, nil
}

// DryRun returns the diffs a replay would write.
func (e *Engine) DryRun(ctx context.Context) ([]persist.FileDiff, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.g == nil {
		return nil, ErrNotBuilt
	}
	return e.replayer.DryRun(ctx, e.g)
}

// Validate returns the graph findings under the configured hierarchy.
func (e *Engine) Validate() ([]graph.Finding, error) {
	var findings []graph.Finding
	err := e.View(func(g *graph.Graph) error {
		findings = g.Validate(e.cfg.ValidateOptions())
		return nil
	})
	return findings, err
}

// CheckStaleness reports files changed on disk since the graph was built.
func (e *Engine) CheckStaleness(ctx context.Context) (refresh.StalenessReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.g == nil {
		return refresh.StalenessReport{}, ErrNotBuilt
	}
	return refresh.CheckStaleness(ctx, e.g, e.sources)
}

// annotate refreshes git metrics. Callers hold the write lock.
func (e *Engine) annotate(ctx context.Context) {
	if e.git == nil {
		return
	}
	if _, err := e.git.Annotate(ctx, e.g); err != nil {
		slog.Warn("git status annotation failed", slog.String("error", err.Error()))
	}
}
