// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/config"
	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/refresh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prdDoc = `# REQ-p00001: User Authentication

**Level**: PRD | **Status**: Active

Users sign in.

## Assertions

A. The system SHALL require a password.
B. The system SHALL lock accounts.

*End* *User Authentication*
`

const devDoc = `# REQ-d00001: Password Hashing

**Level**: DEV | **Status**: Active | **Implements**: REQ-p00001-A

Use a slow hash.

## Assertions

A. Passwords SHALL be hashed with bcrypt.

*End* *Password Hashing*
`

// Helper function to write a file with a modification time in the past.
func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(abs, past, past))
}

// Helper function to create a built engine over a small repository.
func newBuiltEngine(t *testing.T, cfg config.Config) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "spec/prd.md", prdDoc)
	writeFile(t, root, "spec/dev.md", devDoc)

	e, err := New(root, cfg, WithGitStatus(false), WithConcurrency(2))
	require.NoError(t, err)
	result, err := e.Build(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.FileErrors)
	return e, root
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Graph.HashAlgorithm = "md5"
	_, err := New(t.TempDir(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEngine_NotBuilt(t *testing.T) {
	e, err := New(t.TempDir(), config.DefaultConfig(), WithGitStatus(false))
	require.NoError(t, err)

	err = e.View(func(*graph.Graph) error { return nil })
	assert.ErrorIs(t, err, ErrNotBuilt)
	_, err = e.Refresh(context.Background(), false)
	assert.ErrorIs(t, err, ErrNotBuilt)
	_, err = e.Replay(context.Background())
	assert.ErrorIs(t, err, ErrNotBuilt)
	assert.ErrorIs(t, e.Watch(context.Background(), nil), ErrNotBuilt)
}

func TestEngine_BuildAndView(t *testing.T) {
	e, root := newBuiltEngine(t, config.DefaultConfig())
	assert.Equal(t, root, e.Root())

	err := e.View(func(g *graph.Graph) error {
		counts := g.CountByKind()
		assert.Equal(t, 2, counts[graph.NodeKindRequirement])
		assert.Equal(t, 3, counts[graph.NodeKindAssertion])

		prd, ok := g.FindByID("REQ-p00001")
		require.True(t, ok)
		assert.InDelta(t, 50.0, prd.MetricFloat(graph.MetricCoveragePct), 0.001)
		return nil
	})
	require.NoError(t, err)

	findings, err := e.Validate()
	require.NoError(t, err)
	for _, f := range findings {
		assert.NotEqual(t, graph.SeverityError, f.Severity, "unexpected finding %+v", f)
	}
}

func TestEngine_UpdateRecomputesRollup(t *testing.T) {
	e, _ := newBuiltEngine(t, config.DefaultConfig())

	err := e.Update(context.Background(), func(g *graph.Graph) error {
		_, err := g.AddEdge("REQ-p00001", "REQ-d00001", graph.EdgeKindImplements, []string{"B"})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, e.View(func(g *graph.Graph) error {
		prd, _ := g.FindByID("REQ-p00001")
		assert.InDelta(t, 100.0, prd.MetricFloat(graph.MetricCoveragePct), 0.001)
		return nil
	}))
}

func TestEngine_UpdateErrorIsReturned(t *testing.T) {
	e, _ := newBuiltEngine(t, config.DefaultConfig())
	err := e.Update(context.Background(), func(g *graph.Graph) error {
		_, err := g.ChangeStatus("REQ-missing", "Active")
		return err
	})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestEngine_ReplayRoundTrip(t *testing.T) {
	e, root := newBuiltEngine(t, config.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, func(g *graph.Graph) error {
		_, err := g.ChangeStatus("REQ-d00001", "Deprecated")
		return err
	}))

	_, err := e.Refresh(ctx, false)
	assert.ErrorIs(t, err, refresh.ErrUnsavedMutations, "refresh refuses while mutations are unsaved")

	diffs, err := e.DryRun(ctx)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "spec/dev.md", diffs[0].Path)

	result, err := e.Replay(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"spec/dev.md"}, result.FilesWritten)
	assert.False(t, e.Tracker().HasDirty(), "replay writes are not marked dirty")

	data, err := os.ReadFile(filepath.Join(root, "spec", "dev.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "**Status**: Deprecated")

	report, err := e.CheckStaleness(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsStale())
}

func TestEngine_RefreshDiscard(t *testing.T) {
	e, root := newBuiltEngine(t, config.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, func(g *graph.Graph) error {
		_, err := g.UpdateTitle("REQ-p00001", "Sign In")
		return err
	}))
	require.NoError(t, os.WriteFile(filepath.Join(root, "spec", "ops.md"), []byte("# REQ-o00001: Ops\n"), 0o644))

	result, err := e.Refresh(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discarded)
	assert.Equal(t, []string{"spec/ops.md"}, result.Report.Added)

	require.NoError(t, e.View(func(g *graph.Graph) error {
		prd, _ := g.FindByID("REQ-p00001")
		assert.Equal(t, "User Authentication", prd.Requirement().Title)
		_, ok := g.FindByID("REQ-o00001")
		assert.True(t, ok)
		return nil
	}))
}

func TestEngine_ConcurrentAccess(t *testing.T) {
	e, _ := newBuiltEngine(t, config.DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = e.View(func(g *graph.Graph) error {
				for range g.AllNodes(graph.PreOrder) {
				}
				return nil
			})
		}()
		go func(i int) {
			defer wg.Done()
			status := "Active"
			if i%2 == 0 {
				status = "Draft"
			}
			_ = e.Update(ctx, func(g *graph.Graph) error {
				_, err := g.ChangeStatus("REQ-d00001", status)
				return err
			})
		}(i)
	}
	wg.Wait()
}

func TestEngine_Watch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file watcher test in short mode")
	}
	cfg := config.DefaultConfig()
	cfg.Watch.Debounce = 20 * time.Millisecond
	cfg.Watch.RefreshInterval = 20 * time.Millisecond
	e, root := newBuiltEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	refreshed := make(chan *refresh.RefreshResult, 16)
	done := make(chan error, 1)
	go func() {
		done <- e.Watch(ctx, func(r *refresh.RefreshResult, err error) {
			if err == nil {
				refreshed <- r
			}
		})
	}()

	// The watcher registers its directories asynchronously.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "spec", "ops.md"), []byte("# REQ-o00001: Ops\n"), 0o644))

	require.Eventually(t, func() bool {
		found := false
		_ = e.View(func(g *graph.Graph) error {
			_, found = g.FindByID("REQ-o00001")
			return nil
		})
		return found
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case r := <-refreshed:
		assert.True(t, r.Refreshed())
	case <-time.After(5 * time.Second):
		t.Fatal("refresh callback not called")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestEngine_MarkDirtyWakesWatch(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Watch.RefreshInterval = 10 * time.Millisecond
	e, _ := newBuiltEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan error, 4)
	go func() {
		_ = e.Watch(ctx, func(_ *refresh.RefreshResult, err error) { results <- err })
	}()

	e.MarkDirty("spec/prd.md")
	select {
	case err := <-results:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh not triggered")
	}
	assert.Eventually(t, func() bool { return !e.Tracker().HasDirty() }, time.Second, 10*time.Millisecond)
}

func TestEngine_WatchDefersOnUnsavedMutations(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Watch.RefreshInterval = 10 * time.Millisecond
	e, _ := newBuiltEngine(t, cfg)
	require.NoError(t, e.Update(context.Background(), func(g *graph.Graph) error {
		_, err := g.ChangeStatus("REQ-d00001", "Draft")
		return err
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan error, 4)
	go func() {
		_ = e.Watch(ctx, func(_ *refresh.RefreshResult, err error) { results <- err })
	}()

	e.MarkDirty("spec/prd.md")
	select {
	case err := <-results:
		assert.True(t, errors.Is(err, refresh.ErrUnsavedMutations))
	case <-time.After(5 * time.Second):
		t.Fatal("refresh not attempted")
	}
	assert.True(t, e.Tracker().HasDirty(), "dirty files are kept for the next attempt")
}
