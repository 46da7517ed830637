// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitstatus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to write a file under dir.
func write(t *testing.T, dir, rel, content string) {
	t.Helper()
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// Helper function to create a repository with one commit holding the given
// files, then leave the work tree with a modified, a staged and an
// untracked file under repo/project.
func dirtyRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	write(t, dir, "project/spec/prd.md", "# REQ-p00001: A\n")
	write(t, dir, "project/spec/dev.md", "# REQ-d00001: B\n")
	write(t, dir, "project/src/auth.go", "package auth\n")
	write(t, dir, "other/notes.md", "notes\n")
	_, err = wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	write(t, dir, "project/spec/prd.md", "# REQ-p00001: A changed\n")
	write(t, dir, "project/src/auth.go", "package auth\n\nfunc Login() {}\n")
	_, err = wt.Add("project/src/auth.go")
	require.NoError(t, err)
	write(t, dir, "project/spec/ops.md", "# REQ-o00001: C\n")
	write(t, dir, "other/notes.md", "changed outside the root\n")
	return dir
}

func TestOpen_NotRepository(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestInspector_Status(t *testing.T) {
	dir := dirtyRepo(t)
	insp, err := Open(filepath.Join(dir, "project"))
	require.NoError(t, err)

	status, err := insp.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]FileState{
		"spec/prd.md": {Modified: true},
		"spec/ops.md": {Untracked: true},
		"src/auth.go": {Staged: true},
	}, status, "paths are relative to the root and files outside it are dropped")
}

func TestInspector_Annotate(t *testing.T) {
	dir := dirtyRepo(t)
	insp, err := Open(filepath.Join(dir, "project"))
	require.NoError(t, err)

	g := graph.NewGraph()
	add := func(id, path string) *graph.Node {
		n := graph.NewRequirement(id, &graph.RequirementContent{Title: id})
		n.Source = &graph.SourceLocation{Path: path, Line: 1}
		require.NoError(t, g.AddNode(n))
		return n
	}
	prd := add("REQ-p00001", "spec/prd.md")
	dev := add("REQ-d00001", "spec/dev.md")
	ops := add("REQ-o00001", "spec/ops.md")
	detached := graph.NewRequirement("REQ-x00001", &graph.RequirementContent{Title: "x"})
	require.NoError(t, g.AddNode(detached))

	sum, err := insp.Annotate(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, []string{"spec/prd.md"}, sum.Modified)
	assert.Equal(t, []string{"spec/ops.md"}, sum.Untracked)
	assert.Empty(t, sum.Staged, "auth.go declares no node")

	assert.True(t, prd.MetricBool(MetricGitModified))
	assert.False(t, prd.MetricBool(MetricGitUntracked))
	assert.True(t, ops.MetricBool(MetricGitUntracked))
	for _, name := range []string{MetricGitModified, MetricGitUntracked, MetricGitStaged} {
		v, ok := dev.Metrics[name]
		assert.True(t, ok, "clean files get explicit false for %s", name)
		assert.Equal(t, false, v)
	}
	_, ok := detached.Metrics[MetricGitModified]
	assert.False(t, ok, "nodes without a source are left alone")
}

func TestFileState_Clean(t *testing.T) {
	assert.True(t, FileState{}.Clean())
	assert.False(t, FileState{Staged: true}.Clean())
}
