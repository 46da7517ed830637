// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitstatus flags graph nodes whose source files have uncommitted
// changes in the enclosing git work tree.
package gitstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/go-git/go-git/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Node metrics written by Annotate.
const (
	MetricGitModified  = "git_modified"
	MetricGitUntracked = "git_untracked"
	MetricGitStaged    = "git_staged"
)

// ErrNotRepository is returned when no git repository encloses the root.
var ErrNotRepository = errors.New("not inside a git repository")

var tracer = otel.Tracer("spectrace.gitstatus")

// FileState is the git state of one file.
type FileState struct {
	// Modified is true when the work tree differs from the index.
	Modified bool

	// Untracked is true when git does not know the file.
	Untracked bool

	// Staged is true when the index differs from HEAD.
	Staged bool
}

// Clean reports whether the file has no pending change.
func (s FileState) Clean() bool { return !s.Modified && !s.Untracked && !s.Staged }

// Summary counts the changed files among the graph's sources.
type Summary struct {
	Modified  []string
	Untracked []string
	Staged    []string
}

// Inspector reads work tree status for a directory inside a repository.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type Inspector struct {
	repo *git.Repository

	// prefix is the root's path inside the work tree, "" or "dir/".
	prefix string
}

// Open finds the repository enclosing root.
//
// Outputs:
//
//	*Inspector - The inspector.
//	error - ErrNotRepository when root is not inside a work tree.
func Open(root string) (*Inspector, error) {
	abs, err := realPath(root)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRepository, err)
	}

	top, err := realPath(wt.Filesystem.Root())
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(top, abs)
	if err != nil {
		return nil, fmt.Errorf("locating %s in work tree: %w", root, err)
	}
	prefix := ""
	if rel != "." {
		prefix = filepath.ToSlash(rel) + "/"
	}
	return &Inspector{repo: repo, prefix: prefix}, nil
}

// Status returns the state of every changed file under the root, keyed by
// root-relative slash path. Clean files are absent.
func (i *Inspector) Status(ctx context.Context) (map[string]FileState, error) {
	_, span := tracer.Start(ctx, "gitstatus.Inspector.Status")
	defer span.End()

	wt, err := i.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening work tree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reading status: %w", err)
	}

	out := make(map[string]FileState, len(st))
	for path, fs := range st {
		rel, ok := strings.CutPrefix(path, i.prefix)
		if !ok {
			continue
		}
		state := FileState{
			Untracked: fs.Worktree == git.Untracked,
			Modified:  fs.Worktree != git.Unmodified && fs.Worktree != git.Untracked,
			Staged:    fs.Staging != git.Unmodified && fs.Staging != git.Untracked,
		}
		if !state.Clean() {
			out[rel] = state
		}
	}
	span.SetAttributes(attribute.Int("changed_files", len(out)))
	return out, nil
}

// Annotate sets the git metrics on every node with a source location and
// returns the changed source files.
//
// Description:
//
//	Every node declared in a file gets MetricGitModified,
//	MetricGitUntracked and MetricGitStaged, all false for clean files.
//	The values are derived state; the next rollup leaves them alone and
//	the next call overwrites them.
func (i *Inspector) Annotate(ctx context.Context, g *graph.Graph) (Summary, error) {
	status, err := i.Status(ctx)
	if err != nil {
		return Summary{}, err
	}

	seen := make(map[string]bool)
	var sum Summary
	for n := range g.AllNodes(graph.PreOrder) {
		if n.Source == nil || n.Source.Path == "" {
			continue
		}
		state := status[n.Source.Path]
		n.Metrics[MetricGitModified] = state.Modified
		n.Metrics[MetricGitUntracked] = state.Untracked
		n.Metrics[MetricGitStaged] = state.Staged

		if seen[n.Source.Path] || state.Clean() {
			continue
		}
		seen[n.Source.Path] = true
		if state.Modified {
			sum.Modified = append(sum.Modified, n.Source.Path)
		}
		if state.Untracked {
			sum.Untracked = append(sum.Untracked, n.Source.Path)
		}
		if state.Staged {
			sum.Staged = append(sum.Staged, n.Source.Path)
		}
	}
	sort.Strings(sum.Modified)
	sort.Strings(sum.Untracked)
	sort.Strings(sum.Staged)

	slog.Debug("git status annotated",
		slog.Int("modified", len(sum.Modified)),
		slog.Int("untracked", len(sum.Untracked)),
		slog.Int("staged", len(sum.Staged)),
	)
	return sum, nil
}

func realPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}
