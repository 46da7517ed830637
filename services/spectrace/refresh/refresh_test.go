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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
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

const codeFile = `package auth

// Implements: REQ-d00001
func Login() {}
`

const testFile = `package auth

// Validates: REQ-d00001
func TestLogin(t *testing.T) {}
`

const (
	codeID = "code:src/auth.go:3"
	testID = "test:tests/auth_test.go::TestLogin"
)

// baseTime is the modification time given to every fixture file, well in
// the past so that builds always happen after it.
var baseTime = time.Now().Add(-time.Hour).Truncate(time.Second)

// Helper function to create a file under root with a fixed modification time.
func writeFile(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	if err := os.Chtimes(abs, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", rel, err)
	}
}

// Helper function to create the standard fixture repository.
func fixtureRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "spec/prd.md", prdDoc, baseTime)
	writeFile(t, root, "spec/dev.md", devDoc, baseTime)
	writeFile(t, root, "src/auth.go", codeFile, baseTime)
	writeFile(t, root, "tests/auth_test.go", testFile, baseTime)
	writeFile(t, root, "README.md", "# Not a spec\n", baseTime)
	writeFile(t, root, "node_modules/dep/index.js", "// Implements: REQ-p00001\n", baseTime)
	return root
}

func newRefresher(root string) *Refresher {
	return NewRefresher(NewScanner(DefaultSources(root), 2))
}

func buildFixture(t *testing.T, root string) (*Refresher, *graph.Graph) {
	t.Helper()
	r := newRefresher(root)
	result, err := r.Build(context.Background(), graph.DefaultRollupOptions())
	require.NoError(t, err)
	require.Empty(t, result.FileErrors)
	return r, result.Graph
}

func mustFind(t *testing.T, g *graph.Graph, id string) *graph.Node {
	t.Helper()
	n, ok := g.FindByID(id)
	if !ok {
		t.Fatalf("node %s not found", id)
	}
	return n
}

func TestSources_Classify(t *testing.T) {
	s := DefaultSources("/repo")
	tests := []struct {
		path string
		want FileClass
	}{
		{"spec/prd.md", ClassSpec},
		{"spec/nested/dev.md", ClassSpec},
		{"README.md", ClassNone},
		{"src/auth.go", ClassCode},
		{"auth_test.go", ClassTest},
		{"pkg/auth/auth_test.go", ClassTest},
		{"tests/test_login.py", ClassTest},
		{"app/login.py", ClassCode},
		{"image.png", ClassNone},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Classify(tt.path))
		})
	}
}

func TestSources_Validate(t *testing.T) {
	assert.NoError(t, DefaultSources("/repo").Validate())

	bad := DefaultSources("/repo")
	bad.SpecPatterns = []string{"spec/[.md"}
	assert.Error(t, bad.Validate())
}

func TestSources_Discover(t *testing.T) {
	root := fixtureRepo(t)

	found, err := DefaultSources(root).Discover(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"spec/prd.md", "spec/dev.md", "src/auth.go", "tests/auth_test.go"},
		sortedKeys(found),
	)

	t.Run("root must be a directory", func(t *testing.T) {
		_, err := DefaultSources(filepath.Join(root, "README.md")).Discover(context.Background())
		assert.ErrorIs(t, err, ErrNotDirectory)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := DefaultSources(root).Discover(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSources_Rel(t *testing.T) {
	s := DefaultSources(filepath.FromSlash("/repo"))

	rel, ok := s.Rel(filepath.FromSlash("/repo/spec/prd.md"))
	require.True(t, ok)
	assert.Equal(t, "spec/prd.md", rel)

	_, ok = s.Rel(filepath.FromSlash("/elsewhere/prd.md"))
	assert.False(t, ok)
}

func TestRefresher_Build(t *testing.T) {
	root := fixtureRepo(t)
	_, g := buildFixture(t, root)

	counts := g.CountByKind()
	assert.Equal(t, 2, counts[graph.NodeKindRequirement])
	assert.Equal(t, 3, counts[graph.NodeKindAssertion])
	assert.Equal(t, 1, counts[graph.NodeKindCode])
	assert.Equal(t, 1, counts[graph.NodeKindTest])
	assert.Empty(t, g.BrokenReferences())

	dev := mustFind(t, g, "REQ-d00001")
	assert.True(t, dev.HasChild(mustFind(t, g, codeID)))
	assert.True(t, dev.HasChild(mustFind(t, g, testID)))

	tf, ok := g.TrackedFile("spec/prd.md")
	require.True(t, ok)
	assert.True(t, tf.ModTime.Equal(baseTime))
	assert.True(t, g.BuiltAt.After(baseTime))

	assert.Equal(t, 50.0, mustFind(t, g, "REQ-p00001").MetricFloat(graph.MetricCoveragePct), "rollup runs after build")
}

func TestRefresher_Build_UnreadableFile(t *testing.T) {
	root := fixtureRepo(t)
	writeFile(t, root, "spec/blob.md", "bin\x00ary", baseTime)

	result, err := newRefresher(root).Build(context.Background(), graph.DefaultRollupOptions())
	require.NoError(t, err)
	require.Len(t, result.FileErrors, 1)
	assert.Equal(t, "spec/blob.md", result.FileErrors[0].FilePath)

	_, tracked := result.Graph.TrackedFile("spec/blob.md")
	assert.True(t, tracked, "files that fail to parse are still tracked")
}

func TestCheckStaleness(t *testing.T) {
	root := fixtureRepo(t)
	r, g := buildFixture(t, root)
	sources := r.Scanner().Sources()

	report, err := CheckStaleness(context.Background(), g, sources)
	require.NoError(t, err)
	assert.False(t, report.IsStale())

	later := baseTime.Add(time.Minute)
	writeFile(t, root, "spec/dev.md", devDoc, later)
	writeFile(t, root, "spec/ops.md", "# REQ-o00001: Ops\n", later)
	require.NoError(t, os.Remove(filepath.Join(root, "src", "auth.go")))

	report, err = CheckStaleness(context.Background(), g, sources)
	require.NoError(t, err)
	assert.True(t, report.IsStale())
	assert.Equal(t, []string{"spec/dev.md"}, report.Changed)
	assert.Equal(t, []string{"spec/ops.md"}, report.Added)
	assert.Equal(t, []string{"src/auth.go"}, report.Removed)
	assert.Equal(t, []string{"spec/dev.md", "spec/ops.md"}, report.Stale())
}

func TestRefresher_Refresh_PreservesIdentity(t *testing.T) {
	root := fixtureRepo(t)
	r, g := buildFixture(t, root)

	prd := mustFind(t, g, "REQ-p00001")
	dev := mustFind(t, g, "REQ-d00001")
	code := mustFind(t, g, codeID)
	devStable := dev.StableID
	oldHash := dev.Requirement().Hash

	edited := `# REQ-d00001: Password Hashing

**Level**: DEV | **Status**: Active | **Implements**: REQ-p00001-A

Use argon2id.

## Assertions

A. Passwords SHALL be hashed with argon2id.

*End* *Password Hashing*
`
	writeFile(t, root, "spec/dev.md", edited, baseTime.Add(time.Minute))

	result, err := r.Refresh(context.Background(), g, RefreshOptions{Rollup: graph.DefaultRollupOptions()})
	require.NoError(t, err)
	assert.True(t, result.Refreshed())
	assert.Equal(t, []string{"spec/dev.md"}, result.Report.Changed)
	assert.Equal(t, 2, result.NodesRemoved)
	assert.Equal(t, 2, result.NodesCreated)
	assert.Equal(t, 0, result.BrokenReferences)

	t.Run("untouched nodes are the same objects", func(t *testing.T) {
		assert.Same(t, prd, mustFind(t, g, "REQ-p00001"))
		assert.Same(t, code, mustFind(t, g, codeID))
	})

	t.Run("re-parsed node keeps its StableID", func(t *testing.T) {
		newDev := mustFind(t, g, "REQ-d00001")
		assert.NotSame(t, dev, newDev)
		assert.Equal(t, devStable, newDev.StableID)
		assert.NotEqual(t, oldHash, newDev.Requirement().Hash)
	})

	t.Run("edges are rebuilt", func(t *testing.T) {
		newDev := mustFind(t, g, "REQ-d00001")
		assert.True(t, prd.HasChild(newDev))
		assert.True(t, newDev.HasChild(code))
		assert.True(t, newDev.HasChild(mustFind(t, g, testID)))
	})

	t.Run("tracked time follows the file", func(t *testing.T) {
		tf, _ := g.TrackedFile("spec/dev.md")
		assert.True(t, tf.ModTime.Equal(baseTime.Add(time.Minute)))
	})

	t.Run("second refresh is a no-op", func(t *testing.T) {
		again, err := r.Refresh(context.Background(), g, RefreshOptions{})
		require.NoError(t, err)
		assert.False(t, again.Refreshed())
	})
}

func TestRefresher_Refresh_RemovedFile(t *testing.T) {
	root := fixtureRepo(t)
	r, g := buildFixture(t, root)

	require.NoError(t, os.Remove(filepath.Join(root, "spec", "dev.md")))
	result, err := r.Refresh(context.Background(), g, RefreshOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"spec/dev.md"}, result.Report.Removed)
	_, ok := g.FindByID("REQ-d00001")
	assert.False(t, ok)
	assert.Equal(t, 2, result.BrokenReferences, "code and test lose their parent")

	from := make([]string, 0)
	for _, b := range g.BrokenReferences() {
		from = append(from, b.FromID)
		assert.Equal(t, "REQ-d00001", b.Target)
	}
	assert.ElementsMatch(t, []string{codeID, testID}, from)
	_, tracked := g.TrackedFile("spec/dev.md")
	assert.False(t, tracked)
}

func TestRefresher_Refresh_AddedFileFixesBrokenLink(t *testing.T) {
	root := fixtureRepo(t)
	require.NoError(t, os.Remove(filepath.Join(root, "spec", "dev.md")))
	r, g := buildFixture(t, root)
	require.Len(t, g.BrokenReferences(), 2)

	writeFile(t, root, "spec/dev.md", devDoc, baseTime.Add(time.Minute))
	result, err := r.Refresh(context.Background(), g, RefreshOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"spec/dev.md"}, result.Report.Added)
	assert.Empty(t, g.BrokenReferences())
	assert.True(t, mustFind(t, g, "REQ-d00001").HasChild(mustFind(t, g, codeID)))
}

func TestRefresher_Refresh_UnsavedMutations(t *testing.T) {
	root := fixtureRepo(t)
	r, g := buildFixture(t, root)

	_, err := g.ChangeStatus("REQ-p00001", graph.StatusDraft)
	require.NoError(t, err)

	_, err = r.Refresh(context.Background(), g, RefreshOptions{})
	if !errors.Is(err, ErrUnsavedMutations) {
		t.Fatalf("expected ErrUnsavedMutations, got %v", err)
	}
	assert.Equal(t, graph.StatusDraft, mustFind(t, g, "REQ-p00001").Requirement().Status)

	result, err := r.Refresh(context.Background(), g, RefreshOptions{DiscardMutations: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discarded)
	assert.False(t, g.HasUnsavedMutations())
	assert.Equal(t, graph.StatusActive, mustFind(t, g, "REQ-p00001").Requirement().Status)
}

func TestScanner_ScanFiles(t *testing.T) {
	root := fixtureRepo(t)
	s := NewScanner(DefaultSources(root), 0)

	result, err := s.ScanFiles(context.Background(), []string{"spec/prd.md", "src/auth.go", "spec/missing.md", "README.md"})
	require.NoError(t, err)

	assert.Len(t, result.FileErrors, 2)
	assert.Contains(t, result.ModTimes, "spec/prd.md")
	assert.NotContains(t, result.ModTimes, "spec/missing.md")

	var ids []string
	for _, c := range result.Contents {
		ids = append(ids, c.String("id"))
		mtime, ok := c.ModTime()
		assert.True(t, ok)
		assert.True(t, mtime.Equal(baseTime))
	}
	assert.Equal(t, []string{"REQ-p00001", codeID}, ids, "fragments follow path order")
}
