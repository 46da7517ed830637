// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/config"
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

// cliResult holds the captured output of one run.
type cliResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// syncBuffer is a bytes.Buffer safe for the watch loop and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Helper function to write a repository fixture with past modification times.
func newRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range map[string]string{
		"spec/prd.md": prdDoc,
		"spec/dev.md": devDoc,
		"src/auth.go": codeFile,
	} {
		writeFile(t, root, rel, content)
	}
	return root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(abs, past, past))
}

// runCLI executes the command line in machine output mode.
func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), append([]string{"--output", "machine"}, args...), &out, &errOut)
	return cliResult{Stdout: out.String(), Stderr: errOut.String(), ExitCode: code}
}

func TestCLI_Build(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "build", root)
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	assert.Contains(t, res.Stdout, "files\t3\n")
	assert.Contains(t, res.Stdout, "requirement\t2\n")
	assert.Contains(t, res.Stdout, "assertion\t3\n")
	assert.Contains(t, res.Stdout, "code\t1\n")
	assert.Contains(t, res.Stdout, "•\tREQ-p00001\tUser Authentication\n")
}

func TestCLI_CheckPasses(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "check", root)
	assert.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stdout, "OK\tcheck passed")
}

func TestCLI_CheckFindings(t *testing.T) {
	root := newRepo(t)
	writeFile(t, root, "spec/copy.md", "# REQ-p00001: Copy\n\n**Level**: PRD | **Status**: Active\n\nBody.\n\n*End* *Copy*\n")

	res := runCLI(t, "check", root)
	assert.Equal(t, exitFindings, res.ExitCode)
	assert.Contains(t, res.Stdout, "duplicate_id REQ-p00001")
	assert.Contains(t, res.Stderr, "ERROR\t")
}

func TestCLI_Coverage(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "coverage", root)
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID\tLevel\tStatus\tTitle\tCoverage\tTests", lines[0])
	assert.Equal(t, "REQ-d00001\tDEV\tActive\tPassword Hashing\t0.0\t-", lines[1])
	assert.Equal(t, "REQ-p00001\tPRD\tActive\tUser Authentication\t50.0\t-", lines[2])

	res = runCLI(t, "coverage", "--level", "prd", "--below", "60", root)
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.NotContains(t, res.Stdout, "REQ-d00001")
	assert.Contains(t, res.Stdout, "REQ-p00001")

	res = runCLI(t, "coverage", "--level", "ops", root)
	assert.Equal(t, exitFailure, res.ExitCode)
	assert.Contains(t, res.Stderr, "no requirements match")
}

func TestCLI_Show(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "show", "-C", root, "p00001")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	assert.Contains(t, res.Stdout, "kind\trequirement\n")
	assert.Contains(t, res.Stdout, "source\tspec/prd.md:1")
	assert.Contains(t, res.Stdout, "coverage\t50.0\n")
	assert.Contains(t, res.Stdout, "✓\tA. The system SHALL require a password.\t\n")
	assert.Contains(t, res.Stdout, "○\tB. The system SHALL lock accounts.\t\n")
	assert.Contains(t, res.Stdout, "•\tREQ-d00001\timplements A\n")

	res = runCLI(t, "show", "-C", root, "d00001")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stdout, "→\tREQ-p00001\tUser Authentication\n")

	res = runCLI(t, "show", "-C", root, "REQ-z99999")
	assert.Equal(t, exitFailure, res.ExitCode)
	assert.Contains(t, res.Stderr, "REQ-z99999")
}

func TestCLI_Search(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "search", "-C", root, "Password")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Equal(t, "•\tREQ-p00001-A\tThe system SHALL require a password.\n", res.Stdout)

	res = runCLI(t, "search", "-C", root, "bcrypt")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stdout, "REQ-d00001-A")

	res = runCLI(t, "search", "-C", root, "shall")
	assert.Equal(t, exitFailure, res.ExitCode)
	assert.Contains(t, res.Stderr, `no nodes mention "shall"`)
}

func TestCLI_EditStatus(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "edit", "status", "-C", root, "d00001", "Deprecated")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stdout, "✓\tspec/dev.md\t\n")

	data, err := os.ReadFile(filepath.Join(root, "spec", "dev.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "**Status**: Deprecated")

	res = runCLI(t, "edit", "status", "-C", root, "d00001", "Deprecated")
	assert.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.NotContains(t, res.Stdout, "spec/dev.md", "an unchanged status writes nothing")
}

func TestCLI_EditDryRun(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "edit", "link", "--dry-run", "-C", root, "d00001", "REQ-p00001-B")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stdout, "--- a/spec/dev.md")
	assert.Contains(t, res.Stdout, "+**Level**: DEV | **Status**: Active | **Implements**: REQ-p00001-A+B")

	data, err := os.ReadFile(filepath.Join(root, "spec", "dev.md"))
	require.NoError(t, err)
	assert.Equal(t, devDoc, string(data), "dry run leaves files alone")
}

func TestCLI_EditLinkAndUnlink(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "edit", "link", "-C", root, "d00001", "p00001-B")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	res = runCLI(t, "coverage", root)
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stdout, "REQ-p00001\tPRD\tActive\tUser Authentication\t100.0")

	res = runCLI(t, "edit", "unlink", "-C", root, "d00001", "p00001")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	res = runCLI(t, "coverage", root)
	assert.Contains(t, res.Stdout, "REQ-p00001\tPRD\tActive\tUser Authentication\t0.0")
}

func TestCLI_EditRename(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "edit", "rename", "-C", root, "d00001", "REQ-d00009")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	code, err := os.ReadFile(filepath.Join(root, "src", "auth.go"))
	require.NoError(t, err)
	assert.Contains(t, string(code), "// Implements: REQ-d00009")

	res = runCLI(t, "show", "-C", root, "REQ-d00009")
	assert.Equal(t, exitOK, res.ExitCode, res.Stderr)
}

func TestCLI_EditAssertions(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "edit", "assert", "-C", root, "p00001", "The system SHALL log attempts.")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	res = runCLI(t, "edit", "unassert", "--compact", "-C", root, "p00001", "A")
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	prd, err := os.ReadFile(filepath.Join(root, "spec", "prd.md"))
	require.NoError(t, err)
	assert.Contains(t, string(prd), "A. The system SHALL lock accounts.")
	assert.Contains(t, string(prd), "B. The system SHALL log attempts.")
	assert.NotContains(t, string(prd), "require a password")
}

func TestCLI_EditUnknownEdgeKind(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "edit", "link", "--kind", "blocks", "-C", root, "d00001", "p00001")
	assert.Equal(t, exitFailure, res.ExitCode)
}

func TestCLI_Init(t *testing.T) {
	root := t.TempDir()
	res := runCLI(t, "init", root)
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)

	cfg, err := config.Load(filepath.Join(root, config.FileName))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Graph.IDPrefix, cfg.Graph.IDPrefix)

	res = runCLI(t, "init", root)
	assert.Equal(t, exitFailure, res.ExitCode, "existing files need --force")
	res = runCLI(t, "init", "--force", root)
	assert.Equal(t, exitOK, res.ExitCode, res.Stderr)
}

func TestCLI_InvalidConfig(t *testing.T) {
	root := newRepo(t)
	writeFile(t, root, config.FileName, "graph:\n  hash_algorithm: md5\n")
	res := runCLI(t, "build", root)
	assert.Equal(t, exitFailure, res.ExitCode)
	assert.Contains(t, res.Stderr, "HashAlgorithm")
}

func TestCLI_BadLogLevel(t *testing.T) {
	res := runCLI(t, "--log-level", "loud", "build", t.TempDir())
	assert.Equal(t, exitFailure, res.ExitCode)
	assert.Contains(t, res.Stderr, "unknown log level")
}

func TestCLI_Trace(t *testing.T) {
	root := newRepo(t)
	res := runCLI(t, "--trace", "build", root)
	require.Equal(t, exitOK, res.ExitCode, res.Stderr)
	assert.Contains(t, res.Stderr, `"SpanContext"`, "spans are exported to stderr")
	assert.NotContains(t, res.Stdout, `"SpanContext"`)
}

func TestCLI_Watch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file watcher test in short mode")
	}
	root := newRepo(t)
	writeFile(t, root, config.FileName, "watch:\n  debounce: 20ms\n  refresh_interval: 20ms\n")

	ctx, cancel := context.WithCancel(context.Background())
	var out, errOut syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"--output", "machine", "watch", root}, &out, &errOut)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "watching") },
		5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "spec", "ops.md"), []byte("# REQ-o00001: Ops\n"), 0o644))

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "refreshed: 1 added") },
		5*time.Second, 20*time.Millisecond, "stdout: %s\nstderr: %s", out.String(), errOut.String())

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, exitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	err := &ExitError{Code: exitFindings, Err: errors.New("2 errors")}
	assert.Equal(t, exitFindings, exitCode(err))
	assert.Equal(t, "2 errors (exit 2)", err.Error())
	assert.Equal(t, "exit 3", (&ExitError{Code: 3}).Error())
}
