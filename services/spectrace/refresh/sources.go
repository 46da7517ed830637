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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/spectrace/services/spectrace/parser"
	"github.com/bmatcuk/doublestar/v4"
)

// FileClass says which parser handles a source file.
type FileClass int

const (
	// ClassNone means the path matches no pattern.
	ClassNone FileClass = iota

	// ClassSpec is a requirement document.
	ClassSpec

	// ClassTest is a test file scanned for Validates annotations.
	ClassTest

	// ClassCode is a source file scanned for Implements annotations.
	ClassCode
)

// String returns the string representation of the FileClass.
func (c FileClass) String() string {
	switch c {
	case ClassSpec:
		return "spec"
	case ClassTest:
		return "test"
	case ClassCode:
		return "code"
	default:
		return "none"
	}
}

// DefaultSkipDirectories are never descended into while discovering files.
var DefaultSkipDirectories = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"__pycache__":  true,
	"target":       true,
	".idea":        true,
	".vscode":      true,
	"dist":         true,
	".cache":       true,
}

// Sources describes where the graph's input files live.
//
// Patterns are doublestar globs ("spec/**/*.md") relative to Root and use
// forward slashes. A path matching several classes takes the first of
// spec, test, code.
type Sources struct {
	// Root is the directory all paths are relative to.
	Root string

	// SpecPatterns select requirement documents.
	SpecPatterns []string

	// TestPatterns select test files.
	TestPatterns []string

	// CodePatterns select implementation files.
	CodePatterns []string
}

// DefaultSources returns patterns for a conventional repository layout.
func DefaultSources(root string) Sources {
	return Sources{
		Root:         root,
		SpecPatterns: []string{"spec/**/*.md"},
		TestPatterns: []string{"**/*_test.go", "tests/**/*.py", "**/*.test.ts"},
		CodePatterns: []string{"**/*.go", "**/*.py", "**/*.ts", "**/*.js", "**/*.rs"},
	}
}

// Validate checks that every pattern is well formed.
func (s Sources) Validate() error {
	for _, group := range [][]string{s.SpecPatterns, s.TestPatterns, s.CodePatterns} {
		for _, p := range group {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("invalid source pattern %q", p)
			}
		}
	}
	return nil
}

// Classify returns the class of a root-relative, slash-separated path.
func (s Sources) Classify(rel string) FileClass {
	switch {
	case matchAny(s.SpecPatterns, rel):
		return ClassSpec
	case matchAny(s.TestPatterns, rel):
		return ClassTest
	case matchAny(s.CodePatterns, rel):
		return ClassCode
	default:
		return ClassNone
	}
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Discover walks Root and returns every matching file with its
// modification time, keyed by root-relative path.
//
// Inputs:
//
//	ctx - Checked between directory entries.
//
// Outputs:
//
//	map[string]fs.FileInfo - Matching files.
//	error - ErrNotDirectory, or the walk error.
func (s Sources) Discover(ctx context.Context) (map[string]fs.FileInfo, error) {
	info, err := os.Stat(s.Root)
	if err != nil {
		return nil, fmt.Errorf("stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, s.Root)
	}

	found := make(map[string]fs.FileInfo)
	var inaccessible int
	err = filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			inaccessible++
			slog.Debug("skipping inaccessible path",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if d.IsDir() {
			if path != s.Root && DefaultSkipDirectories[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if s.Classify(rel) == ClassNone {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			inaccessible++
			return nil
		}
		found[rel] = fi
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", s.Root, err)
	}
	if inaccessible > 0 {
		slog.Warn("inaccessible paths during discovery",
			slog.String("root", s.Root),
			slog.Int("count", inaccessible),
		)
	}
	return found, nil
}

// Abs returns the absolute path of a root-relative path.
func (s Sources) Abs(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

// Rel converts an absolute path under Root to its root-relative form.
func (s Sources) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(s.Root, abs)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || (len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// parserFor returns the parser for a file class.
func parserFor(class FileClass) (parser.Parser, error) {
	switch class {
	case ClassSpec:
		return parser.NewMarkdownParser(), nil
	case ClassTest:
		return parser.NewTestScanner(), nil
	case ClassCode:
		return parser.NewCodeScanner(), nil
	default:
		return nil, ErrNoParser
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
