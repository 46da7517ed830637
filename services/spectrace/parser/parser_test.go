// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSpec = `# Product Requirements

Intro text that belongs to no requirement.

# REQ-p00001: User Authentication

**Level**: PRD | **Status**: Active | **Implements**: -

Users must be able to sign in.

## Assertions

A. The system SHALL require a password.
B. The system SHALL lock accounts
   after five failures.

*End* *User Authentication* | **Hash**: 1a2b3c4d

# REQ-d00001: Password Hashing

**Level**: DEV | **Status**: Draft | **Implements**: REQ-p00001-A, p00002

Use a slow hash.

# JNY-001: Sign in

**Actor**: Clinician
**Goal**: Reach the dashboard

Steps go here.
`

func TestMarkdownParser_Parse(t *testing.T) {
	contents, err := NewMarkdownParser().Parse("spec/prd.md", []byte(sampleSpec))
	require.NoError(t, err)
	require.Len(t, contents, 4)

	t.Run("leading remainder", func(t *testing.T) {
		rem := contents[0]
		assert.Equal(t, ContentRemainder, rem.ContentType)
		assert.Equal(t, "rem:spec/prd.md:1", rem.String("id"))
		assert.Contains(t, rem.String("text"), "Intro text")
	})

	t.Run("requirement with footer", func(t *testing.T) {
		req := contents[1]
		assert.Equal(t, ContentRequirement, req.ContentType)
		assert.Equal(t, "REQ-p00001", req.String("id"))
		assert.Equal(t, "User Authentication", req.String("title"))
		assert.Equal(t, "PRD", req.String("level"))
		assert.Equal(t, "Active", req.String("status"))
		assert.Empty(t, req.Strings("implements"))
		assert.Equal(t, "Users must be able to sign in.", req.String("body_text"))
		assert.Equal(t, "spec/prd.md", req.Path())
		assert.Equal(t, 5, req.StartLine)

		hash, ok := req.OptionalString("hash")
		assert.True(t, ok)
		assert.Equal(t, "1a2b3c4d", hash)

		assertions := req.Assertions()
		require.Len(t, assertions, 2)
		assert.Equal(t, Assertion{Label: "A", Text: "The system SHALL require a password."}, assertions[0])
		assert.Equal(t, "The system SHALL lock accounts after five failures.", assertions[1].Text)
	})

	t.Run("requirement without footer", func(t *testing.T) {
		req := contents[2]
		assert.Equal(t, "REQ-d00001", req.String("id"))
		assert.Equal(t, []string{"REQ-p00001-A", "p00002"}, req.Strings("implements"))
		_, ok := req.OptionalString("hash")
		assert.False(t, ok, "missing footer leaves hash nil")
		assert.Empty(t, req.Assertions())
	})

	t.Run("journey", func(t *testing.T) {
		jny := contents[3]
		assert.Equal(t, ContentUserJourney, jny.ContentType)
		assert.Equal(t, "JNY-001", jny.String("id"))
		assert.Equal(t, "Clinician", jny.String("actor"))
		assert.Equal(t, "Reach the dashboard", jny.String("goal"))
		assert.Equal(t, "Steps go here.", jny.String("body_text"))
	})
}

func TestMarkdownParser_Binary(t *testing.T) {
	_, err := NewMarkdownParser().Parse("x.md", []byte{'a', 0, 'b'})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBinaryFile))
}

func TestBlockEnd(t *testing.T) {
	lines := SplitLines("# REQ-a: A\nbody\n\n# REQ-b: B\n*End* *B*\n")
	assert.Equal(t, 1, BlockEnd(lines, 0))
	assert.Equal(t, 4, BlockEnd(lines, 3))
}

func TestSplitRefs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"-", nil},
		{"none", nil},
		{"REQ-a", []string{"REQ-a"}},
		{" REQ-a ,REQ-b-A+B ", []string{"REQ-a", "REQ-b-A+B"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitRefs(tt.in))
		})
	}
}

func TestReferenceScanner_Code(t *testing.T) {
	src := `package auth

// Implements: REQ-d00001, REQ-p00001-A
// Refines: p00003
func HashPassword(pw string) string {
	return pw
}

// An ordinary comment about Implements without a colon.
func other() {}
`
	contents, err := NewCodeScanner().Parse("auth/hash.go", []byte(src))
	require.NoError(t, err)
	require.Len(t, contents, 2, "one fragment per annotation line")

	first := contents[0]
	assert.Equal(t, ContentCode, first.ContentType)
	assert.Equal(t, "code:auth/hash.go:3", first.String("id"))
	assert.Equal(t, "HashPassword", first.String("function"))
	assert.Equal(t, []string{"REQ-d00001", "REQ-p00001-A"}, first.Strings("implements"))

	assert.Equal(t, []string{"p00003"}, contents[1].Strings("refines"))
}

func TestReferenceScanner_TestMergesByFunction(t *testing.T) {
	src := `package auth

// Validates: REQ-d00001
// Tests: REQ-p00001-B
func TestHashPassword(t *testing.T) {}
`
	contents, err := NewTestScanner().Parse("auth/hash_test.go", []byte(src))
	require.NoError(t, err)
	require.Len(t, contents, 1)

	c := contents[0]
	assert.Equal(t, ContentTest, c.ContentType)
	assert.Equal(t, "test:auth/hash_test.go::TestHashPassword", c.String("id"))
	assert.Equal(t, []string{"REQ-d00001", "REQ-p00001-B"}, c.Strings("validates"))
}

func TestParsedContent_Accessors(t *testing.T) {
	c := NewContent(ContentTestResult, "results/run.xml", 1, 1)
	c.ParsedData["duration_ms"] = float64(12)
	c.ParsedData["validates"] = []any{"REQ-a", 3, "REQ-b"}
	c.ParsedData["assertions"] = []any{map[string]any{"label": "A", "text": "x"}}

	assert.Equal(t, int64(12), c.Int("duration_ms"))
	assert.Equal(t, []string{"REQ-a", "REQ-b"}, c.Strings("validates"))
	assert.Equal(t, []Assertion{{Label: "A", Text: "x"}}, c.Assertions())
	_, ok := c.ModTime()
	assert.False(t, ok)
}
