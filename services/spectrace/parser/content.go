// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parser turns requirement documents and annotated source files
// into ParsedContent fragments for the graph builder.
//
// The parsers here are reference implementations. The builder only depends on
// the ParsedContent shape, so any producer that fills ParsedData with the
// documented keys can feed a graph.
package parser

import (
	"fmt"
	"time"
)

// Content types understood by the graph builder.
const (
	ContentRequirement = "requirement"
	ContentUserJourney = "user_journey"
	ContentCode        = "code"
	ContentTest        = "test"
	ContentTestResult  = "test_result"
	ContentRemainder   = "remainder"
)

// Metadata keys carried in SourceContext.
const (
	// MetaPath is the repository-relative path of the source file. Required.
	MetaPath = "path"

	// MetaModTime is the file modification time observed when parsing.
	MetaModTime = "mtime"

	// MetaRepo is the owning repository tag for multi-repository setups.
	MetaRepo = "repo"
)

// Assertion is a labelled sub-statement declared inside a requirement.
type Assertion struct {
	Label string `yaml:"label" json:"label"`
	Text  string `yaml:"text" json:"text"`
}

// SourceContext describes where a fragment came from.
type SourceContext struct {
	Metadata map[string]any
}

// ParsedContent is one fragment produced by a parser.
//
// ParsedData keys by ContentType:
//
//	requirement:  id, title, level, status, implements, refines, addresses,
//	              assertions ([]Assertion), body_text, hash (string or nil)
//	user_journey: id, title, actor, goal, body_text
//	code:         id, file, function, implements, refines
//	test:         id, file, function, validates
//	test_result:  id, test_id, status, duration_ms, message
//	remainder:    id, text
type ParsedContent struct {
	ContentType   string
	StartLine     int
	EndLine       int
	RawText       string
	ParsedData    map[string]any
	SourceContext SourceContext
}

// Path returns the source path recorded in the metadata, or "".
func (c *ParsedContent) Path() string {
	if c == nil || c.SourceContext.Metadata == nil {
		return ""
	}
	p, _ := c.SourceContext.Metadata[MetaPath].(string)
	return p
}

// Repo returns the owning repository tag, or "".
func (c *ParsedContent) Repo() string {
	if c == nil || c.SourceContext.Metadata == nil {
		return ""
	}
	r, _ := c.SourceContext.Metadata[MetaRepo].(string)
	return r
}

// ModTime returns the modification time recorded in the metadata.
func (c *ParsedContent) ModTime() (time.Time, bool) {
	if c == nil || c.SourceContext.Metadata == nil {
		return time.Time{}, false
	}
	t, ok := c.SourceContext.Metadata[MetaModTime].(time.Time)
	return t, ok
}

// String returns a string field of ParsedData, or "" when absent.
func (c *ParsedContent) String(key string) string {
	switch v := c.ParsedData[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// OptionalString returns a string field and whether it was present and non-nil.
func (c *ParsedContent) OptionalString(key string) (string, bool) {
	v, ok := c.ParsedData[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns a list field of ParsedData. Both []string and []any
// holding strings are accepted.
func (c *ParsedContent) Strings(key string) []string {
	switch v := c.ParsedData[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Int returns an integer field of ParsedData, accepting the numeric types
// decoders commonly produce.
func (c *ParsedContent) Int(key string) int64 {
	switch v := c.ParsedData[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Assertions returns the declared assertions of a requirement fragment.
func (c *ParsedContent) Assertions() []Assertion {
	switch v := c.ParsedData["assertions"].(type) {
	case []Assertion:
		return v
	case []map[string]any:
		out := make([]Assertion, 0, len(v))
		for _, m := range v {
			out = append(out, assertionFromMap(m))
		}
		return out
	case []any:
		out := make([]Assertion, 0, len(v))
		for _, item := range v {
			switch a := item.(type) {
			case Assertion:
				out = append(out, a)
			case map[string]any:
				out = append(out, assertionFromMap(a))
			}
		}
		return out
	default:
		return nil
	}
}

func assertionFromMap(m map[string]any) Assertion {
	label, _ := m["label"].(string)
	text, _ := m["text"].(string)
	return Assertion{Label: label, Text: text}
}

// NewContent builds a ParsedContent for the given path with fresh maps.
func NewContent(contentType, path string, start, end int) *ParsedContent {
	return &ParsedContent{
		ContentType: contentType,
		StartLine:   start,
		EndLine:     end,
		ParsedData:  make(map[string]any),
		SourceContext: SourceContext{
			Metadata: map[string]any{MetaPath: path},
		},
	}
}
