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
	"fmt"
	"regexp"
	"strings"
)

// AnnotationPattern matches "Implements: REQ-a, REQ-b" style annotations.
// Group 1 is the keyword, group 2 the reference list.
var AnnotationPattern = regexp.MustCompile(`(?i)\b(implements|refines|validates|tests|verifies)\s*:\s*(.+)$`)

var (
	// functionPatterns find the declaration that follows an annotation.
	functionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`),
		regexp.MustCompile(`^\s*(?:pub\s+)?fn\s+([A-Za-z_]\w*)`),
	}

	commentPrefixes = []string{"//", "#", "--", "/*", "*", ";"}
)

// FunctionLookahead is how many lines after an annotation are searched for
// the declaration it belongs to.
const FunctionLookahead = 5

// ReferenceScanner finds traceability annotations in code and test comments.
//
// Each annotated declaration becomes one fragment. In code files the
// fragment is a "code" node implementing or refining the referenced
// requirements; in test files it is a "test" node validating them.
//
// Thread Safety: Safe for concurrent use.
type ReferenceScanner struct {
	contentType string
}

// NewCodeScanner returns a scanner that emits code fragments.
func NewCodeScanner() *ReferenceScanner {
	return &ReferenceScanner{contentType: ContentCode}
}

// NewTestScanner returns a scanner that emits test fragments.
func NewTestScanner() *ReferenceScanner {
	return &ReferenceScanner{contentType: ContentTest}
}

// Parse scans a source file for annotations.
func (s *ReferenceScanner) Parse(path string, data []byte) ([]*ParsedContent, error) {
	if IsBinary(data) {
		return nil, fmt.Errorf("parse %s: %w", path, ErrBinaryFile)
	}

	lines := SplitLines(string(data))
	byID := make(map[string]*ParsedContent)
	var order []*ParsedContent

	for i, line := range lines {
		if !IsComment(line) {
			continue
		}
		m := AnnotationPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		refs := splitAnnotationRefs(m[2])
		if len(refs) == 0 {
			continue
		}

		function := findFunction(lines, i+1)
		id := s.nodeID(path, i+1, function)
		c, ok := byID[id]
		if !ok {
			c = NewContent(s.contentType, path, i+1, i+1)
			c.RawText = line
			c.ParsedData["id"] = id
			c.ParsedData["file"] = path
			c.ParsedData["function"] = function
			byID[id] = c
			order = append(order, c)
		}
		key := s.relationshipKey(strings.ToLower(m[1]))
		c.ParsedData[key] = append(c.Strings(key), refs...)
	}

	return order, nil
}

func (s *ReferenceScanner) nodeID(path string, line int, function string) string {
	if s.contentType == ContentTest && function != "" {
		return fmt.Sprintf("test:%s::%s", path, function)
	}
	prefix := "code"
	if s.contentType == ContentTest {
		prefix = "test"
	}
	return fmt.Sprintf("%s:%s:%d", prefix, path, line)
}

// relationshipKey maps an annotation keyword onto the ParsedData key the
// builder reads for this scanner's content type.
func (s *ReferenceScanner) relationshipKey(keyword string) string {
	if s.contentType == ContentTest {
		return "validates"
	}
	if keyword == "refines" {
		return "refines"
	}
	return "implements"
}

// IsComment reports whether line is a whole-line comment.
func IsComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, p := range commentPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

func findFunction(lines []string, from int) string {
	for j := from; j < len(lines) && j < from+FunctionLookahead; j++ {
		if name := FunctionName(lines[j]); name != "" {
			return name
		}
	}
	return ""
}

// FunctionName returns the name declared by a function declaration line,
// or "" when line declares none.
func FunctionName(line string) string {
	for _, re := range functionPatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

func splitAnnotationRefs(value string) []string {
	value = strings.TrimSuffix(strings.TrimSpace(value), "*/")
	var refs []string
	for _, field := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		field = strings.Trim(field, ".;:()[]`'\"")
		if field == "" || strings.EqualFold(field, "and") {
			continue
		}
		refs = append(refs, field)
	}
	return refs
}
