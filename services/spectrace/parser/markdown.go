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
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBinaryFile is returned when a file looks like binary data.
var ErrBinaryFile = errors.New("binary file")

// Patterns of the requirement document format. Exported so the text editor
// used during replay recognises exactly what the parser recognises.
var (
	// HeaderPattern matches "# REQ-p00001: Title".
	HeaderPattern = regexp.MustCompile(`^#\s+([A-Za-z][A-Za-z0-9]*-[A-Za-z0-9._-]+):\s*(.*?)\s*$`)

	// FieldPattern matches one "**Name**: value" pair on a metadata line.
	FieldPattern = regexp.MustCompile(`\*\*([A-Za-z]+)\*\*:\s*([^|]*)`)

	// AssertionLinePattern matches "A. The system SHALL ...".
	AssertionLinePattern = regexp.MustCompile(`^([A-Z]{1,3})\.\s+(.*)$`)

	// FooterPattern matches "*End* *Title* | **Hash**: 1a2b3c4d".
	FooterPattern = regexp.MustCompile(`^\*End\*\s+\*(.*?)\*\s*(?:\|\s*\*\*Hash\*\*:\s*(\S+))?\s*$`)
)

// AssertionsHeading starts the assertion section of a requirement.
const AssertionsHeading = "## Assertions"

// DefaultJourneyPrefix marks headers that declare user journeys.
const DefaultJourneyPrefix = "JNY-"

// Parser converts one file into fragments.
type Parser interface {
	Parse(path string, data []byte) ([]*ParsedContent, error)
}

// MarkdownParser reads requirement and journey documents.
//
// Thread Safety: Safe for concurrent use.
type MarkdownParser struct {
	journeyPrefix string
}

// NewMarkdownParser returns a parser using the default journey prefix.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{journeyPrefix: DefaultJourneyPrefix}
}

// IsBinary reports whether data contains a NUL byte in its first 8KB.
func IsBinary(data []byte) bool {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// Parse splits a document into requirement, journey and remainder fragments.
//
// Description:
//
//	A requirement block starts at a "# ID: Title" header and ends at its
//	"*End*" footer, or at the next header when no footer is written.
//	Text outside any block becomes remainder fragments so that nothing
//	in the document is lost.
//
// Inputs:
//
//	path - Repository-relative path, recorded in each fragment.
//	data - File contents.
//
// Outputs:
//
//	[]*ParsedContent - Fragments in document order.
//	error - ErrBinaryFile for binary input.
func (p *MarkdownParser) Parse(path string, data []byte) ([]*ParsedContent, error) {
	if IsBinary(data) {
		return nil, fmt.Errorf("parse %s: %w", path, ErrBinaryFile)
	}

	lines := SplitLines(string(data))
	var out []*ParsedContent
	var loose []string
	looseStart := 0

	flushLoose := func() {
		text := strings.TrimSpace(strings.Join(loose, "\n"))
		if text != "" {
			c := NewContent(ContentRemainder, path, looseStart+1, looseStart+len(loose))
			c.RawText = strings.Join(loose, "\n")
			c.ParsedData["id"] = fmt.Sprintf("rem:%s:%d", path, looseStart+1)
			c.ParsedData["text"] = text
			out = append(out, c)
		}
		loose = nil
	}

	for i := 0; i < len(lines); {
		m := HeaderPattern.FindStringSubmatch(lines[i])
		if m == nil {
			if len(loose) == 0 {
				looseStart = i
			}
			loose = append(loose, lines[i])
			i++
			continue
		}
		flushLoose()

		end := BlockEnd(lines, i)
		block := lines[i : end+1]
		var c *ParsedContent
		if strings.HasPrefix(m[1], p.journeyPrefix) {
			c = parseJourney(path, i, block, m[1], m[2])
		} else {
			c = parseRequirement(path, i, block, m[1], m[2])
		}
		out = append(out, c)
		i = end + 1
	}
	flushLoose()

	return out, nil
}

// SplitLines splits text on newlines, dropping a single trailing empty line.
func SplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

// BlockEnd returns the index of the last line of the block whose header is
// at lines[start]: the footer line, or the line before the next header.
func BlockEnd(lines []string, start int) int {
	for j := start + 1; j < len(lines); j++ {
		if FooterPattern.MatchString(lines[j]) {
			return j
		}
		if HeaderPattern.MatchString(lines[j]) {
			end := j - 1
			for end > start && strings.TrimSpace(lines[end]) == "" {
				end--
			}
			return end
		}
	}
	end := len(lines) - 1
	for end > start && strings.TrimSpace(lines[end]) == "" {
		end--
	}
	return end
}

// ParseFields extracts "**Name**: value" pairs from a metadata line.
// Keys are lower-cased.
func ParseFields(line string) map[string]string {
	fields := make(map[string]string)
	for _, m := range FieldPattern.FindAllStringSubmatch(line, -1) {
		fields[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}
	return fields
}

// IsFieldLine reports whether a line carries metadata fields.
func IsFieldLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "**") && FieldPattern.MatchString(trimmed)
}

// SplitRefs splits a comma separated reference list. "-" and "none" mean empty.
func SplitRefs(value string) []string {
	var refs []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "-" || strings.EqualFold(part, "none") {
			continue
		}
		refs = append(refs, part)
	}
	return refs
}

func parseRequirement(path string, start int, block []string, id, title string) *ParsedContent {
	c := NewContent(ContentRequirement, path, start+1, start+len(block))
	c.RawText = strings.Join(block, "\n")
	c.ParsedData["id"] = id
	c.ParsedData["title"] = title
	c.ParsedData["hash"] = nil

	var body []string
	var assertions []Assertion
	inAssertions := false

	for _, line := range block[1:] {
		if fm := FooterPattern.FindStringSubmatch(line); fm != nil {
			if fm[2] != "" {
				c.ParsedData["hash"] = fm[2]
			}
			break
		}
		trimmed := strings.TrimSpace(line)
		if !inAssertions && len(body) == 0 && IsFieldLine(line) {
			for k, v := range ParseFields(line) {
				applyField(c, k, v)
			}
			continue
		}
		if trimmed == AssertionsHeading {
			inAssertions = true
			continue
		}
		if inAssertions {
			if am := AssertionLinePattern.FindStringSubmatch(trimmed); am != nil {
				assertions = append(assertions, Assertion{Label: am[1], Text: strings.TrimSpace(am[2])})
				continue
			}
			if trimmed != "" && len(assertions) > 0 {
				last := &assertions[len(assertions)-1]
				last.Text = last.Text + " " + trimmed
			}
			continue
		}
		if trimmed != "" || len(body) > 0 {
			body = append(body, line)
		}
	}

	c.ParsedData["body_text"] = strings.TrimSpace(strings.Join(body, "\n"))
	c.ParsedData["assertions"] = assertions
	for _, k := range []string{"level", "status"} {
		if _, ok := c.ParsedData[k]; !ok {
			c.ParsedData[k] = ""
		}
	}
	for _, k := range []string{"implements", "refines", "addresses"} {
		if _, ok := c.ParsedData[k]; !ok {
			c.ParsedData[k] = []string{}
		}
	}
	return c
}

func applyField(c *ParsedContent, key, value string) {
	switch key {
	case "level", "status":
		c.ParsedData[key] = value
	case "implements", "refines", "addresses":
		c.ParsedData[key] = SplitRefs(value)
	}
}

func parseJourney(path string, start int, block []string, id, title string) *ParsedContent {
	c := NewContent(ContentUserJourney, path, start+1, start+len(block))
	c.RawText = strings.Join(block, "\n")
	c.ParsedData["id"] = id
	c.ParsedData["title"] = title

	var body []string
	for _, line := range block[1:] {
		if IsFieldLine(line) {
			consumed := false
			for k, v := range ParseFields(line) {
				if k == "actor" || k == "goal" {
					c.ParsedData[k] = v
					consumed = true
				}
			}
			if consumed {
				continue
			}
		}
		body = append(body, line)
	}
	c.ParsedData["body_text"] = strings.TrimSpace(strings.Join(body, "\n"))
	return c
}
