// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/AleutianAI/spectrace/services/spectrace/parser"
)

// Document is an in-memory, line-oriented copy of a source file.
//
// Description:
//
//	Edits address requirement blocks by ID and recognise headers, field
//	lines, assertion lines and footers with the parser's own patterns, so
//	an edited document parses back to what the graph holds. Lines the
//	edits do not touch are kept byte for byte.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type Document struct {
	// Path is the root-relative file path.
	Path string

	lines           []string
	trailingNewline bool
}

// NewDocument loads data as a document. Line endings are normalised to "\n".
func NewDocument(path string, data []byte) *Document {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return &Document{
		Path:            path,
		lines:           parser.SplitLines(text),
		trailingNewline: text == "" || strings.HasSuffix(text, "\n"),
	}
}

// Bytes returns the document content.
func (d *Document) Bytes() []byte {
	if len(d.lines) == 0 {
		return []byte{}
	}
	text := strings.Join(d.lines, "\n")
	if d.trailingNewline {
		text += "\n"
	}
	return []byte(text)
}

// String returns the document content.
func (d *Document) String() string { return string(d.Bytes()) }

// Has reports whether the document declares a block for id.
func (d *Document) Has(id string) bool {
	_, err := d.block(id)
	return err == nil
}

// span is an inclusive line range.
type span struct {
	start, end int
}

func (d *Document) block(id string) (span, error) {
	for i, line := range d.lines {
		if m := parser.HeaderPattern.FindStringSubmatch(line); m != nil && m[1] == id {
			return span{start: i, end: parser.BlockEnd(d.lines, i)}, nil
		}
	}
	return span{}, fmt.Errorf("%w: %s in %s", ErrBlockNotFound, id, d.Path)
}

func (d *Document) title(b span) string {
	m := parser.HeaderPattern.FindStringSubmatch(d.lines[b.start])
	if m == nil {
		return ""
	}
	return m[2]
}

// footer returns the footer line of b, or -1.
func (d *Document) footer(b span) int {
	if b.end > b.start && parser.FooterPattern.MatchString(d.lines[b.end]) {
		return b.end
	}
	return -1
}

// fieldLines returns the metadata lines directly under the header.
func (d *Document) fieldLines(b span) []int {
	var out []int
	for i := b.start + 1; i <= b.end; i++ {
		if isBlank(d.lines[i]) {
			continue
		}
		if !parser.IsFieldLine(d.lines[i]) {
			break
		}
		out = append(out, i)
	}
	return out
}

// assertionLine is one assertion and its continuation lines.
type assertionLine struct {
	label      string
	start, end int
}

// assertions returns the assertion heading of b (-1 when absent) and the
// assertion lines below it.
func (d *Document) assertions(b span) (int, []assertionLine) {
	heading := -1
	last := b.end
	if f := d.footer(b); f >= 0 {
		last = f - 1
	}

	var items []assertionLine
	for i := b.start + 1; i <= last; i++ {
		trimmed := strings.TrimSpace(d.lines[i])
		if heading < 0 {
			if trimmed == parser.AssertionsHeading {
				heading = i
			}
			continue
		}
		if m := parser.AssertionLinePattern.FindStringSubmatch(trimmed); m != nil {
			items = append(items, assertionLine{label: m[1], start: i, end: i})
			continue
		}
		if trimmed != "" && len(items) > 0 {
			items[len(items)-1].end = i
		}
	}
	return heading, items
}

func (d *Document) splice(at, remove int, insert ...string) {
	d.lines = slices.Concat(d.lines[:at], insert, d.lines[at+remove:])
}

// SetTitle rewrites the header and footer titles of id.
func (d *Document) SetTitle(id, title string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}
	d.lines[b.start] = renderHeader(id, title)
	if f := d.footer(b); f >= 0 {
		m := parser.FooterPattern.FindStringSubmatch(d.lines[f])
		d.lines[f] = renderFooter(title, m[2])
	}
	return nil
}

// RenameID rewrites the header of oldID to declare newID.
func (d *Document) RenameID(oldID, newID string) error {
	b, err := d.block(oldID)
	if err != nil {
		return err
	}
	d.lines[b.start] = renderHeader(newID, d.title(b))
	return nil
}

// SetField sets a "**Name**: value" metadata field of id. An empty value
// removes the field. A block without metadata gets a new field line.
func (d *Document) SetField(id, name, value string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}

	rows := d.fieldLines(b)
	for _, i := range rows {
		fields := splitFields(d.lines[i])
		j := slices.IndexFunc(fields, func(f field) bool { return strings.EqualFold(f.name, name) })
		if j < 0 {
			continue
		}
		if value == "" {
			fields = slices.Delete(fields, j, j+1)
		} else {
			fields[j].value = value
		}
		if len(fields) == 0 {
			d.splice(i, 1)
		} else {
			d.lines[i] = joinFields(fields)
		}
		return nil
	}

	if value == "" {
		return nil
	}
	if len(rows) > 0 {
		d.lines[rows[0]] = joinFields(append(splitFields(d.lines[rows[0]]), field{name: name, value: value}))
		return nil
	}
	d.splice(b.start+1, 0, "", joinFields([]field{{name: name, value: value}}))
	return nil
}

// SetAssertion replaces the text of assertion label of id.
func (d *Document) SetAssertion(id, label, text string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}
	_, items := d.assertions(b)
	for _, a := range items {
		if a.label == label {
			d.splice(a.start, a.end-a.start+1, renderAssertion(label, text))
			return nil
		}
	}
	return fmt.Errorf("%w: %s-%s in %s", ErrAssertionLineNotFound, id, label, d.Path)
}

// AddAssertion appends an assertion to id, creating the assertion section
// when the block has none.
func (d *Document) AddAssertion(id, label, text string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}
	line := renderAssertion(label, text)
	heading, items := d.assertions(b)

	switch {
	case len(items) > 0:
		d.splice(items[len(items)-1].end+1, 0, line)
	case heading >= 0:
		d.splice(heading+1, 0, "", line)
	default:
		at := b.end + 1
		f := d.footer(b)
		if f >= 0 {
			at = f
		}
		chunk := []string{parser.AssertionsHeading, "", line}
		if at > 0 && !isBlank(d.lines[at-1]) {
			chunk = append([]string{""}, chunk...)
		}
		if f >= 0 {
			chunk = append(chunk, "")
		}
		d.splice(at, 0, chunk...)
	}
	return nil
}

// DeleteAssertion removes assertion label of id. Removing the last
// assertion removes the section heading too.
func (d *Document) DeleteAssertion(id, label string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}
	heading, items := d.assertions(b)
	idx := slices.IndexFunc(items, func(a assertionLine) bool { return a.label == label })
	if idx < 0 {
		return fmt.Errorf("%w: %s-%s in %s", ErrAssertionLineNotFound, id, label, d.Path)
	}

	a := items[idx]
	if len(items) > 1 {
		d.splice(a.start, a.end-a.start+1)
		return nil
	}
	d.splice(heading, a.end-heading+1)
	if heading > 0 && heading < len(d.lines) && isBlank(d.lines[heading]) && isBlank(d.lines[heading-1]) {
		d.splice(heading, 1)
	}
	return nil
}

// RelabelAssertions renames assertion labels of id in one pass, so that
// shifting maps like B->A, C->B apply without collisions.
func (d *Document) RelabelAssertions(id string, mapping map[string]string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}
	_, items := d.assertions(b)

	want := 0
	for _, to := range mapping {
		if to != "" {
			want++
		}
	}
	done := 0
	for _, a := range items {
		to, ok := mapping[a.label]
		if !ok || to == "" {
			continue
		}
		line := d.lines[a.start]
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		rest := strings.TrimPrefix(strings.TrimSpace(line), a.label)
		d.lines[a.start] = indent + to + rest
		done++
	}
	if done < want {
		return fmt.Errorf("%w: relabel of %s in %s", ErrAssertionLineNotFound, id, d.Path)
	}
	return nil
}

// SetFooter rewrites the footer of id with the current title. An empty
// hash keeps the stored one; a block without a footer gets one only when
// a hash is given.
func (d *Document) SetFooter(id, hash string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}
	title := d.title(b)
	if f := d.footer(b); f >= 0 {
		m := parser.FooterPattern.FindStringSubmatch(d.lines[f])
		if hash == "" {
			hash = m[2]
		}
		d.lines[f] = renderFooter(title, hash)
		return nil
	}
	if hash == "" {
		return nil
	}
	d.splice(b.end+1, 0, "", renderFooter(title, hash))
	return nil
}

// RemoveBlock deletes the block of id and the blank lines after it.
func (d *Document) RemoveBlock(id string) error {
	b, err := d.block(id)
	if err != nil {
		return err
	}
	end := b.end
	for end+1 < len(d.lines) && isBlank(d.lines[end+1]) {
		end++
	}
	d.splice(b.start, end-b.start+1)
	d.trimTrailingBlank()
	return nil
}

// AppendBlock appends lines after a blank separator line.
func (d *Document) AppendBlock(lines []string) {
	d.trimTrailingBlank()
	if len(d.lines) > 0 {
		d.lines = append(d.lines, "")
	}
	d.lines = append(d.lines, lines...)
	d.trailingNewline = true
}

// ReplaceReference rewrites oldID to newID on a 1-based source line, for
// annotation comments in code and test files. Only whole IDs are replaced,
// so assertion suffixes ("-A+B") are kept.
func (d *Document) ReplaceReference(line int, oldID, newID string) error {
	i := line - 1
	if i < 0 || i >= len(d.lines) {
		return fmt.Errorf("%w: %s:%d out of range", ErrAnnotationNotFound, d.Path, line)
	}
	pattern := regexp.MustCompile(`(^|[^A-Za-z0-9_-])` + regexp.QuoteMeta(oldID) + `([^A-Za-z0-9_]|$)`)
	replaced := pattern.ReplaceAllString(d.lines[i], "${1}"+strings.ReplaceAll(newID, "$", "$$")+"${2}")
	if replaced == d.lines[i] {
		return fmt.Errorf("%w: %s at %s:%d", ErrAnnotationNotFound, oldID, d.Path, line)
	}
	d.lines[i] = replaced
	return nil
}

// Annotation is one keyword line of a code or test annotation comment.
type Annotation struct {
	// Keyword is "Implements", "Refines" or "Validates".
	Keyword string

	// Refs are written comma separated.
	Refs []string
}

// SetAnnotations replaces the annotation comment on a 1-based line with one
// comment line per annotation, written behind the original comment prefix.
//
// Description:
//
//	With grouped set, the annotation comments between the line and the
//	declaration they precede are replaced as well, because the parser
//	merges them into one test. An annotation whose keyword matches the
//	original one keeps the original spelling ("Tests:" stays "Tests:").
//	Annotations without references are dropped; when none remain the
//	comment lines are removed.
func (d *Document) SetAnnotations(line int, grouped bool, annotations []Annotation) error {
	i := line - 1
	if i < 0 || i >= len(d.lines) {
		return fmt.Errorf("%w: %s:%d out of range", ErrAnnotationNotFound, d.Path, line)
	}
	loc := parser.AnnotationPattern.FindStringSubmatchIndex(d.lines[i])
	if loc == nil || !parser.IsComment(d.lines[i]) {
		return fmt.Errorf("%w: no annotation at %s:%d", ErrAnnotationNotFound, d.Path, line)
	}
	prefix := d.lines[i][:loc[2]]
	original := d.lines[i][loc[2]:loc[3]]
	suffix := ""
	if strings.HasSuffix(strings.TrimSpace(d.lines[i][loc[4]:loc[5]]), "*/") {
		suffix = " */"
	}

	rendered := make([]string, 0, len(annotations))
	for _, a := range annotations {
		if len(a.Refs) == 0 {
			continue
		}
		keyword := a.Keyword
		if sameKeyword(original, keyword) {
			keyword = original
		}
		rendered = append(rendered, prefix+keyword+": "+strings.Join(a.Refs, ", ")+suffix)
	}

	extra := d.groupedAnnotations(i, grouped)
	for k := len(extra) - 1; k >= 0; k-- {
		d.splice(extra[k], 1)
	}
	d.splice(i, 1, rendered...)
	return nil
}

// groupedAnnotations returns the indexes of the annotation comments after
// line i that precede the same declaration.
func (d *Document) groupedAnnotations(i int, grouped bool) []int {
	if !grouped {
		return nil
	}
	var out []int
	for j := i + 1; j < len(d.lines) && j <= i+parser.FunctionLookahead; j++ {
		if parser.FunctionName(d.lines[j]) != "" {
			break
		}
		if parser.IsComment(d.lines[j]) && parser.AnnotationPattern.MatchString(d.lines[j]) {
			out = append(out, j)
		}
	}
	return out
}

// sameKeyword reports whether two annotation keywords declare the same
// relationship. "Tests" and "Verifies" are spellings of "Validates".
func sameKeyword(a, b string) bool {
	canon := func(k string) string {
		switch k = strings.ToLower(k); k {
		case "tests", "verifies":
			return "validates"
		default:
			return k
		}
	}
	return canon(a) == canon(b)
}

func (d *Document) trimTrailingBlank() {
	for len(d.lines) > 0 && isBlank(d.lines[len(d.lines)-1]) {
		d.lines = d.lines[:len(d.lines)-1]
	}
}

func isBlank(line string) bool { return strings.TrimSpace(line) == "" }

// field is one "**Name**: value" pair.
type field struct {
	name, value string
}

func splitFields(line string) []field {
	var out []field
	for _, m := range parser.FieldPattern.FindAllStringSubmatch(line, -1) {
		out = append(out, field{name: m[1], value: strings.TrimSpace(m[2])})
	}
	return out
}

func joinFields(fields []field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = "**" + f.name + "**: " + f.value
	}
	return strings.Join(parts, " | ")
}
