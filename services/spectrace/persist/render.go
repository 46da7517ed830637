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
	"strings"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/parser"
)

// Field names written on requirement metadata lines.
const (
	FieldLevel      = "Level"
	FieldStatus     = "Status"
	FieldImplements = "Implements"
	FieldRefines    = "Refines"
	FieldAddresses  = "Addresses"
)

// referenceFields maps declared relationships to their field names, in the
// order they are written.
var referenceFields = []struct {
	rel  graph.Relationship
	name string
}{
	{graph.RelImplements, FieldImplements},
	{graph.RelRefines, FieldRefines},
	{graph.RelAddresses, FieldAddresses},
}

// RequirementBlock is the document form of one requirement.
type RequirementBlock struct {
	ID         string
	Title      string
	Level      string
	Status     string
	Implements []string
	Refines    []string
	Addresses  []string
	Body       string
	Assertions []parser.Assertion

	// Hash is written in the footer when set.
	Hash string
}

// BlockFromNode captures a requirement node as a block. References are
// written in canonical form, "REQ-p00001-A+B".
func BlockFromNode(n *graph.Node) (RequirementBlock, error) {
	rc := n.Requirement()
	if rc == nil {
		return RequirementBlock{}, fmt.Errorf("%w: %s is a %s", graph.ErrWrongKind, n.ID(), n.Kind)
	}

	b := RequirementBlock{
		ID:     n.ID(),
		Title:  rc.Title,
		Level:  rc.Level,
		Status: rc.Status,
		Body:   rc.Body,
		Hash:   rc.Hash,
	}
	refs := referenceLists(n)
	b.Implements = refs[graph.RelImplements]
	b.Refines = refs[graph.RelRefines]
	b.Addresses = refs[graph.RelAddresses]
	for _, a := range n.Assertions() {
		ac := a.Assertion()
		b.Assertions = append(b.Assertions, parser.Assertion{Label: ac.Label, Text: ac.Text})
	}
	return b, nil
}

// RenderRequirement renders a block in the requirement document format.
// The result parses back to the same fields, body and assertions.
func RenderRequirement(b RequirementBlock) []string {
	lines := []string{renderHeader(b.ID, b.Title), ""}

	var fields []field
	add := func(name, value string) {
		if value != "" {
			fields = append(fields, field{name: name, value: value})
		}
	}
	add(FieldLevel, b.Level)
	add(FieldStatus, b.Status)
	add(FieldImplements, strings.Join(b.Implements, ", "))
	add(FieldRefines, strings.Join(b.Refines, ", "))
	add(FieldAddresses, strings.Join(b.Addresses, ", "))
	if len(fields) > 0 {
		lines = append(lines, joinFields(fields), "")
	}

	if body := strings.TrimSpace(b.Body); body != "" {
		lines = append(lines, parser.SplitLines(body)...)
		lines = append(lines, "")
	}

	if len(b.Assertions) > 0 {
		lines = append(lines, parser.AssertionsHeading, "")
		for _, a := range b.Assertions {
			lines = append(lines, renderAssertion(a.Label, a.Text))
		}
		lines = append(lines, "")
	}

	return append(lines, renderFooter(b.Title, b.Hash))
}

// referenceLists groups a node's declared references by relationship.
func referenceLists(n *graph.Node) map[graph.Relationship][]string {
	out := make(map[graph.Relationship][]string)
	for _, r := range n.References() {
		out[r.Relationship] = append(out[r.Relationship], r.Text())
	}
	return out
}

func renderHeader(id, title string) string {
	return "# " + id + ": " + title
}

func renderAssertion(label, text string) string {
	return label + ". " + strings.TrimSpace(text)
}

func renderFooter(title, hash string) string {
	footer := "*End* *" + title + "*"
	if hash != "" {
		footer += " | **Hash**: " + hash
	}
	return footer
}
