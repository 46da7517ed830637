// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Reference is a cross-reference declared by a node. After resolution,
// Target holds the canonical parent ID and Labels the assertion labels.
type Reference struct {
	Target       string
	Relationship Relationship
	Labels       []string
	Line         int
}

// Text renders the reference as written in a source file: the target
// followed by "-A+B" when it names assertions.
func (r Reference) Text() string {
	if len(r.Labels) == 0 {
		return r.Target
	}
	return r.Target + "-" + strings.Join(r.Labels, "+")
}

func (r Reference) clone() Reference {
	r.Labels = slices.Clone(r.Labels)
	return r
}

// Node is a vertex of the traceability graph.
//
// Parents are the nodes this node points up to, children the nodes that
// point up to it. Both sides are kept in sync by Graph.Link and Graph.Unlink.
type Node struct {
	id string

	// StableID survives renames and refreshes of an unchanged ID.
	StableID uuid.UUID

	Kind   NodeKind
	Label  string
	Source *SourceLocation

	// Content is the typed payload. Its Kind matches Kind.
	Content Content

	// Metrics holds derived values only. It is never persisted.
	Metrics map[string]any

	// Conflict marks a duplicate declaration of an existing requirement ID.
	Conflict bool

	// InCycle marks nodes on an implements/refines cycle.
	InCycle bool

	parents  []*Node
	children []*Node
	outgoing []*Edge
	incoming []*Edge
	refs     []Reference
}

func newNode(id string, kind NodeKind, label string, content Content) *Node {
	return &Node{
		id:       id,
		StableID: uuid.New(),
		Kind:     kind,
		Label:    label,
		Content:  content,
		Metrics:  make(map[string]any),
	}
}

// NewRequirement creates a detached requirement node.
func NewRequirement(id string, c *RequirementContent) *Node {
	return newNode(id, NodeKindRequirement, c.Title, c)
}

// NewAssertion creates a detached assertion node with ID "<reqID>-<label>".
func NewAssertion(reqID string, c *AssertionContent) *Node {
	return newNode(assertionID(reqID, c.Label), NodeKindAssertion, c.Label, c)
}

// NewCode creates a detached code node.
func NewCode(id string, c *CodeContent) *Node {
	label := c.Function
	if label == "" {
		label = id
	}
	return newNode(id, NodeKindCode, label, c)
}

// NewTest creates a detached test node.
func NewTest(id string, c *TestContent) *Node {
	label := c.Function
	if label == "" {
		label = id
	}
	return newNode(id, NodeKindTest, label, c)
}

// NewTestResult creates a detached test result node.
func NewTestResult(id string, c *TestResultContent) *Node {
	return newNode(id, NodeKindTestResult, c.Status, c)
}

// NewUserJourney creates a detached user journey node.
func NewUserJourney(id string, c *JourneyContent) *Node {
	return newNode(id, NodeKindUserJourney, c.Title, c)
}

// NewRemainder creates a detached remainder node.
func NewRemainder(id string, c *RemainderContent) *Node {
	return newNode(id, NodeKindRemainder, id, c)
}

// ID returns the node's current identifier.
func (n *Node) ID() string { return n.id }

// Parents returns a copy of the parent list.
func (n *Node) Parents() []*Node { return slices.Clone(n.parents) }

// Children returns a copy of the child list.
func (n *Node) Children() []*Node { return slices.Clone(n.children) }

// Outgoing returns a copy of the edges to children.
func (n *Node) Outgoing() []*Edge { return slices.Clone(n.outgoing) }

// Incoming returns a copy of the edges from parents.
func (n *Node) Incoming() []*Edge { return slices.Clone(n.incoming) }

// References returns a copy of the declared references.
func (n *Node) References() []Reference {
	out := make([]Reference, len(n.refs))
	for i, r := range n.refs {
		out[i] = r.clone()
	}
	return out
}

// HasParent reports whether p is a parent of n.
func (n *Node) HasParent(p *Node) bool { return slices.Contains(n.parents, p) }

// HasChild reports whether c is a child of n.
func (n *Node) HasChild(c *Node) bool { return slices.Contains(n.children, c) }

// EdgesTo returns the edges from n to child.
func (n *Node) EdgesTo(child *Node) []*Edge {
	var out []*Edge
	for _, e := range n.outgoing {
		if e.Target == child {
			out = append(out, e)
		}
	}
	return out
}

// Requirement returns the requirement payload, or nil for other kinds.
func (n *Node) Requirement() *RequirementContent {
	c, _ := n.Content.(*RequirementContent)
	return c
}

// Assertion returns the assertion payload, or nil for other kinds.
func (n *Node) Assertion() *AssertionContent {
	c, _ := n.Content.(*AssertionContent)
	return c
}

// Code returns the code payload, or nil for other kinds.
func (n *Node) Code() *CodeContent {
	c, _ := n.Content.(*CodeContent)
	return c
}

// Test returns the test payload, or nil for other kinds.
func (n *Node) Test() *TestContent {
	c, _ := n.Content.(*TestContent)
	return c
}

// TestResult returns the test result payload, or nil for other kinds.
func (n *Node) TestResult() *TestResultContent {
	c, _ := n.Content.(*TestResultContent)
	return c
}

// Journey returns the journey payload, or nil for other kinds.
func (n *Node) Journey() *JourneyContent {
	c, _ := n.Content.(*JourneyContent)
	return c
}

// Remainder returns the remainder payload, or nil for other kinds.
func (n *Node) Remainder() *RemainderContent {
	c, _ := n.Content.(*RemainderContent)
	return c
}

// Assertions returns the assertion children of a requirement ordered by label.
func (n *Node) Assertions() []*Node {
	var out []*Node
	for _, c := range n.children {
		if c.Kind == NodeKindAssertion {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return labelIndex(out[i].Assertion().Label) < labelIndex(out[j].Assertion().Label)
	})
	return out
}

// AssertionByLabel returns the assertion child with the given label.
func (n *Node) AssertionByLabel(label string) *Node {
	for _, c := range n.children {
		if a := c.Assertion(); a != nil && a.Label == label {
			return c
		}
	}
	return nil
}

// Owner returns the requirement owning an assertion node.
func (n *Node) Owner() *Node {
	if n.Kind != NodeKindAssertion {
		return nil
	}
	for _, p := range n.parents {
		if p.Kind == NodeKindRequirement {
			return p
		}
	}
	return nil
}

// MetricFloat returns a numeric metric as float64, 0 when absent.
func (n *Node) MetricFloat(name string) float64 {
	switch v := n.Metrics[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// MetricInt returns a numeric metric as int, 0 when absent.
func (n *Node) MetricInt(name string) int {
	switch v := n.Metrics[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetricBool returns a boolean metric, false when absent.
func (n *Node) MetricBool(name string) bool {
	b, _ := n.Metrics[name].(bool)
	return b
}

// assertionID builds the ID of an assertion node.
func assertionID(reqID, label string) string {
	return reqID + "-" + label
}

// labelIndex converts "A".."Z","AA".. into 0,1,...; -1 for invalid labels.
func labelIndex(label string) int {
	if label == "" {
		return -1
	}
	idx := 0
	for _, r := range label {
		if r < 'A' || r > 'Z' {
			return -1
		}
		idx = idx*26 + int(r-'A'+1)
	}
	return idx - 1
}

// labelFor is the inverse of labelIndex.
func labelFor(idx int) string {
	var b []byte
	for idx++; idx > 0; idx = (idx - 1) / 26 {
		b = append([]byte{byte('A' + (idx-1)%26)}, b...)
	}
	return string(b)
}

// isLabel reports whether s is a valid assertion label.
func isLabel(s string) bool {
	return labelIndex(s) >= 0
}
