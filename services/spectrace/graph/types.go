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
	"fmt"
	"slices"
	"strings"
)

// NodeKind is the closed set of node kinds.
type NodeKind int

const (
	// NodeKindRequirement is a normative statement with assertions.
	NodeKindRequirement NodeKind = iota

	// NodeKindAssertion is a labelled sub-statement of a requirement.
	NodeKindAssertion

	// NodeKindCode is an annotated code declaration.
	NodeKindCode

	// NodeKindTest is an annotated test.
	NodeKindTest

	// NodeKindTestResult is the outcome of one test run.
	NodeKindTestResult

	// NodeKindUserJourney is a user journey addressed by requirements.
	NodeKindUserJourney

	// NodeKindRemainder is document text outside any requirement.
	NodeKindRemainder
)

var nodeKindNames = map[NodeKind]string{
	NodeKindRequirement: "requirement",
	NodeKindAssertion:   "assertion",
	NodeKindCode:        "code",
	NodeKindTest:        "test",
	NodeKindTestResult:  "test_result",
	NodeKindUserJourney: "user_journey",
	NodeKindRemainder:   "remainder",
}

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// AllNodeKinds lists every kind in declaration order.
func AllNodeKinds() []NodeKind {
	return []NodeKind{
		NodeKindRequirement, NodeKindAssertion, NodeKindCode, NodeKindTest,
		NodeKindTestResult, NodeKindUserJourney, NodeKindRemainder,
	}
}

// ParseNodeKind converts a name such as "user_journey" to a NodeKind.
func ParseNodeKind(s string) (NodeKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range nodeKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown node kind %q", ErrInvalidNode, s)
}

// EdgeKind defines the type of relationship between nodes.
type EdgeKind int

const (
	// EdgeKindUnknown indicates an unrecognized relationship type.
	EdgeKindUnknown EdgeKind = iota

	// EdgeKindImplements indicates the child satisfies the parent.
	EdgeKindImplements

	// EdgeKindRefines indicates the child elaborates the parent.
	EdgeKindRefines

	// EdgeKindValidates indicates the child is test evidence for the parent.
	EdgeKindValidates

	// EdgeKindAddresses indicates the child requirement addresses a journey.
	EdgeKindAddresses
)

var edgeKindNames = map[EdgeKind]string{
	EdgeKindUnknown:    "unknown",
	EdgeKindImplements: "implements",
	EdgeKindRefines:    "refines",
	EdgeKindValidates:  "validates",
	EdgeKindAddresses:  "addresses",
}

// String returns the string representation of the EdgeKind.
func (k EdgeKind) String() string {
	if name, ok := edgeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEdgeKind converts a name such as "implements" to an EdgeKind.
func ParseEdgeKind(s string) (EdgeKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range edgeKindNames {
		if name == s && k != EdgeKindUnknown {
			return k, nil
		}
	}
	return EdgeKindUnknown, fmt.Errorf("%w: %q", ErrInvalidEdgeKind, s)
}

// isHierarchy reports whether the kind takes part in cycle detection.
func (k EdgeKind) isHierarchy() bool {
	return k == EdgeKindImplements || k == EdgeKindRefines
}

// Relationship is the name a fragment uses to declare a reference.
type Relationship string

// Declared relationships.
const (
	RelImplements Relationship = "implements"
	RelRefines    Relationship = "refines"
	RelAddresses  Relationship = "addresses"
	RelValidates  Relationship = "validates"
	RelResultOf   Relationship = "result_of"
)

// Direction says which end of a declared reference is the parent.
type Direction int

const (
	// DirectionUp makes the declaring node the child of the referenced node.
	DirectionUp Direction = iota

	// DirectionDown makes the declaring node the parent.
	DirectionDown
)

// relationshipRule is one row of the relationship table.
type relationshipRule struct {
	Kind      EdgeKind
	Direction Direction
}

// relationshipTable maps declared relationships onto edges.
var relationshipTable = map[Relationship]relationshipRule{
	RelImplements: {Kind: EdgeKindImplements, Direction: DirectionUp},
	RelRefines:    {Kind: EdgeKindRefines, Direction: DirectionUp},
	RelAddresses:  {Kind: EdgeKindAddresses, Direction: DirectionUp},
	RelValidates:  {Kind: EdgeKindValidates, Direction: DirectionUp},
	RelResultOf:   {Kind: EdgeKindValidates, Direction: DirectionUp},
}

// relationshipFor returns the relationship a child declares for an edge kind.
func relationshipFor(child *Node, kind EdgeKind) Relationship {
	switch kind {
	case EdgeKindRefines:
		return RelRefines
	case EdgeKindAddresses:
		return RelAddresses
	case EdgeKindValidates:
		if child.Kind == NodeKindTestResult {
			return RelResultOf
		}
		return RelValidates
	default:
		return RelImplements
	}
}

// SourceLocation identifies where a node was declared.
type SourceLocation struct {
	// Path is the repository-relative file path.
	Path string

	// Line is the 1-based first line.
	Line int

	// EndLine is the last line, 0 when unknown.
	EndLine int

	// Repo tags the owning repository in multi-repository setups.
	Repo string
}

// String returns "path:line".
func (l *SourceLocation) String() string {
	if l == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Edge is a typed, directed relationship from a parent to a child.
//
// AssertionTargets names assertions of the parent requirement the child
// covers. An empty list means the child covers the parent as a whole.
type Edge struct {
	Source           *Node
	Target           *Node
	Kind             EdgeKind
	AssertionTargets []string
}

// String returns "parent -[kind]-> child".
func (e *Edge) String() string {
	s := fmt.Sprintf("%s -[%s]-> %s", e.Source.ID(), e.Kind, e.Target.ID())
	if len(e.AssertionTargets) > 0 {
		s += " (" + strings.Join(e.AssertionTargets, "+") + ")"
	}
	return s
}

// Covers reports whether the edge names the given assertion label.
func (e *Edge) Covers(label string) bool {
	return slices.Contains(e.AssertionTargets, label)
}

// Order selects a traversal order.
type Order int

const (
	// PreOrder visits a node before its children.
	PreOrder Order = iota

	// PostOrder visits a node after its children.
	PostOrder

	// LevelOrder visits nodes breadth first.
	LevelOrder
)

// String returns the string representation of the Order.
func (o Order) String() string {
	switch o {
	case PreOrder:
		return "pre"
	case PostOrder:
		return "post"
	case LevelOrder:
		return "level"
	default:
		return "unknown"
	}
}

// Requirement statuses with special meaning to rollup.
const (
	StatusActive     = "Active"
	StatusDraft      = "Draft"
	StatusDeprecated = "Deprecated"
	StatusSuperseded = "Superseded"
)

// DefaultExcludedStatuses are requirement statuses whose contribution to
// ancestors is suppressed by rollup.
var DefaultExcludedStatuses = []string{StatusDeprecated, StatusSuperseded, StatusDraft}
