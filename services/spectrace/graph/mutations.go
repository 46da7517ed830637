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

	"github.com/google/uuid"
)

// Keys used in MutationEntry.Before and After.
const (
	FieldID           = "id"
	FieldStatus       = "status"
	FieldTitle        = "title"
	FieldLevel        = "level"
	FieldPath         = "path"
	FieldLabel        = "label"
	FieldText         = "text"
	FieldCompact      = "compact"
	FieldRelabeled    = "relabeled"
	FieldParent       = "parent"
	FieldChild        = "child"
	FieldKind         = "kind"
	FieldTargets      = "targets"
	FieldTarget       = "target"
	FieldRelationship = "relationship"
	FieldDependents   = "dependents"
)

// Every mutation validates its arguments before touching the graph, so a
// failed result leaves the graph unchanged. Successful mutations append
// one entry to the MutationLog whose undo function restores the previous
// state exactly.

// ChangeStatus sets a requirement's status.
func (g *Graph) ChangeStatus(id, status string) (MutationResult, error) {
	n, err := g.requirement(id)
	if err != nil {
		return g.failed(OpChangeStatus, err)
	}
	status = strings.TrimSpace(status)
	if status == "" {
		return g.failed(OpChangeStatus, fmt.Errorf("%w: empty status", ErrInvalidNode))
	}

	rc := n.Requirement()
	old := rc.Status
	if old == status {
		return g.noChange(OpChangeStatus, "status is already "+status)
	}
	rc.Status = status

	return g.commit(OpChangeStatus, n, n.id,
		map[string]any{FieldStatus: old},
		map[string]any{FieldStatus: status},
		false,
		func() { rc.Status = old },
	), nil
}

// UpdateTitle sets the title of a requirement or user journey. The title
// is not part of the hashed body text, but a requirement's footer carries
// both, so the entry affects the hash and the stored hash is recomputed.
func (g *Graph) UpdateTitle(id, title string) (MutationResult, error) {
	n, ok := g.nodes[id]
	if !ok {
		return g.failed(OpUpdateTitle, fmt.Errorf("%w: %s", ErrNodeNotFound, id))
	}
	var field *string
	switch c := n.Content.(type) {
	case *RequirementContent:
		field = &c.Title
	case *JourneyContent:
		field = &c.Title
	default:
		return g.failed(OpUpdateTitle, fmt.Errorf("%w: %s is a %s", ErrWrongKind, id, n.Kind))
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return g.failed(OpUpdateTitle, fmt.Errorf("%w: empty title", ErrInvalidNode))
	}

	old := *field
	if old == title {
		return g.noChange(OpUpdateTitle, "title unchanged")
	}
	*field = title
	n.Label = title
	restore := func() {
		*field = old
		n.Label = old
	}

	affectsHash := n.Kind == NodeKindRequirement
	if affectsHash {
		if err := g.rehash(n); err != nil {
			restore()
			return g.failed(OpUpdateTitle, err)
		}
	}

	return g.commit(OpUpdateTitle, n, n.id,
		map[string]any{FieldTitle: old},
		map[string]any{FieldTitle: title},
		affectsHash,
		restore,
	), nil
}

// UpdateAssertion replaces the text of an assertion and rehashes its
// requirement.
func (g *Graph) UpdateAssertion(reqID, label, text string) (MutationResult, error) {
	n, err := g.requirement(reqID)
	if err != nil {
		return g.failed(OpUpdateAssertion, err)
	}
	a := n.AssertionByLabel(label)
	if a == nil {
		return g.failed(OpUpdateAssertion, fmt.Errorf("%w: %s", ErrAssertionNotFound, assertionID(reqID, label)))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return g.failed(OpUpdateAssertion, fmt.Errorf("%w: empty assertion text", ErrInvalidNode))
	}

	ac := a.Assertion()
	old := ac.Text
	if old == text {
		return g.noChange(OpUpdateAssertion, "assertion text unchanged")
	}

	restore := g.captureAssertions(n)
	ac.Text = text
	if err := g.rehash(n); err != nil {
		restore()
		return g.failed(OpUpdateAssertion, err)
	}

	return g.commit(OpUpdateAssertion, n, n.id,
		map[string]any{FieldLabel: label, FieldText: old},
		map[string]any{FieldLabel: label, FieldText: text},
		true,
		restore,
	), nil
}

// AddAssertion appends an assertion with the next free label and rehashes
// the requirement.
func (g *Graph) AddAssertion(reqID, text string) (MutationResult, error) {
	n, err := g.requirement(reqID)
	if err != nil {
		return g.failed(OpAddAssertion, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return g.failed(OpAddAssertion, fmt.Errorf("%w: empty assertion text", ErrInvalidNode))
	}

	next := 0
	for _, a := range n.Assertions() {
		if idx := labelIndex(a.Assertion().Label); idx >= next {
			next = idx + 1
		}
	}
	label := labelFor(next)
	if _, exists := g.nodes[assertionID(n.id, label)]; exists {
		return g.failed(OpAddAssertion, fmt.Errorf("%w: %s", ErrDuplicateNode, assertionID(n.id, label)))
	}

	restore := g.captureAssertions(n)
	an := NewAssertion(n.id, &AssertionContent{Label: label, Text: text})
	if n.Source != nil {
		an.Source = &SourceLocation{Path: n.Source.Path, Line: n.Source.Line, Repo: n.Source.Repo}
	}
	if err := g.AddNode(an); err != nil {
		return g.failed(OpAddAssertion, err)
	}
	g.attach(n, an)
	if err := g.rehash(n); err != nil {
		restore()
		return g.failed(OpAddAssertion, err)
	}

	return g.commit(OpAddAssertion, n, n.id,
		nil,
		map[string]any{FieldLabel: label, FieldText: text},
		true,
		restore,
	), nil
}

// DeleteAssertion removes an assertion and rehashes its requirement.
//
// Description:
//
//	Edges from the requirement stop naming the label. An edge whose only
//	assertion target was the deleted label is removed together with the
//	child's reference. With compact set, the remaining assertions are
//	relabeled contiguously from A and every assertion target naming them
//	is rewritten.
func (g *Graph) DeleteAssertion(reqID, label string, compact bool) (MutationResult, error) {
	n, err := g.requirement(reqID)
	if err != nil {
		return g.failed(OpDeleteAssertion, err)
	}
	a := n.AssertionByLabel(label)
	if a == nil {
		return g.failed(OpDeleteAssertion, fmt.Errorf("%w: %s", ErrAssertionNotFound, assertionID(reqID, label)))
	}
	text := a.Assertion().Text

	restore := g.captureAssertions(n)
	g.removeNode(a)

	mapping := map[string]string{label: ""}
	relabeled := make(map[string]string)
	if compact {
		for i, b := range n.Assertions() {
			bc := b.Assertion()
			want := labelFor(i)
			if bc.Label == want {
				continue
			}
			mapping[bc.Label] = want
			relabeled[bc.Label] = want
			g.rekey(b, assertionID(n.id, want))
			bc.Label = want
			b.Label = want
		}
	}
	dependents := labelDependents(n)
	g.relabelTargets(n, mapping)

	if err := g.rehash(n); err != nil {
		restore()
		g.restructure()
		return g.failed(OpDeleteAssertion, err)
	}
	g.restructure()

	return g.commit(OpDeleteAssertion, n, n.id,
		map[string]any{FieldLabel: label, FieldText: text},
		map[string]any{FieldCompact: compact, FieldRelabeled: relabeled, FieldDependents: dependents},
		true,
		func() {
			restore()
			g.restructure()
		},
	), nil
}

// RenameAssertion changes an assertion's label and rewrites the assertion
// targets that name it.
func (g *Graph) RenameAssertion(reqID, oldLabel, newLabel string) (MutationResult, error) {
	n, err := g.requirement(reqID)
	if err != nil {
		return g.failed(OpRenameAssertion, err)
	}
	a := n.AssertionByLabel(oldLabel)
	if a == nil {
		return g.failed(OpRenameAssertion, fmt.Errorf("%w: %s", ErrAssertionNotFound, assertionID(reqID, oldLabel)))
	}
	if !isLabel(newLabel) {
		return g.failed(OpRenameAssertion, fmt.Errorf("%w: assertion label %q", ErrInvalidNode, newLabel))
	}
	if oldLabel == newLabel {
		return g.noChange(OpRenameAssertion, "label unchanged")
	}
	if n.AssertionByLabel(newLabel) != nil {
		return g.failed(OpRenameAssertion, fmt.Errorf("%w: %s", ErrDuplicateNode, assertionID(reqID, newLabel)))
	}
	if _, exists := g.nodes[assertionID(n.id, newLabel)]; exists {
		return g.failed(OpRenameAssertion, fmt.Errorf("%w: %s", ErrDuplicateNode, assertionID(reqID, newLabel)))
	}

	restore := g.captureAssertions(n)
	g.rekey(a, assertionID(n.id, newLabel))
	a.Assertion().Label = newLabel
	a.Label = newLabel
	dependents := labelDependents(n)
	g.relabelTargets(n, map[string]string{oldLabel: newLabel})
	if err := g.rehash(n); err != nil {
		restore()
		return g.failed(OpRenameAssertion, err)
	}

	return g.commit(OpRenameAssertion, n, n.id,
		map[string]any{FieldLabel: oldLabel},
		map[string]any{FieldLabel: newLabel, FieldDependents: dependents},
		true,
		restore,
	), nil
}

// AddEdge links parent to child and records the reference on the child.
//
// Description:
//
//	Adding an edge that already exists with the same kind merges the
//	assertion targets; when the existing edge already covers them the
//	result is no_change. Targets must be assertion labels of parent.
//	Implements and Refines edges that would close a cycle are refused.
//	Code and test children take only the edges their annotation comments
//	can declare, see checkDeclarable.
//
// Outputs:
//
//	MutationResult - success, no_change or failed.
//	error - ErrNodeNotFound, ErrInvalidEdgeKind, ErrWrongKind,
//	        ErrAssertionNotFound or ErrCycle.
func (g *Graph) AddEdge(parentID, childID string, kind EdgeKind, targets []string) (MutationResult, error) {
	parent, child, err := g.edgeEnds(parentID, childID)
	if err != nil {
		return g.failed(OpAddEdge, err)
	}
	if kind == EdgeKindUnknown {
		return g.failed(OpAddEdge, EdgeError{FromID: parentID, ToID: childID, Kind: kind, Err: ErrInvalidEdgeKind})
	}
	if err := checkDeclarable(parent, child, kind); err != nil {
		return g.failed(OpAddEdge, err)
	}
	if len(targets) > 0 {
		if parent.Kind != NodeKindRequirement {
			return g.failed(OpAddEdge, fmt.Errorf("%w: assertion targets on a %s", ErrWrongKind, parent.Kind))
		}
		if err := g.checkLabels(parent, targets); err != nil {
			return g.failed(OpAddEdge, err)
		}
	}

	for _, e := range parent.EdgesTo(child) {
		if e.Kind != kind {
			continue
		}
		if len(e.AssertionTargets) == 0 || (len(targets) > 0 && coversAll(e, targets)) {
			return g.noChange(OpAddEdge, "edge already exists")
		}
	}
	if kind.isHierarchy() && wouldCycle(parent, child) {
		return g.failed(OpAddEdge, EdgeError{FromID: parentID, ToID: childID, Kind: kind, Err: ErrCycle})
	}

	restore := g.captureLinks(parent, child)
	e := g.link(parent, child, kind, targets)
	g.addRef(child, parent, kind, e.AssertionTargets)
	g.restructure()

	return g.commit(OpAddEdge, child, child.id,
		nil,
		map[string]any{
			FieldParent:  parent.id,
			FieldChild:   child.id,
			FieldKind:    kind.String(),
			FieldTargets: slices.Clone(e.AssertionTargets),
		},
		false,
		func() {
			restore()
			g.restructure()
		},
	), nil
}

// DeleteEdge removes the edge of the given kind between parent and child
// and the child's matching reference.
func (g *Graph) DeleteEdge(parentID, childID string, kind EdgeKind) (MutationResult, error) {
	parent, child, err := g.edgeEnds(parentID, childID)
	if err != nil {
		return g.failed(OpDeleteEdge, err)
	}
	e := findEdge(parent, child, kind)
	if e == nil {
		return g.failed(OpDeleteEdge, EdgeError{FromID: parentID, ToID: childID, Kind: kind, Err: ErrEdgeNotFound})
	}
	if err := checkDeclarable(parent, child, kind); err != nil {
		return g.failed(OpDeleteEdge, err)
	}

	restore := g.captureLinks(parent, child)
	targets := slices.Clone(e.AssertionTargets)
	g.removeEdge(e)
	g.dropRef(child, parent, kind)
	g.restructure()

	return g.commit(OpDeleteEdge, child, child.id,
		map[string]any{
			FieldParent:  parent.id,
			FieldChild:   child.id,
			FieldKind:    kind.String(),
			FieldTargets: targets,
		},
		nil,
		false,
		func() {
			restore()
			g.restructure()
		},
	), nil
}

// ChangeEdgeKind replaces the kind of an existing edge, keeping its
// assertion targets.
func (g *Graph) ChangeEdgeKind(parentID, childID string, from, to EdgeKind) (MutationResult, error) {
	parent, child, err := g.edgeEnds(parentID, childID)
	if err != nil {
		return g.failed(OpChangeEdgeKind, err)
	}
	e := findEdge(parent, child, from)
	if e == nil {
		return g.failed(OpChangeEdgeKind, EdgeError{FromID: parentID, ToID: childID, Kind: from, Err: ErrEdgeNotFound})
	}
	if to == EdgeKindUnknown {
		return g.failed(OpChangeEdgeKind, EdgeError{FromID: parentID, ToID: childID, Kind: to, Err: ErrInvalidEdgeKind})
	}
	if err := checkDeclarable(parent, child, to); err != nil {
		return g.failed(OpChangeEdgeKind, err)
	}
	if from == to {
		return g.noChange(OpChangeEdgeKind, "edge kind is already "+to.String())
	}
	if to.isHierarchy() && !from.isHierarchy() && wouldCycle(parent, child) {
		return g.failed(OpChangeEdgeKind, EdgeError{FromID: parentID, ToID: childID, Kind: to, Err: ErrCycle})
	}

	restore := g.captureLinks(parent, child)
	targets := slices.Clone(e.AssertionTargets)
	g.removeEdge(e)
	g.dropRef(child, parent, from)
	ne := g.link(parent, child, to, targets)
	g.addRef(child, parent, to, ne.AssertionTargets)
	g.restructure()

	return g.commit(OpChangeEdgeKind, child, child.id,
		map[string]any{FieldParent: parent.id, FieldChild: child.id, FieldKind: from.String()},
		map[string]any{FieldParent: parent.id, FieldChild: child.id, FieldKind: to.String()},
		false,
		func() {
			restore()
			g.restructure()
		},
	), nil
}

// RenameNode renames a requirement or user journey. See Graph.Rename.
func (g *Graph) RenameNode(oldID, newID string) (MutationResult, error) {
	n, ok := g.nodes[oldID]
	if !ok {
		return g.failed(OpRenameNode, fmt.Errorf("%w: %s", ErrNodeNotFound, oldID))
	}
	if n.Kind != NodeKindRequirement && n.Kind != NodeKindUserJourney {
		return g.failed(OpRenameNode, fmt.Errorf("%w: cannot rename a %s", ErrWrongKind, n.Kind))
	}
	newID = strings.TrimSpace(newID)
	if oldID == newID {
		return g.noChange(OpRenameNode, "ID unchanged")
	}
	if err := g.Rename(oldID, newID); err != nil {
		return g.failed(OpRenameNode, err)
	}

	return g.commitFallible(OpRenameNode, n, oldID,
		map[string]any{FieldID: oldID},
		map[string]any{FieldID: newID},
		false,
		func() error { return g.Rename(n.id, oldID) },
	), nil
}

// AddRequirement creates a requirement without assertions, declared in
// path. An empty status defaults to Active.
func (g *Graph) AddRequirement(id, title, level, status, path string) (MutationResult, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(path) == "" {
		return g.failed(OpAddRequirement, fmt.Errorf("%w: requirement needs an ID and a path", ErrInvalidNode))
	}
	if _, exists := g.nodes[id]; exists {
		return g.failed(OpAddRequirement, fmt.Errorf("%w: %s", ErrDuplicateNode, id))
	}
	if status == "" {
		status = StatusActive
	}

	_, fileTracked := g.files[path]
	n := NewRequirement(id, &RequirementContent{Title: title, Level: level, Status: status})
	n.Source = &SourceLocation{Path: path}
	if err := g.AddNode(n); err != nil {
		return g.failed(OpAddRequirement, err)
	}
	if err := g.rehash(n); err != nil {
		g.removeNode(n)
		return g.failed(OpAddRequirement, err)
	}
	g.RecomputeRoots()

	return g.commit(OpAddRequirement, n, id,
		nil,
		map[string]any{FieldID: id, FieldTitle: title, FieldLevel: level, FieldStatus: status, FieldPath: path},
		true,
		func() {
			g.removeNode(n)
			if !fileTracked {
				delete(g.files, path)
			}
			g.RecomputeRoots()
		},
	), nil
}

// DeleteRequirement removes a requirement and its assertions.
//
// Description:
//
//	Edges to and from the requirement disappear. Nodes that referenced it
//	keep their references, which now show up as broken references until
//	fixed or until a requirement with a matching ID appears.
func (g *Graph) DeleteRequirement(id string) (MutationResult, error) {
	n, err := g.requirement(id)
	if err != nil {
		return g.failed(OpDeleteRequirement, err)
	}

	assertions := n.Assertions()
	linked := append([]*Node{n}, n.parents...)
	var referrers []*Node
	for _, c := range n.children {
		if c.Kind != NodeKindAssertion {
			linked = append(linked, c)
			referrers = append(referrers, c)
		}
	}
	sortByID(referrers)
	restoreLinks := g.captureLinks(linked...)

	rc := n.Requirement()
	before := map[string]any{
		FieldID:     n.id,
		FieldTitle:  rc.Title,
		FieldLevel:  rc.Level,
		FieldStatus: rc.Status,
	}
	if n.Source != nil {
		before[FieldPath] = n.Source.Path
	}

	for _, a := range assertions {
		g.removeNode(a)
	}
	g.removeNode(n)
	for _, c := range referrers {
		g.resolveNodeRefs(c)
	}
	g.restructure()

	return g.commit(OpDeleteRequirement, n, n.id, before, nil, false, func() {
		for _, x := range append([]*Node{n}, assertions...) {
			g.nodes[x.id] = x
			g.byStable[x.StableID] = x
			g.trackNode(x)
		}
		for _, a := range assertions {
			g.attach(n, a)
		}
		restoreLinks()
		g.restructure()
	}), nil
}

// FixBrokenReference retargets a broken reference declared by fromID.
//
// Inputs:
//
//	fromID - The declaring node.
//	oldTarget - The broken target as reported in BrokenReference.Target.
//	newTarget - A reference that resolves, in any form Resolve accepts.
//
// Outputs:
//
//	error - ErrBrokenReferenceNotFound when no such broken reference exists,
//	        ErrNodeNotFound or ErrAssertionNotFound when newTarget does not
//	        resolve, ErrCycle when the fixed edge would close a cycle.
func (g *Graph) FixBrokenReference(fromID, oldTarget, newTarget string) (MutationResult, error) {
	n, ok := g.nodes[fromID]
	if !ok {
		return g.failed(OpFixBrokenReference, fmt.Errorf("%w: %s", ErrNodeNotFound, fromID))
	}
	bi := slices.IndexFunc(g.broken[fromID], func(b BrokenReference) bool { return b.Target == oldTarget })
	if bi < 0 {
		return g.failed(OpFixBrokenReference, fmt.Errorf("%w: %s -> %s", ErrBrokenReferenceNotFound, fromID, oldTarget))
	}
	b := g.broken[fromID][bi]
	ri := slices.IndexFunc(n.refs, func(r Reference) bool {
		return r.Text() == oldTarget && r.Relationship == b.Relationship
	})
	if ri < 0 {
		return g.failed(OpFixBrokenReference, fmt.Errorf("%w: %s -> %s", ErrBrokenReferenceNotFound, fromID, oldTarget))
	}
	rule, known := relationshipTable[b.Relationship]
	if !known {
		return g.failed(OpFixBrokenReference, fmt.Errorf("%w: relationship %q", ErrInvalidEdgeKind, b.Relationship))
	}

	target, labels, err := g.ResolveReference(newTarget)
	if err != nil {
		return g.failed(OpFixBrokenReference, err)
	}
	if target == n {
		return g.failed(OpFixBrokenReference, fmt.Errorf("%w: %s references itself", ErrInvalidNode, fromID))
	}
	if rule.Kind.isHierarchy() && wouldCycle(target, n) {
		return g.failed(OpFixBrokenReference, EdgeError{FromID: target.id, ToID: fromID, Kind: rule.Kind, Err: ErrCycle})
	}

	restore := g.captureLinks(n, target)
	n.refs[ri].Target = target.id
	n.refs[ri].Labels = labels
	g.resolveNodeRefs(n)
	g.restructure()

	return g.commit(OpFixBrokenReference, n, n.id,
		map[string]any{FieldTarget: oldTarget, FieldRelationship: string(b.Relationship)},
		map[string]any{FieldTarget: n.refs[ri].Text(), FieldRelationship: string(b.Relationship)},
		false,
		func() {
			restore()
			g.restructure()
		},
	), nil
}

// requirement looks up a requirement node by exact ID.
func (g *Graph) requirement(id string) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Kind != NodeKindRequirement {
		return nil, fmt.Errorf("%w: %s is a %s, want requirement", ErrWrongKind, id, n.Kind)
	}
	if n.Requirement() == nil {
		return nil, fmt.Errorf("%w: requirement %s has no content", ErrInvariantViolation, id)
	}
	return n, nil
}

func (g *Graph) edgeEnds(parentID, childID string) (*Node, *Node, error) {
	parent, ok := g.nodes[parentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	child, ok := g.nodes[childID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, childID)
	}
	if parent == child {
		return nil, nil, fmt.Errorf("%w: %s cannot link to itself", ErrInvalidEdgeKind, parentID)
	}
	if parent.Kind == NodeKindAssertion || child.Kind == NodeKindAssertion {
		return nil, nil, fmt.Errorf("%w: assertions are addressed through their requirement", ErrWrongKind)
	}
	return parent, child, nil
}

// checkDeclarable rejects edges the child's source cannot declare. Code
// annotations implement or refine, test annotations validate, and both
// reference only requirements and journeys. Other kinds below requirements
// declare nothing editable.
func checkDeclarable(parent, child *Node, kind EdgeKind) error {
	var ok bool
	switch child.Kind {
	case NodeKindRequirement:
		return nil
	case NodeKindCode:
		ok = kind == EdgeKindImplements || kind == EdgeKindRefines
	case NodeKindTest:
		ok = kind == EdgeKindValidates
	default:
		return fmt.Errorf("%w: %s nodes declare no editable references", ErrWrongKind, child.Kind)
	}
	if !ok {
		return EdgeError{FromID: parent.id, ToID: child.id, Kind: kind, Err: ErrInvalidEdgeKind}
	}
	if parent.Kind != NodeKindRequirement && parent.Kind != NodeKindUserJourney {
		return fmt.Errorf("%w: %s annotations cannot reference a %s", ErrWrongKind, child.Kind, parent.Kind)
	}
	return nil
}

func findEdge(parent, child *Node, kind EdgeKind) *Edge {
	for _, e := range parent.EdgesTo(child) {
		if e.Kind == kind {
			return e
		}
	}
	return nil
}

func coversAll(e *Edge, labels []string) bool {
	for _, l := range labels {
		if !e.Covers(l) {
			return false
		}
	}
	return true
}

// addRef sets the child's reference to parent for kind to labels, adding
// the reference when the child has none.
func (g *Graph) addRef(child, parent *Node, kind EdgeKind, labels []string) {
	rel := relationshipFor(child, kind)
	for i := range child.refs {
		if child.refs[i].Target == parent.id && child.refs[i].Relationship == rel {
			child.refs[i].Labels = slices.Clone(labels)
			return
		}
	}
	child.refs = append(child.refs, Reference{Target: parent.id, Relationship: rel, Labels: slices.Clone(labels)})
}

func (g *Graph) dropRef(child, parent *Node, kind EdgeKind) {
	rel := relationshipFor(child, kind)
	child.refs = slices.DeleteFunc(child.refs, func(r Reference) bool {
		return r.Target == parent.id && r.Relationship == rel
	})
}

// relabelTargets rewrites assertion targets naming req's assertions.
// mapping sends old labels to new ones; an empty new label drops the target.
func (g *Graph) relabelTargets(req *Node, mapping map[string]string) {
	remap := func(labels []string) []string {
		var out []string
		for _, l := range labels {
			if m, ok := mapping[l]; ok {
				if m != "" {
					out = append(out, m)
				}
				continue
			}
			out = append(out, l)
		}
		return mergeLabels(nil, out)
	}

	for _, e := range slices.Clone(req.outgoing) {
		if len(e.AssertionTargets) == 0 {
			continue
		}
		targets := remap(e.AssertionTargets)
		if len(targets) == 0 {
			g.removeEdge(e)
			g.dropRef(e.Target, req, e.Kind)
			continue
		}
		e.AssertionTargets = targets
	}

	for _, c := range req.children {
		for i := range c.refs {
			r := &c.refs[i]
			if r.Target == req.id && len(r.Labels) > 0 {
				r.Labels = remap(r.Labels)
			}
		}
	}
}

// labelDependents returns the StableIDs of the children declaring
// assertion targets on req, in child order.
func labelDependents(req *Node) []uuid.UUID {
	out := make([]uuid.UUID, 0)
	for _, c := range req.children {
		for _, r := range c.refs {
			if r.Target == req.id && len(r.Labels) > 0 {
				out = append(out, c.StableID)
				break
			}
		}
	}
	return out
}

func (g *Graph) restructure() {
	g.RecomputeRoots()
	g.AnnotateCycles()
}

type edgeState struct {
	edge    *Edge
	targets []string
}

type linkState struct {
	node      *Node
	edges     []edgeState
	refs      []Reference
	broken    []BrokenReference
	hadBroken bool
}

// captureLinks records the edges, references and broken references of
// nodes and returns a function that restores them.
func (g *Graph) captureLinks(nodes ...*Node) func() {
	states := make([]linkState, 0, len(nodes))
	for _, n := range nodes {
		s := linkState{node: n, refs: cloneRefs(n.refs)}
		for _, e := range append(slices.Clone(n.outgoing), n.incoming...) {
			s.edges = append(s.edges, edgeState{edge: e, targets: slices.Clone(e.AssertionTargets)})
		}
		if b, ok := g.broken[n.id]; ok {
			s.broken = slices.Clone(b)
			s.hadBroken = true
		}
		states = append(states, s)
	}

	return func() {
		keep := make(map[*Edge]bool)
		for _, s := range states {
			for _, es := range s.edges {
				keep[es.edge] = true
			}
		}
		for _, s := range states {
			for _, e := range append(slices.Clone(s.node.outgoing), s.node.incoming...) {
				if !keep[e] {
					g.removeEdge(e)
				}
			}
		}
		for _, s := range states {
			for _, es := range s.edges {
				if !slices.Contains(es.edge.Source.outgoing, es.edge) {
					g.insertEdge(es.edge)
				}
				es.edge.AssertionTargets = slices.Clone(es.targets)
			}
			s.node.refs = cloneRefs(s.refs)
			if s.hadBroken {
				g.broken[s.node.id] = slices.Clone(s.broken)
			} else {
				delete(g.broken, s.node.id)
			}
		}
		g.touch()
	}
}

// captureAssertions records a requirement's assertions, hash and links and
// returns a function that restores them.
func (g *Graph) captureAssertions(req *Node) func() {
	type assertionState struct {
		node        *Node
		id          string
		label, text string
	}
	var states []assertionState
	for _, a := range req.Assertions() {
		ac := a.Assertion()
		states = append(states, assertionState{node: a, id: a.id, label: ac.Label, text: ac.Text})
	}
	rc := req.Requirement()
	hash := rc.Hash

	linked := []*Node{req}
	for _, c := range req.children {
		if c.Kind != NodeKindAssertion {
			linked = append(linked, c)
		}
	}
	restoreLinks := g.captureLinks(linked...)

	return func() {
		keep := make(map[*Node]bool, len(states))
		for _, s := range states {
			keep[s.node] = true
		}
		for _, a := range req.Assertions() {
			if keep[a] {
				delete(g.nodes, a.id)
				g.untrackNode(a)
			} else {
				g.removeNode(a)
			}
		}
		for _, s := range states {
			s.node.id = s.id
			ac := s.node.Assertion()
			ac.Label, ac.Text = s.label, s.text
			s.node.Label = s.label
			g.nodes[s.id] = s.node
			g.byStable[s.node.StableID] = s.node
			g.trackNode(s.node)
			g.attach(req, s.node)
		}
		restoreLinks()
		rc.Hash = hash
		g.touch()
	}
}

// insertEdge puts a detached edge back on both of its ends.
func (g *Graph) insertEdge(e *Edge) {
	e.Source.outgoing = append(e.Source.outgoing, e)
	e.Target.incoming = append(e.Target.incoming, e)
	g.attach(e.Source, e.Target)
	g.edgeCount++
	g.touch()
}

func cloneRefs(refs []Reference) []Reference {
	if refs == nil {
		return nil
	}
	out := make([]Reference, len(refs))
	for i, r := range refs {
		out[i] = r.clone()
	}
	return out
}
