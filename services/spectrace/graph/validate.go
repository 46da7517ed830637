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
	"sort"
	"strings"
)

// CycleReport lists the cycles found over the implements/refines relation.
type CycleReport struct {
	// Paths holds one ID path per back-edge, starting at the node the
	// back-edge returns to.
	Paths [][]string

	// Members is the sorted union of all IDs on any path.
	Members []string
}

// HasCycles reports whether any cycle was found.
func (r CycleReport) HasCycles() bool { return len(r.Paths) > 0 }

// DetectCycles runs a depth-first search over implements/refines edges.
//
// Description:
//
//	Starts from every unvisited node in ID order and visits children in
//	ID order while keeping the recursion stack. An edge back to a node on
//	the stack yields the stack slice from that node as a cycle path. The
//	graph is not modified and the result depends only on the current edges.
func (g *Graph) DetectCycles() CycleReport {
	const (
		white = iota
		gray
		black
	)
	color := make(map[*Node]int, len(g.nodes))
	var stack []*Node
	var report CycleReport
	members := make(map[string]bool)

	var visit func(n *Node)
	visit = func(n *Node) {
		color[n] = gray
		stack = append(stack, n)
		for _, c := range hierarchyChildren(n) {
			switch color[c] {
			case gray:
				idx := slices.Index(stack, c)
				path := make([]string, 0, len(stack)-idx)
				for _, s := range stack[idx:] {
					path = append(path, s.id)
					members[s.id] = true
				}
				report.Paths = append(report.Paths, path)
			case white:
				visit(c)
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
	}

	for _, n := range g.sortedNodes() {
		if color[n] == white {
			visit(n)
		}
	}

	for id := range members {
		report.Members = append(report.Members, id)
	}
	sort.Strings(report.Members)
	return report
}

// AnnotateCycles sets InCycle on exactly the nodes DetectCycles reports.
func (g *Graph) AnnotateCycles() CycleReport {
	report := g.DetectCycles()
	for _, n := range g.nodes {
		n.InCycle = false
	}
	for _, id := range report.Members {
		g.nodes[id].InCycle = true
	}
	return report
}

func hierarchyChildren(n *Node) []*Node {
	var out []*Node
	for _, e := range n.outgoing {
		if e.Kind.isHierarchy() && !slices.Contains(out, e.Target) {
			out = append(out, e.Target)
		}
	}
	sortByID(out)
	return out
}

// wouldCycle reports whether a hierarchy edge parent->child closes a cycle,
// that is whether parent is already reachable from child.
func wouldCycle(parent, child *Node) bool {
	if parent == child {
		return true
	}
	visited := map[*Node]bool{child: true}
	queue := []*Node{child}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range hierarchyChildren(cur) {
			if c == parent {
				return true
			}
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}

// Orphans returns non-root nodes without a parent edge. Assertions,
// remainders and conflict nodes are never orphans.
func (g *Graph) Orphans() []*Node {
	var out []*Node
	for _, n := range g.sortedNodes() {
		if n.Kind == NodeKindAssertion || n.Kind == NodeKindRemainder || n.Conflict {
			continue
		}
		if len(n.incoming) == 0 && !g.IsRoot(n) {
			out = append(out, n)
		}
	}
	return out
}

// Severity grades a validation finding.
type Severity string

// Finding severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Validation rule names.
const (
	RuleCycle           = "cycle"
	RuleDuplicateID     = "duplicate_id"
	RuleBrokenReference = "broken_reference"
	RuleOrphan          = "orphan"
	RuleHashMismatch    = "hash_mismatch"
	RuleHierarchy       = "hierarchy"
)

// Finding is one validation result.
type Finding struct {
	Severity Severity
	Rule     string
	NodeID   string
	Message  string
	Path     string
	Line     int
}

// String returns "severity rule node: message".
func (f Finding) String() string {
	return fmt.Sprintf("%s %s %s: %s", f.Severity, f.Rule, f.NodeID, f.Message)
}

// ValidateOptions configures Validate.
type ValidateOptions struct {
	// AllowedImplements maps a requirement level to the levels it may
	// implement or refine. Levels without an entry are unrestricted.
	AllowedImplements map[string][]string

	// SkipHashCheck disables hash mismatch findings.
	SkipHashCheck bool
}

// Validate collects every finding for the graph.
//
// Description:
//
//	Errors: cycle members, duplicate requirement IDs, hierarchy level
//	violations. Warnings: broken references, orphans and requirements
//	whose stored hash does not match their body text. Findings are
//	ordered by rule, then node ID.
func (g *Graph) Validate(opts ValidateOptions) []Finding {
	var findings []Finding
	add := func(sev Severity, rule string, n *Node, msg string) {
		f := Finding{Severity: sev, Rule: rule, NodeID: n.id, Message: msg}
		if n.Source != nil {
			f.Path, f.Line = n.Source.Path, n.Source.Line
		}
		findings = append(findings, f)
	}

	cycles := g.DetectCycles()
	for _, path := range cycles.Paths {
		n := g.nodes[path[0]]
		add(SeverityError, RuleCycle, n, "cycle: "+strings.Join(append(slices.Clone(path), path[0]), " -> "))
	}

	for _, n := range g.sortedNodes() {
		if n.Conflict {
			add(SeverityError, RuleDuplicateID, n, "duplicate declaration of an existing requirement ID")
			continue
		}
		rc := n.Requirement()
		if rc == nil {
			continue
		}
		if !opts.SkipHashCheck && !g.HashIsCurrent(n) {
			want, _ := g.ComputeHash(n)
			add(SeverityWarning, RuleHashMismatch, n, fmt.Sprintf("stored hash %q, body hashes to %q", rc.Hash, want))
		}
		allowed, restricted := opts.AllowedImplements[rc.Level]
		if !restricted {
			continue
		}
		for _, e := range n.incoming {
			parent := e.Source.Requirement()
			if parent == nil || !e.Kind.isHierarchy() {
				continue
			}
			if !slices.Contains(allowed, parent.Level) {
				add(SeverityError, RuleHierarchy, n, fmt.Sprintf("%s requirement may not %s %s requirement %s",
					rc.Level, e.Kind, parent.Level, e.Source.id))
			}
		}
	}

	for _, b := range g.BrokenReferences() {
		findings = append(findings, Finding{
			Severity: SeverityWarning,
			Rule:     RuleBrokenReference,
			NodeID:   b.FromID,
			Message:  fmt.Sprintf("%s %s does not resolve: %s", b.Relationship, b.Target, b.Reason),
			Path:     b.Path,
			Line:     b.Line,
		})
	}

	for _, n := range g.Orphans() {
		add(SeverityWarning, RuleOrphan, n, fmt.Sprintf("%s has no parent", n.Kind))
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Rule != findings[j].Rule {
			return findings[i].Rule < findings[j].Rule
		}
		return findings[i].NodeID < findings[j].NodeID
	})
	return findings
}

// HasErrors reports whether any finding is an error.
func HasErrors(findings []Finding) bool {
	return slices.ContainsFunc(findings, func(f Finding) bool { return f.Severity == SeverityError })
}
