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
	"context"
	"slices"
	"time"
)

// Built-in metric names.
const (
	MetricTotalAssertions   = "total_assertions"
	MetricCoveredAssertions = "covered_assertions"
	MetricCoveragePct       = "coverage_pct"
	MetricCovered           = "covered"
	MetricTotalTests        = "total_tests"
	MetricPassedTests       = "passed_tests"
	MetricFailedTests       = "failed_tests"
	MetricSkippedTests      = "skipped_tests"
	MetricPassRatePct       = "pass_rate_pct"
)

// LeafFunc computes the value of a node without children.
type LeafFunc func(n *Node) float64

// CombineFunc computes the value of a node from its contributing
// children's values.
type CombineFunc func(n *Node, children []float64) float64

// RollupOptions configures Accumulate and Rollup.
type RollupOptions struct {
	// ExcludedStatuses are requirement statuses whose values do not flow
	// into their parents. Excluded requirements still get their own values.
	// Default: Deprecated, Superseded, Draft
	ExcludedStatuses []string
}

// DefaultRollupOptions returns sensible defaults.
func DefaultRollupOptions() RollupOptions {
	return RollupOptions{ExcludedStatuses: slices.Clone(DefaultExcludedStatuses)}
}

// contributes reports whether child's values flow into its parents.
func (o RollupOptions) contributes(child *Node) bool {
	if child.Conflict {
		return false
	}
	if rc := child.Requirement(); rc != nil && slices.Contains(o.ExcludedStatuses, rc.Status) {
		return false
	}
	return true
}

// Accumulate computes a named metric bottom-up and stores it on every node.
//
// Description:
//
//	One post-order pass per root, then over nodes no root reaches. Nodes
//	without children get leaf(n); other nodes get combine(n, values) over
//	their contributing children. Values are memoized so shared subtrees of
//	the DAG are computed once. A node reached again while its own value
//	is being computed (a cycle) contributes nothing to that computation.
//
// Outputs:
//
//	map[string]float64 - The value per node ID, also stored in Metrics[name].
func (g *Graph) Accumulate(name string, leaf LeafFunc, combine CombineFunc, opts RollupOptions) map[string]float64 {
	memo := make(map[*Node]float64, len(g.nodes))
	inProgress := make(map[*Node]bool)

	var eval func(n *Node) (float64, bool)
	eval = func(n *Node) (float64, bool) {
		if v, ok := memo[n]; ok {
			return v, true
		}
		if inProgress[n] {
			return 0, false
		}
		inProgress[n] = true

		var v float64
		if len(n.children) == 0 {
			v = leaf(n)
		} else {
			values := make([]float64, 0, len(n.children))
			for _, c := range n.children {
				if !opts.contributes(c) {
					continue
				}
				if cv, ok := eval(c); ok {
					values = append(values, cv)
				}
			}
			v = combine(n, values)
		}

		delete(inProgress, n)
		memo[n] = v
		n.Metrics[name] = v
		return v, true
	}

	for _, r := range g.roots {
		eval(r)
	}
	for _, n := range g.sortedNodes() {
		eval(n)
	}

	out := make(map[string]float64, len(memo))
	for n, v := range memo {
		out[n.id] = v
	}
	return out
}

// Sum is a CombineFunc adding the children's values to leaf(n).
func Sum(leaf LeafFunc) CombineFunc {
	return func(n *Node, children []float64) float64 {
		total := leaf(n)
		for _, v := range children {
			total += v
		}
		return total
	}
}

// Rollup computes the built-in coverage and test metrics.
//
// Description:
//
//	Coverage is per requirement over its own assertions. An assertion is
//	covered when an edge to a contributing child names its label
//	(Validates, Implements or Refines), or when a Validates edge without
//	assertion targets covers the requirement as a whole. coverage_pct is
//	0 when the requirement has no assertions.
//
//	Test counts use the set of distinct Test nodes reachable through
//	contributing children, so a test reached along two paths counts
//	once. A test's status is that of its latest TestResult child; tests
//	without results count toward total_tests only.
//
//	Only the built-in metric keys are written; other metrics survive.
func (g *Graph) Rollup(ctx context.Context, opts RollupOptions) {
	_, span := startRollupSpan(ctx, len(g.roots))
	defer span.End()
	start := time.Now()

	for _, n := range g.sortedNodes() {
		if n.Kind == NodeKindRequirement && !n.Conflict {
			g.rollupCoverage(n, opts)
		}
	}
	g.rollupTests(opts)
	g.storeKeywords()

	recordRollupMetrics(ctx, time.Since(start), len(g.nodes))
}

func (g *Graph) rollupCoverage(n *Node, opts RollupOptions) {
	whole := false
	for _, e := range n.outgoing {
		if e.Kind == EdgeKindValidates && len(e.AssertionTargets) == 0 && opts.contributes(e.Target) {
			whole = true
			break
		}
	}

	assertions := n.Assertions()
	covered := 0
	for _, a := range assertions {
		label := a.Assertion().Label
		ok := whole
		for _, e := range n.outgoing {
			if ok {
				break
			}
			if e.Kind == EdgeKindAddresses || !opts.contributes(e.Target) {
				continue
			}
			ok = e.Covers(label)
		}
		a.Metrics[MetricCovered] = ok
		if ok {
			covered++
			a.Metrics[MetricCoveragePct] = 100.0
		} else {
			a.Metrics[MetricCoveragePct] = 0.0
		}
	}

	n.Metrics[MetricTotalAssertions] = len(assertions)
	n.Metrics[MetricCoveredAssertions] = covered
	n.Metrics[MetricCoveragePct] = percent(covered, len(assertions))
}

func (g *Graph) rollupTests(opts RollupOptions) {
	memo := make(map[*Node]map[*Node]struct{}, len(g.nodes))
	inProgress := make(map[*Node]bool)

	var collect func(n *Node) map[*Node]struct{}
	collect = func(n *Node) map[*Node]struct{} {
		if s, ok := memo[n]; ok {
			return s
		}
		if inProgress[n] {
			return nil
		}
		inProgress[n] = true

		set := make(map[*Node]struct{})
		if n.Kind == NodeKindTest {
			set[n] = struct{}{}
		}
		for _, c := range n.children {
			if !opts.contributes(c) {
				continue
			}
			for t := range collect(c) {
				set[t] = struct{}{}
			}
		}

		delete(inProgress, n)
		memo[n] = set
		return set
	}

	for _, n := range g.sortedNodes() {
		if n.Conflict || n.Kind == NodeKindAssertion || n.Kind == NodeKindRemainder || n.Kind == NodeKindTestResult {
			continue
		}
		var passed, failed, skipped int
		tests := collect(n)
		for t := range tests {
			switch testStatus(t) {
			case ResultPassed:
				passed++
			case ResultFailed:
				failed++
			case ResultSkipped:
				skipped++
			}
		}
		n.Metrics[MetricTotalTests] = len(tests)
		n.Metrics[MetricPassedTests] = passed
		n.Metrics[MetricFailedTests] = failed
		n.Metrics[MetricSkippedTests] = skipped
		n.Metrics[MetricPassRatePct] = percent(passed, len(tests))
	}
}

// testStatus returns the normalized status of the test's latest result.
func testStatus(test *Node) string {
	status := ResultNotRun
	for _, c := range test.children {
		if r := c.TestResult(); r != nil {
			status = r.NormalizedStatus()
		}
	}
	return status
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
