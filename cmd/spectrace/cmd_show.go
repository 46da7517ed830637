// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/spectrace/pkg/ux"
	"github.com/AleutianAI/spectrace/services/spectrace/gitstatus"
	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/spf13/cobra"
)

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a node with its ancestors and children",
		Long: `Show one node. ID may be abbreviated: "p00001" and "00001" both find
REQ-p00001 when nothing closer matches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), a.dir)
			if err != nil {
				return err
			}
			return e.View(func(g *graph.Graph) error {
				n, ok := g.Resolve(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, args[0])
				}
				a.printNode(n)
				return nil
			})
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search KEYWORD",
		Short: "List requirements, assertions and journeys mentioning a keyword",
		Long: `Search the titles and bodies of requirements, the text of assertions and
the goals of user journeys. Matching is by whole word and ignores case.
Words shorter than four letters and common requirement words such as
"shall" are not indexed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), a.dir)
			if err != nil {
				return err
			}
			return e.View(func(g *graph.Graph) error {
				matches := g.FindByKeyword(args[0])
				if len(matches) == 0 {
					return fmt.Errorf("no nodes mention %q", args[0])
				}
				for _, n := range matches {
					note := n.Label
					if ac := n.Assertion(); ac != nil {
						note = ac.Text
					}
					a.printer.Item(ux.IconBullet, n.ID(), note)
				}
				return nil
			})
		},
	}
}

func (a *app) printNode(n *graph.Node) {
	p := a.printer
	p.Title(n.ID() + "  " + n.Label)
	p.KeyValue("kind", n.Kind)
	if n.Source != nil {
		p.KeyValue("source", n.Source)
	}

	switch c := n.Content.(type) {
	case *graph.RequirementContent:
		p.KeyValue("level", c.Level)
		p.KeyValue("status", c.Status)
		if c.Hash != "" {
			p.KeyValue("hash", c.Hash)
		}
		p.KeyValue("coverage", p.Bar(n.MetricFloat(graph.MetricCoveragePct), 20))
		if total := n.MetricInt(graph.MetricTotalTests); total > 0 {
			p.KeyValue("tests", fmt.Sprintf("%d/%d passed, %d failed, %d skipped",
				n.MetricInt(graph.MetricPassedTests), total,
				n.MetricInt(graph.MetricFailedTests), n.MetricInt(graph.MetricSkippedTests)))
		}
	case *graph.AssertionContent:
		p.KeyValue("text", c.Text)
	case *graph.CodeContent:
		p.KeyValue("function", c.Function)
	case *graph.TestContent:
		p.KeyValue("function", c.Function)
	}
	if flags := gitFlags(n); flags != "" {
		p.KeyValue("git", flags)
	}
	if n.Conflict {
		p.Warning("duplicate declaration, ignored by rollup")
	}
	if n.InCycle {
		p.Warning("member of an implements/refines cycle")
	}

	if assertions := n.Assertions(); len(assertions) > 0 {
		p.Muted("assertions")
		for _, as := range assertions {
			icon := ux.IconPending
			if as.MetricBool(graph.MetricCovered) {
				icon = ux.IconSuccess
			}
			ac := as.Assertion()
			p.Item(icon, ac.Label+". "+ac.Text, "")
		}
	}

	if ancestors := n.Ancestors(); len(ancestors) > 0 {
		p.Muted("ancestors")
		for _, anc := range ancestors {
			p.Item(ux.IconArrow, anc.ID(), anc.Label)
		}
	}

	var children []*graph.Edge
	for _, e := range n.Outgoing() {
		if e.Target.Kind != graph.NodeKindAssertion {
			children = append(children, e)
		}
	}
	if len(children) > 0 {
		p.Muted("children")
		for _, e := range children {
			note := e.Kind.String()
			if len(e.AssertionTargets) > 0 {
				note += " " + strings.Join(e.AssertionTargets, "+")
			}
			p.Item(ux.IconBullet, e.Target.ID(), note)
		}
	}
}

func gitFlags(n *graph.Node) string {
	var flags []string
	for _, name := range []string{gitstatus.MetricGitModified, gitstatus.MetricGitStaged, gitstatus.MetricGitUntracked} {
		if n.MetricBool(name) {
			flags = append(flags, strings.TrimPrefix(name, "git_"))
		}
	}
	return strings.Join(flags, ", ")
}
