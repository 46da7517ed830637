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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/AleutianAI/spectrace/pkg/ux"
	"github.com/AleutianAI/spectrace/services/spectrace/config"
	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default " + config.FileName,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(a.rootDir(args), config.FileName)
			if _, err := os.Stat(path); err == nil && !a.force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Write(path, config.DefaultConfig()); err != nil {
				return err
			}
			a.printer.Success("wrote " + path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&a.force, "force", false, "overwrite an existing file")
	return cmd
}

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build [dir]",
		Short: "Build the graph and print a summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), a.rootDir(args))
			if err != nil {
				return err
			}
			findings, err := e.Validate()
			if err != nil {
				return err
			}
			return e.View(func(g *graph.Graph) error {
				a.printSummary(e.Root(), g, findings)
				return nil
			})
		},
	}
}

func (a *app) printSummary(root string, g *graph.Graph, findings []graph.Finding) {
	p := a.printer
	p.Title("Traceability graph")
	p.KeyValue("root", root)
	p.KeyValue("files", len(g.TrackedFiles()))
	p.KeyValue("nodes", g.NodeCount())
	p.KeyValue("edges", g.EdgeCount())

	counts := g.CountByKind()
	for _, kind := range graph.AllNodeKinds() {
		if counts[kind] > 0 {
			p.KeyValue(kind.String(), counts[kind])
		}
	}

	roots := g.Roots()
	slices.SortFunc(roots, func(x, y *graph.Node) int { return strings.Compare(x.ID(), y.ID()) })
	p.KeyValue("roots", len(roots))
	for _, r := range roots {
		p.Item(ux.IconBullet, r.ID(), r.Label)
	}

	errs, warns := countFindings(findings)
	switch {
	case errs > 0:
		p.Warning(fmt.Sprintf("%d errors, %d warnings; run check for details", errs, warns))
	case warns > 0:
		p.Warning(fmt.Sprintf("%d warnings; run check for details", warns))
	default:
		p.Success("no findings")
	}
}

func countFindings(findings []graph.Finding) (errs, warns int) {
	for _, f := range findings {
		if f.Severity == graph.SeverityError {
			errs++
		} else {
			warns++
		}
	}
	return errs, warns
}

func newCheckCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [dir]",
		Short: "Validate the graph; exits 2 on error findings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), a.rootDir(args))
			if err != nil {
				return err
			}
			findings, err := e.Validate()
			if err != nil {
				return err
			}
			for _, f := range findings {
				icon := ux.IconWarning
				if f.Severity == graph.SeverityError {
					icon = ux.IconError
				}
				loc := ""
				if f.Path != "" {
					loc = fmt.Sprintf("%s:%d", f.Path, f.Line)
				}
				a.printer.Item(icon, fmt.Sprintf("%s %s: %s", f.Rule, f.NodeID, f.Message), loc)
			}

			errs, warns := countFindings(findings)
			if errs > 0 || (a.strict && warns > 0) {
				return &ExitError{
					Code: exitFindings,
					Err:  fmt.Errorf("%d errors, %d warnings", errs, warns),
				}
			}
			a.printer.Success(fmt.Sprintf("check passed with %d warnings", warns))
			return nil
		},
	}
	cmd.Flags().BoolVar(&a.strict, "strict", false, "fail on warnings too")
	return cmd
}

func newCoverageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage [dir]",
		Short: "Print assertion coverage and test pass rate per requirement",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), a.rootDir(args))
			if err != nil {
				return err
			}
			return e.View(func(g *graph.Graph) error {
				rows := a.coverageRows(g)
				if len(rows) == 0 {
					return errors.New("no requirements match")
				}
				a.printer.Table([]string{"ID", "Level", "Status", "Title", "Coverage", "Tests"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.level, "level", "", "only requirements of this level")
	cmd.Flags().Float64Var(&a.below, "below", 101, "only requirements with coverage below this percentage")
	return cmd
}

func (a *app) coverageRows(g *graph.Graph) [][]string {
	var rows [][]string
	for _, n := range g.NodesByKind(graph.NodeKindRequirement) {
		rc := n.Requirement()
		if n.Conflict || (a.level != "" && !strings.EqualFold(rc.Level, a.level)) {
			continue
		}
		pct := n.MetricFloat(graph.MetricCoveragePct)
		if pct >= a.below {
			continue
		}
		tests := "-"
		if total := n.MetricInt(graph.MetricTotalTests); total > 0 {
			tests = fmt.Sprintf("%d/%d", n.MetricInt(graph.MetricPassedTests), total)
		}
		rows = append(rows, []string{n.ID(), rc.Level, rc.Status, rc.Title, a.printer.Bar(pct, 10), tests})
	}
	return rows
}
