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

	"github.com/AleutianAI/spectrace/pkg/ux"
	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/persist"
	"github.com/spf13/cobra"
)

// mutateFunc applies one mutation to the graph.
type mutateFunc func(g *graph.Graph) (graph.MutationResult, error)

func newEditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit the graph and write the change into the source files",
		Long: `Each edit subcommand applies one mutation to the graph, then replays it
into the requirement documents and annotated sources. With --dry-run the
diffs are printed and nothing is written. IDs may be abbreviated.`,
	}
	cmd.PersistentFlags().BoolVar(&a.dryRun, "dry-run", false, "print the diffs without writing")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status ID STATUS",
			Short: "Set a requirement's status",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runEdit(cmd, func(g *graph.Graph) (graph.MutationResult, error) {
					id, err := resolveID(g, args[0])
					if err != nil {
						return graph.MutationResult{}, err
					}
					return g.ChangeStatus(id, args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "title ID TITLE",
			Short: "Set a requirement's or journey's title",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runEdit(cmd, func(g *graph.Graph) (graph.MutationResult, error) {
					id, err := resolveID(g, args[0])
					if err != nil {
						return graph.MutationResult{}, err
					}
					return g.UpdateTitle(id, args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "rename ID NEW-ID",
			Short: "Rename a node and every reference to it",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runEdit(cmd, func(g *graph.Graph) (graph.MutationResult, error) {
					id, err := resolveID(g, args[0])
					if err != nil {
						return graph.MutationResult{}, err
					}
					return g.RenameNode(id, args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "assert ID TEXT",
			Short: "Add an assertion to a requirement",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runEdit(cmd, func(g *graph.Graph) (graph.MutationResult, error) {
					id, err := resolveID(g, args[0])
					if err != nil {
						return graph.MutationResult{}, err
					}
					return g.AddAssertion(id, args[1])
				})
			},
		},
		a.newLinkCmd(),
		a.newUnlinkCmd(),
		a.newUnassertCmd(),
	)
	return cmd
}

func (a *app) newLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link CHILD PARENT[-LABELS]",
		Short: "Declare that CHILD implements PARENT or some of its assertions",
		Long: `Add an edge from PARENT to CHILD. PARENT may name assertions:
"REQ-p00001-A+B" links CHILD to assertions A and B only.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := graph.ParseEdgeKind(a.edgeKind)
			if err != nil {
				return err
			}
			return a.runEdit(cmd, func(g *graph.Graph) (graph.MutationResult, error) {
				child, err := resolveID(g, args[0])
				if err != nil {
					return graph.MutationResult{}, err
				}
				parent, labels, err := g.ResolveReference(args[1])
				if err != nil {
					return graph.MutationResult{}, err
				}
				return g.AddEdge(parent.ID(), child, kind, labels)
			})
		},
	}
	cmd.Flags().StringVar(&a.edgeKind, "kind", "implements", "edge kind: implements, refines, validates, addresses")
	return cmd
}

func (a *app) newUnlinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlink CHILD PARENT",
		Short: "Remove the edge from PARENT to CHILD",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := graph.ParseEdgeKind(a.edgeKind)
			if err != nil {
				return err
			}
			return a.runEdit(cmd, func(g *graph.Graph) (graph.MutationResult, error) {
				child, err := resolveID(g, args[0])
				if err != nil {
					return graph.MutationResult{}, err
				}
				parent, _, err := g.ResolveReference(args[1])
				if err != nil {
					return graph.MutationResult{}, err
				}
				return g.DeleteEdge(parent.ID(), child, kind)
			})
		},
	}
	cmd.Flags().StringVar(&a.edgeKind, "kind", "implements", "edge kind")
	return cmd
}

func (a *app) newUnassertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unassert ID LABEL",
		Short: "Delete an assertion",
		Long: `Delete an assertion. With --compact the following labels move up one
letter and every reference to them is rewritten.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEdit(cmd, func(g *graph.Graph) (graph.MutationResult, error) {
				id, err := resolveID(g, args[0])
				if err != nil {
					return graph.MutationResult{}, err
				}
				return g.DeleteAssertion(id, args[1], a.compact)
			})
		},
	}
	cmd.Flags().BoolVar(&a.compact, "compact", false, "relabel the following assertions")
	return cmd
}

// resolveID maps a possibly abbreviated reference to a node ID.
func resolveID(g *graph.Graph, ref string) (string, error) {
	n, ok := g.Resolve(ref)
	if !ok {
		return "", fmt.Errorf("%w: %s", graph.ErrNodeNotFound, ref)
	}
	return n.ID(), nil
}

// runEdit builds the graph, applies mutate and replays or previews it.
func (a *app) runEdit(cmd *cobra.Command, mutate mutateFunc) error {
	ctx := cmd.Context()
	e, err := a.openEngine(ctx, a.dir)
	if err != nil {
		return err
	}

	var result graph.MutationResult
	err = e.Update(ctx, func(g *graph.Graph) error {
		var err error
		result, err = mutate(g)
		return err
	})
	if err != nil {
		return err
	}
	if result.Status == graph.MutationNoChange {
		a.printer.Muted("nothing to do: " + result.Reason)
		return nil
	}

	if a.dryRun {
		diffs, err := e.DryRun(ctx)
		if err != nil {
			return err
		}
		for _, d := range diffs {
			if d.Created {
				a.printer.Muted("new file " + d.Path)
			}
			a.printer.Diff(d.Diff)
		}
		return nil
	}

	replayed, err := e.Replay(ctx)
	if err != nil {
		var conflict *persist.ConflictError
		if errors.As(err, &conflict) {
			for _, c := range conflict.Conflicts {
				a.printer.Item(ux.IconError, c.Path, c.Reason)
			}
			return errors.New("files changed on disk during the edit, nothing was written")
		}
		return err
	}
	for _, path := range replayed.FilesWritten {
		a.printer.Item(ux.IconSuccess, path, "")
	}
	a.printer.Success(fmt.Sprintf("%s applied to %d files", result.Entry.Operation, len(replayed.FilesWritten)))
	return nil
}
