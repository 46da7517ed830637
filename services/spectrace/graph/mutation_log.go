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
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Operation names a mutation.
type Operation string

// Mutation operations.
const (
	OpChangeStatus       Operation = "change_status"
	OpUpdateTitle        Operation = "update_title"
	OpUpdateAssertion    Operation = "update_assertion"
	OpAddAssertion       Operation = "add_assertion"
	OpDeleteAssertion    Operation = "delete_assertion"
	OpRenameAssertion    Operation = "rename_assertion"
	OpAddEdge            Operation = "add_edge"
	OpDeleteEdge         Operation = "delete_edge"
	OpChangeEdgeKind     Operation = "change_edge_kind"
	OpRenameNode         Operation = "rename_node"
	OpAddRequirement     Operation = "add_requirement"
	OpDeleteRequirement  Operation = "delete_requirement"
	OpFixBrokenReference Operation = "fix_broken_reference"
)

// IsEdgeOperation reports whether op changes edges rather than node content.
func (op Operation) IsEdgeOperation() bool {
	switch op {
	case OpAddEdge, OpDeleteEdge, OpChangeEdgeKind, OpFixBrokenReference:
		return true
	default:
		return false
	}
}

// MutationStatus is the outcome of a mutation.
type MutationStatus string

// Mutation outcomes.
const (
	MutationSuccess  MutationStatus = "success"
	MutationNoChange MutationStatus = "no_change"
	MutationFailed   MutationStatus = "failed"
)

// MutationEntry records one applied mutation.
//
// Before and After hold only the fields the operation touched. TargetID is
// the node's ID at the time of the mutation; TargetStableID finds the node
// after later renames.
type MutationEntry struct {
	ID             uuid.UUID
	Timestamp      time.Time
	Operation      Operation
	TargetID       string
	TargetStableID uuid.UUID
	Before         map[string]any
	After          map[string]any
	AffectsHash    bool

	undo func() error
}

// String returns "operation target".
func (e *MutationEntry) String() string {
	return fmt.Sprintf("%s %s", e.Operation, e.TargetID)
}

// MutationResult is returned by every mutation method.
type MutationResult struct {
	Status MutationStatus

	// Reason explains no_change and failed results.
	Reason string

	// Entry is the appended log entry, nil unless Status is success.
	Entry *MutationEntry
}

// MutationLog is the ordered list of mutations applied since the last
// successful replay.
//
// Thread Safety:
//
//	Not safe for concurrent use. Owned by one Graph.
type MutationLog struct {
	entries []*MutationEntry
}

func newMutationLog() *MutationLog {
	return &MutationLog{entries: make([]*MutationEntry, 0)}
}

// Entries returns the entries in chronological order.
func (l *MutationLog) Entries() []*MutationEntry {
	return slices.Clone(l.entries)
}

// Len returns the number of entries.
func (l *MutationLog) Len() int { return len(l.entries) }

func (l *MutationLog) append(e *MutationEntry) {
	l.entries = append(l.entries, e)
}

func (l *MutationLog) pop() *MutationEntry {
	if len(l.entries) == 0 {
		return nil
	}
	last := l.entries[len(l.entries)-1]
	l.entries = l.entries[:len(l.entries)-1]
	return last
}

func (l *MutationLog) clear() {
	l.entries = l.entries[:0]
}

// MutationLog returns the graph's mutation log.
func (g *Graph) MutationLog() *MutationLog { return g.log }

// HasUnsavedMutations reports whether the log holds entries not yet replayed.
func (g *Graph) HasUnsavedMutations() bool { return g.log.Len() > 0 }

// CommitMutations clears the log after its entries were written to disk.
func (g *Graph) CommitMutations() {
	g.log.clear()
	mutationLogLength.Set(0)
}

// DiscardMutations reverts every logged mutation, newest first, and clears
// the log. It returns the number of mutations reverted. An entry whose undo
// fails is logged and dropped; the graph should be rebuilt afterwards.
func (g *Graph) DiscardMutations() int {
	n := 0
	for e := g.log.pop(); e != nil; e = g.log.pop() {
		if err := e.undo(); err != nil {
			slog.Error("failed to revert mutation",
				slog.String("entry", e.String()),
				slog.String("error", err.Error()))
			continue
		}
		n++
	}
	if n > 0 {
		g.touch()
	}
	mutationLogLength.Set(0)
	return n
}

// UndoLast reverts and removes the most recent mutation. When the revert
// fails the entry stays in the log and the graph is unchanged.
func (g *Graph) UndoLast() (*MutationEntry, error) {
	e := g.log.pop()
	if e == nil {
		return nil, ErrNothingToUndo
	}
	if err := e.undo(); err != nil {
		g.log.append(e)
		return nil, fmt.Errorf("%w: %s: %w", ErrUndoFailed, e, err)
	}
	g.touch()
	mutationLogLength.Set(float64(g.log.Len()))
	return e, nil
}

// UndoTo reverts mutations newest first, down to and including the entry
// with the given ID.
//
// Outputs:
//
//	[]*MutationEntry - The reverted entries, newest first.
//	error - ErrEntryNotFound when no entry has the ID. Nothing is reverted.
func (g *Graph) UndoTo(id uuid.UUID) ([]*MutationEntry, error) {
	idx := slices.IndexFunc(g.log.entries, func(e *MutationEntry) bool { return e.ID == id })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	var undone []*MutationEntry
	for g.log.Len() > idx {
		e, err := g.UndoLast()
		if err != nil {
			return undone, err
		}
		undone = append(undone, e)
	}
	return undone, nil
}

// commit appends a successful mutation to the log.
func (g *Graph) commit(op Operation, target *Node, targetID string, before, after map[string]any, affectsHash bool, undo func()) MutationResult {
	return g.commitFallible(op, target, targetID, before, after, affectsHash, func() error {
		undo()
		return nil
	})
}

// commitFallible is commit for mutations whose revert can be refused.
func (g *Graph) commitFallible(op Operation, target *Node, targetID string, before, after map[string]any, affectsHash bool, undo func() error) MutationResult {
	e := &MutationEntry{
		ID:             uuid.New(),
		Timestamp:      time.Now(),
		Operation:      op,
		TargetID:       targetID,
		TargetStableID: target.StableID,
		Before:         before,
		After:          after,
		AffectsHash:    affectsHash,
		undo:           undo,
	}
	g.log.append(e)
	g.touch()
	recordMutation(op, MutationSuccess, g.log.Len())
	return MutationResult{Status: MutationSuccess, Entry: e}
}

func (g *Graph) noChange(op Operation, reason string) (MutationResult, error) {
	recordMutation(op, MutationNoChange, g.log.Len())
	return MutationResult{Status: MutationNoChange, Reason: reason}, nil
}

func (g *Graph) failed(op Operation, err error) (MutationResult, error) {
	recordMutation(op, MutationFailed, g.log.Len())
	return MutationResult{Status: MutationFailed, Reason: err.Error()}, err
}
