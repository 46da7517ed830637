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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/refresh"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReplayResult describes one replay.
type ReplayResult struct {
	// Success is true when the log was written and cleared.
	Success bool

	// Applied is the number of log entries replayed.
	Applied int

	// FilesWritten are the root-relative paths written, sorted.
	FilesWritten []string

	// Conflicts lists files changed on disk since the build. Non-empty
	// only when the replay was aborted.
	Conflicts []FileConflict

	// Duration is the wall time of the replay.
	Duration time.Duration
}

// FileDiff is the pending change to one file.
type FileDiff struct {
	Path string

	// Created is true when the file does not exist yet.
	Created bool

	// Diff is a unified line diff.
	Diff string
}

// Replayer writes a graph's mutation log into its source files.
//
// Thread Safety:
//
//	Safe for concurrent use on different graphs. Callers hold the graph's
//	write lock during Replay.
type Replayer struct {
	sources refresh.Sources
}

// NewReplayer creates a replayer writing under sources.Root.
func NewReplayer(sources refresh.Sources) *Replayer {
	return &Replayer{sources: sources}
}

// Replay writes every logged mutation to disk and clears the log.
//
// Description:
//
//	Content mutations are applied in log order to the block of the node
//	they target. Edge mutations are coalesced: each requirement whose
//	references changed has its reference fields rewritten once from the
//	live graph. Requirements whose body changed get the live hash in
//	their footer. Renamed requirements also have their ID rewritten in
//	the annotation comments of linked code and tests.
//
//	Nothing is written when any tracked spec file, or any file the replay
//	would write, was modified after g.BuiltAt. Files are staged as temp
//	files and renamed into place; a failed rename restores the files
//	already replaced. On success the written files' modification times
//	are recorded, g.BuiltAt is advanced and the log is committed.
//
// Inputs:
//
//	ctx - Cancels planning. Writes are not interrupted once started.
//	g - The mutated graph.
//
// Outputs:
//
//	*ReplayResult - What was written, or the conflicts.
//	error - *ConflictError (errors.Is ErrConflict) when aborted; edit
//	        and write failures otherwise. The log is kept on error.
func (r *Replayer) Replay(ctx context.Context, g *graph.Graph) (*ReplayResult, error) {
	ctx, span := tracer.Start(ctx, "persist.Replayer.Replay",
		trace.WithAttributes(attribute.Int("entries", g.MutationLog().Len())),
	)
	defer span.End()
	start := time.Now()
	result := &ReplayResult{FilesWritten: make([]string, 0)}

	if !g.HasUnsavedMutations() {
		result.Success = true
		replayTotal.WithLabelValues("empty").Inc()
		return result, nil
	}

	p, conflicts, err := r.prepare(ctx, g)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay planning failed")
		replayTotal.WithLabelValues("error").Inc()
		return result, err
	}
	if len(conflicts) > 0 {
		result.Conflicts = conflicts
		replayTotal.WithLabelValues("conflict").Inc()
		replayConflictsTotal.Add(float64(len(conflicts)))
		span.SetStatus(codes.Error, "conflict")
		slog.Warn("replay aborted, source files changed since build",
			slog.Int("conflicts", len(conflicts)),
			slog.String("first", conflicts[0].Path),
			slog.Time("built_at", g.BuiltAt),
		)
		return result, &ConflictError{BuiltAt: g.BuiltAt, Conflicts: conflicts}
	}

	written, err := p.write()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		replayTotal.WithLabelValues("error").Inc()
		return result, err
	}

	for _, path := range written {
		if info, err := os.Stat(r.sources.Abs(path)); err == nil {
			g.TrackFile(path, info.ModTime())
		}
	}
	g.BuiltAt = time.Now()
	g.CommitMutations()

	result.Success = true
	result.Applied = p.applied
	result.FilesWritten = written
	result.Duration = time.Since(start)

	for op, n := range p.ops {
		replayEntriesTotal.WithLabelValues(string(op)).Add(float64(n))
	}
	filesWrittenTotal.Add(float64(len(written)))
	replayDuration.Observe(result.Duration.Seconds())
	replayTotal.WithLabelValues("success").Inc()
	span.SetAttributes(attribute.Int("files_written", len(written)))
	slog.Info("mutation log replayed",
		slog.Int("entries", result.Applied),
		slog.Int("files", len(written)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// DryRun plans a replay and returns the diff of every file it would write.
// The graph and the files are left unchanged.
//
// Outputs:
//
//	[]FileDiff - Per-file diffs sorted by path.
//	error - *ConflictError when a replay would abort; edit failures.
func (r *Replayer) DryRun(ctx context.Context, g *graph.Graph) ([]FileDiff, error) {
	ctx, span := tracer.Start(ctx, "persist.Replayer.DryRun")
	defer span.End()

	diffs := make([]FileDiff, 0)
	if !g.HasUnsavedMutations() {
		return diffs, nil
	}

	p, conflicts, err := r.prepare(ctx, g)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{BuiltAt: g.BuiltAt, Conflicts: conflicts}
	}

	for _, path := range p.changed() {
		diffs = append(diffs, FileDiff{
			Path:    path,
			Created: !p.exists[path],
			Diff:    UnifiedDiff(path, string(p.original[path]), p.docs[path].String()),
		})
	}
	return diffs, nil
}

// prepare checks the tracked spec files, plans the edits, then checks the
// files the plan would write.
func (r *Replayer) prepare(ctx context.Context, g *graph.Graph) (*plan, []FileConflict, error) {
	conflicts, err := r.checkConflicts(g, nil)
	if err != nil || len(conflicts) > 0 {
		return nil, conflicts, err
	}
	p, err := r.plan(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	conflicts, err = r.checkConflicts(g, p.changed())
	if err != nil || len(conflicts) > 0 {
		return nil, conflicts, err
	}
	return p, nil, nil
}

// checkConflicts reports tracked spec files and extra files that changed
// on disk after g was built. A tracked file with a recorded modification
// time that no longer exists is a conflict too.
func (r *Replayer) checkConflicts(g *graph.Graph, extra []string) ([]FileConflict, error) {
	tracked := make(map[string]time.Time)
	check := make(map[string]bool)
	for _, tf := range g.TrackedFiles() {
		tracked[tf.Path] = tf.ModTime
		if r.sources.Classify(tf.Path) == refresh.ClassSpec {
			check[tf.Path] = true
		}
	}
	for _, path := range extra {
		check[path] = true
	}

	paths := make([]string, 0, len(check))
	for path := range check {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var conflicts []FileConflict
	for _, path := range paths {
		info, err := os.Stat(r.sources.Abs(path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if !tracked[path].IsZero() {
				conflicts = append(conflicts, FileConflict{Path: path, Reason: "removed"})
			}
		case err != nil:
			return nil, fmt.Errorf("stat %s: %w", path, err)
		case info.ModTime().After(g.BuiltAt):
			conflicts = append(conflicts, FileConflict{Path: path, ModTime: info.ModTime(), Reason: "modified"})
		}
	}
	return conflicts, nil
}

// plan applies the log to in-memory documents.
func (r *Replayer) plan(ctx context.Context, g *graph.Graph) (*plan, error) {
	p := newPlan(r.sources)
	entries := g.MutationLog().Entries()

	// Nodes added and later deleted are gone from the graph; their files
	// are only known from the log.
	logged := make(map[uuid.UUID]string)
	for _, e := range entries {
		switch e.Operation {
		case graph.OpAddRequirement:
			logged[e.TargetStableID] = stringField(e.After, graph.FieldPath)
		case graph.OpDeleteRequirement:
			logged[e.TargetStableID] = stringField(e.Before, graph.FieldPath)
		}
	}
	pathOf := func(e *graph.MutationEntry) (string, error) {
		if n, ok := g.FindByStableID(e.TargetStableID); ok && n.Source != nil && n.Source.Path != "" {
			return n.Source.Path, nil
		}
		if path := logged[e.TargetStableID]; path != "" {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNoSource, e.TargetID)
	}

	refsChanged := make(map[uuid.UUID]bool)
	annotated := make(map[uuid.UUID]bool)
	rehashed := make(map[uuid.UUID]bool)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.applied++
		p.ops[e.Operation]++

		if e.Operation.IsEdgeOperation() {
			if err := p.applyEdge(g, e, refsChanged, annotated); err != nil {
				return nil, fmt.Errorf("replaying %s: %w", e, err)
			}
			continue
		}
		path, err := pathOf(e)
		if err != nil {
			return nil, fmt.Errorf("replaying %s: %w", e, err)
		}
		d, err := p.doc(path)
		if err != nil {
			return nil, err
		}
		if err := p.applyContent(g, d, e, refsChanged); err != nil {
			return nil, fmt.Errorf("replaying %s: %w", e, err)
		}
		if e.AffectsHash {
			rehashed[e.TargetStableID] = true
		}
	}

	for _, n := range liveNodes(g, refsChanged) {
		if n.Kind != graph.NodeKindRequirement || n.Source == nil {
			continue
		}
		d, err := p.doc(n.Source.Path)
		if err != nil {
			return nil, err
		}
		lists := referenceLists(n)
		for _, rf := range referenceFields {
			if err := d.SetField(n.ID(), rf.name, strings.Join(lists[rf.rel], ", ")); err != nil {
				return nil, fmt.Errorf("rewriting references of %s: %w", n.ID(), err)
			}
		}
	}

	if err := p.rewriteAnnotations(g, annotated); err != nil {
		return nil, err
	}

	for _, n := range liveNodes(g, rehashed) {
		rc := n.Requirement()
		if rc == nil || n.Source == nil {
			continue
		}
		d, err := p.doc(n.Source.Path)
		if err != nil {
			return nil, err
		}
		if err := d.SetFooter(n.ID(), rc.Hash); err != nil {
			return nil, fmt.Errorf("writing hash of %s: %w", n.ID(), err)
		}
	}
	return p, nil
}

// plan holds the edited documents of one replay.
type plan struct {
	sources  refresh.Sources
	docs     map[string]*Document
	original map[string][]byte
	exists   map[string]bool
	applied  int
	ops      map[graph.Operation]int
}

func newPlan(sources refresh.Sources) *plan {
	return &plan{
		sources:  sources,
		docs:     make(map[string]*Document),
		original: make(map[string][]byte),
		exists:   make(map[string]bool),
		ops:      make(map[graph.Operation]int),
	}
}

// doc returns the working copy of path, loading it on first use. A file
// that does not exist yet starts empty.
func (p *plan) doc(path string) (*Document, error) {
	if d, ok := p.docs[path]; ok {
		return d, nil
	}
	data, err := os.ReadFile(p.sources.Abs(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		p.exists[path] = true
	}
	p.original[path] = data
	d := NewDocument(path, data)
	p.docs[path] = d
	return d, nil
}

// changed returns the paths whose working copy differs from disk, sorted.
func (p *plan) changed() []string {
	out := make([]string, 0, len(p.docs))
	for path, d := range p.docs {
		if string(d.Bytes()) == string(p.original[path]) && p.exists[path] {
			continue
		}
		if !p.exists[path] && len(d.lines) == 0 {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func (p *plan) applyContent(g *graph.Graph, d *Document, e *graph.MutationEntry, refsChanged map[uuid.UUID]bool) error {
	switch e.Operation {
	case graph.OpChangeStatus:
		return d.SetField(e.TargetID, FieldStatus, stringField(e.After, graph.FieldStatus))

	case graph.OpUpdateTitle:
		return d.SetTitle(e.TargetID, stringField(e.After, graph.FieldTitle))

	case graph.OpUpdateAssertion:
		return d.SetAssertion(e.TargetID, stringField(e.After, graph.FieldLabel), stringField(e.After, graph.FieldText))

	case graph.OpAddAssertion:
		return d.AddAssertion(e.TargetID, stringField(e.After, graph.FieldLabel), stringField(e.After, graph.FieldText))

	case graph.OpDeleteAssertion:
		if err := d.DeleteAssertion(e.TargetID, stringField(e.Before, graph.FieldLabel)); err != nil {
			return err
		}
		if relabeled, ok := e.After[graph.FieldRelabeled].(map[string]string); ok && len(relabeled) > 0 {
			if err := d.RelabelAssertions(e.TargetID, relabeled); err != nil {
				return err
			}
		}
		markLogged(e, refsChanged)
		return nil

	case graph.OpRenameAssertion:
		mapping := map[string]string{stringField(e.Before, graph.FieldLabel): stringField(e.After, graph.FieldLabel)}
		if err := d.RelabelAssertions(e.TargetID, mapping); err != nil {
			return err
		}
		markLogged(e, refsChanged)
		return nil

	case graph.OpRenameNode:
		oldID, newID := stringField(e.Before, graph.FieldID), stringField(e.After, graph.FieldID)
		if err := d.RenameID(oldID, newID); err != nil {
			return err
		}
		markDependents(g, e.TargetStableID, refsChanged)
		return p.renameAnnotations(g, e.TargetStableID, oldID, newID)

	case graph.OpAddRequirement:
		id := stringField(e.After, graph.FieldID)
		if d.Has(id) {
			return fmt.Errorf("%w: %s already declared in %s", graph.ErrDuplicateNode, id, d.Path)
		}
		d.AppendBlock(RenderRequirement(RequirementBlock{
			ID:     id,
			Title:  stringField(e.After, graph.FieldTitle),
			Level:  stringField(e.After, graph.FieldLevel),
			Status: stringField(e.After, graph.FieldStatus),
		}))
		return nil

	case graph.OpDeleteRequirement:
		return d.RemoveBlock(e.TargetID)

	default:
		return fmt.Errorf("%w: unsupported operation %q", graph.ErrInvalidNode, e.Operation)
	}
}

// applyEdge records the nodes whose declared references need rewriting:
// the reference fields of requirements, the annotation comments of code
// and tests.
func (p *plan) applyEdge(g *graph.Graph, e *graph.MutationEntry, refsChanged, annotated map[uuid.UUID]bool) error {
	n, ok := g.FindByStableID(e.TargetStableID)
	if !ok {
		return nil
	}
	switch n.Kind {
	case graph.NodeKindRequirement:
		refsChanged[e.TargetStableID] = true
	case graph.NodeKindCode, graph.NodeKindTest:
		if n.Source == nil {
			return fmt.Errorf("%w: %s", ErrNoSource, n.ID())
		}
		annotated[e.TargetStableID] = true
	default:
		return fmt.Errorf("%w: %s declares no references in a source file", ErrNoSource, n.ID())
	}
	return nil
}

// annotationKeywords orders the relationships an annotation comment can
// declare.
var annotationKeywords = []struct {
	rel     graph.Relationship
	keyword string
}{
	{graph.RelImplements, "Implements"},
	{graph.RelRefines, "Refines"},
	{graph.RelValidates, "Validates"},
}

// rewriteAnnotations rewrites the annotation comments of code and test
// nodes from the live graph. Each file is handled bottom up, so lines added
// or removed for one node do not move the annotations still to be
// rewritten.
func (p *plan) rewriteAnnotations(g *graph.Graph, set map[uuid.UUID]bool) error {
	nodes := liveNodes(g, set)
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Source, nodes[j].Source
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Line > b.Line
	})
	for _, n := range nodes {
		d, err := p.doc(n.Source.Path)
		if err != nil {
			return err
		}
		grouped := n.Kind == graph.NodeKindTest && n.Test() != nil && n.Test().Function != ""
		if err := d.SetAnnotations(n.Source.Line, grouped, annotationsOf(g, n)); err != nil {
			return fmt.Errorf("rewriting annotations of %s: %w", n.ID(), err)
		}
	}
	return nil
}

// annotationsOf groups a node's declared references by keyword. References
// to code nodes come from imported test-to-code signals rather than from
// the comment and are left out.
func annotationsOf(g *graph.Graph, n *graph.Node) []Annotation {
	lists := make(map[graph.Relationship][]string)
	for _, r := range n.References() {
		if t, ok := g.FindByID(r.Target); ok && t.Kind == graph.NodeKindCode {
			continue
		}
		lists[r.Relationship] = append(lists[r.Relationship], r.Text())
	}
	var out []Annotation
	for _, k := range annotationKeywords {
		if refs := lists[k.rel]; len(refs) > 0 {
			out = append(out, Annotation{Keyword: k.keyword, Refs: refs})
		}
	}
	return out
}

// renameAnnotations rewrites a renamed node's ID in the annotation comments
// of its code and test children.
func (p *plan) renameAnnotations(g *graph.Graph, stable uuid.UUID, oldID, newID string) error {
	n, ok := g.FindByStableID(stable)
	if !ok {
		return nil
	}
	for _, c := range n.Children() {
		if (c.Kind != graph.NodeKindCode && c.Kind != graph.NodeKindTest) || c.Source == nil {
			continue
		}
		d, err := p.doc(c.Source.Path)
		if err != nil {
			return err
		}
		if err := d.ReplaceReference(c.Source.Line, oldID, newID); err != nil {
			if !errors.Is(err, ErrAnnotationNotFound) {
				return err
			}
			slog.Warn("annotation not rewritten",
				slog.String("node", c.ID()),
				slog.String("old_id", oldID),
				slog.String("new_id", newID),
			)
		}
	}
	return nil
}

// markDependents queues the requirement children of a node whose
// references to it were rewritten by the graph.
func markDependents(g *graph.Graph, stable uuid.UUID, refsChanged map[uuid.UUID]bool) {
	n, ok := g.FindByStableID(stable)
	if !ok {
		return
	}
	for _, c := range n.Children() {
		if c.Kind == graph.NodeKindRequirement {
			refsChanged[c.StableID] = true
		}
	}
}

// markLogged queues the dependents an assertion mutation recorded. A
// dependent may have lost its edge to the requirement, so it cannot be
// found from the live graph.
func markLogged(e *graph.MutationEntry, refsChanged map[uuid.UUID]bool) {
	deps, _ := e.After[graph.FieldDependents].([]uuid.UUID)
	for _, stable := range deps {
		refsChanged[stable] = true
	}
}

// liveNodes returns the nodes of a StableID set still in g, sorted by ID.
func liveNodes(g *graph.Graph, set map[uuid.UUID]bool) []*graph.Node {
	out := make([]*graph.Node, 0, len(set))
	for stable := range set {
		if n, ok := g.FindByStableID(stable); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
