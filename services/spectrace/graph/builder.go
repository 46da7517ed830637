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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/parser"
)

// ProgressPhase indicates which phase of building is in progress.
type ProgressPhase int

const (
	// ProgressPhaseCollecting indicates fragments are being added as nodes.
	ProgressPhaseCollecting ProgressPhase = iota

	// ProgressPhaseResolving indicates references are being resolved.
	ProgressPhaseResolving

	// ProgressPhaseFinalizing indicates roots and cycles are being computed.
	ProgressPhaseFinalizing
)

// String returns the string representation of the ProgressPhase.
func (p ProgressPhase) String() string {
	switch p {
	case ProgressPhaseCollecting:
		return "collecting"
	case ProgressPhaseResolving:
		return "resolving"
	case ProgressPhaseFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// BuildProgress contains progress information during a build.
type BuildProgress struct {
	// Phase is the current build phase.
	Phase ProgressPhase

	// FragmentsTotal is the total number of fragments to process.
	FragmentsTotal int

	// FragmentsProcessed is the number of fragments processed so far.
	FragmentsProcessed int

	// NodesCreated is the number of nodes created so far.
	NodesCreated int
}

// ProgressFunc is a callback function for build progress updates.
type ProgressFunc func(progress BuildProgress)

// BuilderOptions configures Builder behavior.
type BuilderOptions struct {
	// Graph holds the options passed to graphs created by Build.
	Graph []GraphOption

	// ProgressCallback is called after each phase and every
	// progressInterval fragments. May be nil.
	ProgressCallback ProgressFunc
}

// DefaultBuilderOptions returns sensible defaults.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{}
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*BuilderOptions)

// WithGraphOptions sets the options of graphs created by Build.
func WithGraphOptions(opts ...GraphOption) BuilderOption {
	return func(o *BuilderOptions) {
		o.Graph = append(o.Graph, opts...)
	}
}

// WithProgressCallback sets the progress callback function.
func WithProgressCallback(fn ProgressFunc) BuilderOption {
	return func(o *BuilderOptions) {
		o.ProgressCallback = fn
	}
}

// progressInterval is how many fragments pass between progress reports.
const progressInterval = 100

// Builder turns parsed fragments into a linked graph.
//
// The builder is stateless and can be reused across multiple builds.
//
// Thread Safety:
//
//	Builder is safe for concurrent use on different graphs.
type Builder struct {
	options BuilderOptions
}

// NewBuilder creates a new Builder with the given options.
//
// Example:
//
//	builder := NewBuilder(
//	    WithGraphOptions(WithIDPrefix("REQ-")),
//	)
func NewBuilder(opts ...BuilderOption) *Builder {
	options := DefaultBuilderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Builder{options: options}
}

// buildState holds mutable state during a single merge.
type buildState struct {
	graph     *Graph
	result    *BuildResult
	files     map[string]bool
	startTime time.Time
}

// Build constructs a new graph from fragments.
//
// Description:
//
//	Creates an empty graph with the builder's graph options, records the
//	build time and merges the fragments into it. See Merge.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked between fragments.
//	contents - Parsed fragments in any order. Nil entries are reported.
//
// Outputs:
//
//	*BuildResult - The graph, fragment errors and statistics.
//	error - Non-nil only for fatal errors (cancellation returns a partial result).
func (b *Builder) Build(ctx context.Context, contents []*parser.ParsedContent) (*BuildResult, error) {
	g := NewGraph(b.options.Graph...)
	g.BuiltAt = time.Now()
	return b.Merge(ctx, g, contents)
}

// Merge adds fragments to an existing graph and re-links it.
//
// Description:
//
//	Used both for full builds and for partial refresh after RemoveFile.
//	Only new nodes, nodes whose references were invalidated and nodes
//	holding broken references are re-resolved.
//
// Build Phases:
//
//  1. COLLECT: Create nodes (assertions under their requirement), turn
//     duplicate requirement IDs into conflict nodes, queue references
//  2. RESOLVE: Resolve queued references with flexible ID matching and
//     create edges; unresolved ones become BrokenReferences
//  3. FINALIZE: Recompute roots and annotate cycle members
func (b *Builder) Merge(ctx context.Context, g *Graph, contents []*parser.ParsedContent) (*BuildResult, error) {
	ctx, span := startBuildSpan(ctx, len(contents))
	defer span.End()

	state := &buildState{
		graph: g,
		result: &BuildResult{
			Graph:      g,
			FileErrors: make([]FileError, 0),
		},
		files:     make(map[string]bool),
		startTime: time.Now(),
	}
	edgesBefore := g.edgeCount

	// Phase 1: Collect fragments as nodes
	if err := b.collectPhase(ctx, state, contents); err != nil {
		state.result.Incomplete = true
		b.finishStats(state, edgesBefore)
		setBuildSpanResult(span, state.result.Stats, true)
		recordBuildMetrics(ctx, time.Since(state.startTime), state.result.Stats.NodesCreated, state.result.Stats.EdgesCreated, false)
		return state.result, nil
	}

	// Phase 2: Resolve references
	g.resolvePending()
	b.reportProgress(state, ProgressPhaseResolving, len(contents), len(contents))

	// Phase 3: Finalize
	g.RecomputeRoots()
	cycles := g.AnnotateCycles()
	clear(g.retired)
	state.result.Stats.CycleMembers = len(cycles.Members)
	b.finishStats(state, edgesBefore)
	b.reportProgress(state, ProgressPhaseFinalizing, len(contents), len(contents))

	if n := state.result.Stats.BrokenReferences; n > 0 {
		slog.Debug("graph has broken references", slog.Int("count", n))
	}

	setBuildSpanResult(span, state.result.Stats, false)
	recordBuildMetrics(ctx, time.Since(state.startTime), state.result.Stats.NodesCreated, state.result.Stats.EdgesCreated, true)

	return state.result, nil
}

func (b *Builder) finishStats(state *buildState, edgesBefore int) {
	stats := &state.result.Stats
	stats.EdgesCreated = state.graph.edgeCount - edgesBefore
	stats.BrokenReferences = len(state.graph.BrokenReferences())
	stats.FilesProcessed = len(state.files)
	duration := time.Since(state.startTime)
	stats.DurationMilli = duration.Milliseconds()
	stats.DurationMicro = duration.Microseconds()
}

// collectPhase validates fragments and adds them as nodes.
func (b *Builder) collectPhase(ctx context.Context, state *buildState, contents []*parser.ParsedContent) error {
	for i, c := range contents {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBuildCancelled, err)
		}

		if err := b.addContent(state, c); err != nil {
			path, line := fmt.Sprintf("fragment[%d]", i), 0
			if c != nil && c.Path() != "" {
				path, line = c.Path(), c.StartLine
			}
			state.result.FileErrors = append(state.result.FileErrors, FileError{
				FilePath: path,
				Line:     line,
				Err:      err,
			})
			state.result.Stats.FragmentsFailed++
			slog.Warn("skipping fragment",
				slog.String("path", path),
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}

		state.files[c.Path()] = true
		state.result.Stats.FragmentsProcessed++
		if (i+1)%progressInterval == 0 {
			b.reportProgress(state, ProgressPhaseCollecting, len(contents), i+1)
		}
	}
	b.reportProgress(state, ProgressPhaseCollecting, len(contents), len(contents))
	return nil
}

// addContent creates the node(s) for one fragment and queues its references.
func (b *Builder) addContent(state *buildState, c *parser.ParsedContent) error {
	if c == nil {
		return fmt.Errorf("%w: nil fragment", ErrInvalidNode)
	}
	path := c.Path()
	if path == "" {
		return fmt.Errorf("%w: fragment has no source path", ErrInvalidNode)
	}
	id := c.String("id")
	if id == "" {
		return fmt.Errorf("%w: %s fragment has no id", ErrInvalidNode, c.ContentType)
	}

	loc := &SourceLocation{Path: path, Line: c.StartLine, EndLine: c.EndLine, Repo: c.Repo()}
	g := state.graph

	var n *Node
	var refs []Reference
	switch c.ContentType {
	case parser.ContentRequirement:
		return b.addRequirement(state, c, loc)

	case parser.ContentUserJourney:
		n = NewUserJourney(id, &JourneyContent{
			Title: c.String("title"),
			Actor: c.String("actor"),
			Goal:  c.String("goal"),
			Body:  c.String("body_text"),
		})

	case parser.ContentCode:
		n = NewCode(id, &CodeContent{File: c.String("file"), Function: c.String("function")})
		refs = append(refs, declared(c, "implements", RelImplements)...)
		refs = append(refs, declared(c, "refines", RelRefines)...)

	case parser.ContentTest:
		n = NewTest(id, &TestContent{File: c.String("file"), Function: c.String("function")})
		refs = append(refs, declared(c, "validates", RelValidates)...)

	case parser.ContentTestResult:
		testID := c.String("test_id")
		if testID == "" {
			return fmt.Errorf("%w: test result %s has no test_id", ErrInvalidNode, id)
		}
		n = NewTestResult(id, &TestResultContent{
			TestID:         testID,
			Status:         c.String("status"),
			DurationMillis: c.Int("duration_ms"),
			Message:        c.String("message"),
		})
		refs = append(refs, Reference{Target: testID, Relationship: RelResultOf, Line: c.StartLine})

	case parser.ContentRemainder:
		n = NewRemainder(id, &RemainderContent{Text: c.String("text")})

	default:
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidNode, c.ContentType)
	}

	n.Source = loc
	n.refs = refs
	if err := g.AddNode(n); err != nil {
		return err
	}
	if len(refs) > 0 {
		g.needsResolve[n.id] = struct{}{}
	}
	state.result.Stats.NodesCreated++
	return nil
}

// addRequirement creates a requirement and its assertions. A requirement
// whose ID is already taken becomes a conflict node.
func (b *Builder) addRequirement(state *buildState, c *parser.ParsedContent, loc *SourceLocation) error {
	g := state.graph
	id := c.String("id")
	rc := &RequirementContent{
		Title:  c.String("title"),
		Level:  c.String("level"),
		Status: c.String("status"),
		Body:   c.String("body_text"),
	}

	conflict := false
	if _, exists := g.nodes[id]; exists {
		id = g.conflictID(id)
		conflict = true
	}

	n := NewRequirement(id, rc)
	n.Source = loc
	n.Conflict = conflict
	if err := g.AddNode(n); err != nil {
		return err
	}
	state.result.Stats.NodesCreated++
	if conflict {
		state.result.Stats.ConflictNodes++
		slog.Warn("duplicate requirement ID",
			slog.String("id", c.String("id")),
			slog.String("conflict_id", id),
			slog.String("path", loc.Path),
		)
	}

	for _, a := range c.Assertions() {
		if !isLabel(a.Label) || n.AssertionByLabel(a.Label) != nil {
			state.result.FileErrors = append(state.result.FileErrors, FileError{
				FilePath: loc.Path,
				Line:     loc.Line,
				Err:      fmt.Errorf("%w: assertion label %q of %s", ErrInvalidNode, a.Label, id),
			})
			continue
		}
		an := NewAssertion(id, &AssertionContent{Label: a.Label, Text: a.Text})
		an.Source = &SourceLocation{Path: loc.Path, Line: loc.Line, Repo: loc.Repo}
		if err := g.AddNode(an); err != nil {
			state.result.FileErrors = append(state.result.FileErrors, FileError{FilePath: loc.Path, Line: loc.Line, Err: err})
			continue
		}
		g.attach(n, an)
		state.result.Stats.NodesCreated++
	}

	if hash, ok := c.OptionalString("hash"); ok && hash != "" {
		rc.Hash = hash
	} else if err := g.rehash(n); err != nil {
		return err
	}

	if conflict {
		return nil
	}
	n.refs = append(n.refs, declared(c, "implements", RelImplements)...)
	n.refs = append(n.refs, declared(c, "refines", RelRefines)...)
	n.refs = append(n.refs, declared(c, "addresses", RelAddresses)...)
	if len(n.refs) > 0 {
		g.needsResolve[n.id] = struct{}{}
	}
	return nil
}

// conflictID returns the first free "<id>__conflict<n>".
func (g *Graph) conflictID(id string) string {
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s__conflict%d", id, i)
		if _, exists := g.nodes[candidate]; !exists {
			return candidate
		}
	}
}

func declared(c *parser.ParsedContent, key string, rel Relationship) []Reference {
	var refs []Reference
	for _, target := range c.Strings(key) {
		refs = append(refs, Reference{Target: target, Relationship: rel, Line: c.StartLine})
	}
	return refs
}

// reportProgress calls the progress callback if configured.
func (b *Builder) reportProgress(state *buildState, phase ProgressPhase, total, processed int) {
	if b.options.ProgressCallback == nil {
		return
	}
	b.options.ProgressCallback(BuildProgress{
		Phase:              phase,
		FragmentsTotal:     total,
		FragmentsProcessed: processed,
		NodesCreated:       state.result.Stats.NodesCreated,
	})
}
