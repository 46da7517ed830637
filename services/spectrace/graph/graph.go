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
	"time"

	"github.com/google/uuid"
)

// Default configuration values.
const (
	// DefaultIDPrefix is prepended to abbreviated references during resolution.
	DefaultIDPrefix = "REQ-"

	// DefaultResolveCacheSize bounds the flexible-ID resolution cache.
	DefaultResolveCacheSize = 1024
)

// GraphOptions configures graph behavior.
type GraphOptions struct {
	// IDPrefix is the canonical requirement ID prefix.
	// Default: "REQ-"
	IDPrefix string

	// HashAlgorithm selects the requirement content hash.
	// Default: sha256
	HashAlgorithm HashAlgorithm

	// HashLength is the number of hex characters kept.
	// Default: 8
	HashLength int

	// RootKinds are kinds that count as roots when they have no parents,
	// in addition to parentless requirements.
	// Default: [UserJourney]
	RootKinds []NodeKind

	// RootLevels, when non-empty, restricts requirement roots to these
	// levels. Parentless requirements at other levels are orphans.
	RootLevels []string

	// ResolveCacheSize bounds the resolution cache.
	// Default: 1024
	ResolveCacheSize int
}

// DefaultGraphOptions returns sensible defaults.
func DefaultGraphOptions() GraphOptions {
	return GraphOptions{
		IDPrefix:         DefaultIDPrefix,
		HashAlgorithm:    HashSHA256,
		HashLength:       DefaultHashLength,
		RootKinds:        []NodeKind{NodeKindUserJourney},
		ResolveCacheSize: DefaultResolveCacheSize,
	}
}

// GraphOption is a functional option for configuring Graph.
type GraphOption func(*GraphOptions)

// WithIDPrefix sets the canonical requirement ID prefix.
func WithIDPrefix(prefix string) GraphOption {
	return func(o *GraphOptions) {
		o.IDPrefix = prefix
	}
}

// WithHashAlgorithm sets the content hash algorithm and kept length.
func WithHashAlgorithm(alg HashAlgorithm, length int) GraphOption {
	return func(o *GraphOptions) {
		o.HashAlgorithm = alg
		o.HashLength = length
	}
}

// WithRootKinds sets the kinds that count as roots.
func WithRootKinds(kinds ...NodeKind) GraphOption {
	return func(o *GraphOptions) {
		o.RootKinds = kinds
	}
}

// WithRootLevels restricts requirement roots to the given levels.
func WithRootLevels(levels ...string) GraphOption {
	return func(o *GraphOptions) {
		o.RootLevels = levels
	}
}

// WithResolveCacheSize sets the resolution cache size.
func WithResolveCacheSize(n int) GraphOption {
	return func(o *GraphOptions) {
		o.ResolveCacheSize = n
	}
}

// BrokenReference is a declared reference that did not resolve.
type BrokenReference struct {
	FromID       string
	Target       string
	Relationship Relationship
	Path         string
	Line         int
	Reason       string
}

// String returns a one-line description.
func (b BrokenReference) String() string {
	return fmt.Sprintf("%s %s %s: %s", b.FromID, b.Relationship, b.Target, b.Reason)
}

// Graph is the traceability graph.
//
// Thread Safety:
//
//	Not safe for concurrent use. See the package documentation.
type Graph struct {
	nodes    map[string]*Node
	byStable map[uuid.UUID]*Node
	roots    []*Node

	// broken holds unresolved references keyed by declaring node ID.
	broken map[string][]BrokenReference

	// needsResolve holds node IDs whose references must be (re)resolved.
	needsResolve map[string]struct{}

	files map[string]*TrackedFile

	// retired keeps StableIDs of nodes removed with their file so that a
	// re-parse of the same declaration keeps its identity.
	retired map[string]uuid.UUID

	log      *MutationLog
	resolver *resolver
	keywords *keywordIndex

	generation uint64
	edgeCount  int
	options    GraphOptions

	// BuiltAt is when the graph last reflected the files on disk. Replay
	// treats any tracked file modified after it as a conflict.
	BuiltAt time.Time
}

// NewGraph creates an empty graph.
//
// Example:
//
//	g := NewGraph(
//	    WithIDPrefix("REQ-"),
//	    WithRootLevels("PRD"),
//	)
func NewGraph(opts ...GraphOption) *Graph {
	options := DefaultGraphOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.HashLength <= 0 {
		options.HashLength = DefaultHashLength
	}
	if options.HashAlgorithm == "" {
		options.HashAlgorithm = HashSHA256
	}

	return &Graph{
		nodes:        make(map[string]*Node),
		byStable:     make(map[uuid.UUID]*Node),
		broken:       make(map[string][]BrokenReference),
		needsResolve: make(map[string]struct{}),
		files:        make(map[string]*TrackedFile),
		retired:      make(map[string]uuid.UUID),
		log:          newMutationLog(),
		resolver:     newResolver(options.ResolveCacheSize),
		keywords:     &keywordIndex{},
		options:      options,
	}
}

// Options returns the graph's configuration.
func (g *Graph) Options() GraphOptions { return g.options }

// Generation increments on every structural or content change.
func (g *Graph) Generation() uint64 { return g.generation }

func (g *Graph) touch() { g.generation++ }

// AddNode adds a detached node to the graph.
//
// Outputs:
//
//	error - ErrInvalidNode for nil or empty IDs, ErrDuplicateNode when the
//	        ID is taken.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || n.id == "" {
		return ErrInvalidNode
	}
	if _, exists := g.nodes[n.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.id)
	}
	if n.Source != nil {
		if stable, ok := g.retired[retiredKey(n.Source.Path, n.id)]; ok {
			if _, taken := g.byStable[stable]; !taken {
				n.StableID = stable
			}
		}
	}
	g.nodes[n.id] = n
	g.byStable[n.StableID] = n
	g.trackNode(n)
	g.touch()
	return nil
}

// removeNode detaches n from every neighbour and drops it from all indexes.
func (g *Graph) removeNode(n *Node) {
	for _, p := range slices.Clone(n.parents) {
		g.unlink(p, n)
	}
	for _, c := range slices.Clone(n.children) {
		g.unlink(n, c)
	}
	delete(g.nodes, n.id)
	delete(g.byStable, n.StableID)
	delete(g.broken, n.id)
	delete(g.needsResolve, n.id)
	g.untrackNode(n)
	g.roots = slices.DeleteFunc(g.roots, func(r *Node) bool { return r == n })
	g.touch()
}

// FindByID returns the node with the exact ID.
func (g *Graph) FindByID(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// FindByStableID returns the node with the given stable handle.
func (g *Graph) FindByStableID(id uuid.UUID) (*Node, bool) {
	n, ok := g.byStable[id]
	return n, ok
}

// NodesByKind returns all nodes of a kind sorted by ID.
func (g *Graph) NodesByKind(kind NodeKind) []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	sortByID(out)
	return out
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges. Structural assertion ties are not edges.
func (g *Graph) EdgeCount() int { return g.edgeCount }

// CountByKind returns node counts per kind. Every kind is present.
func (g *Graph) CountByKind() map[NodeKind]int {
	counts := make(map[NodeKind]int, len(nodeKindNames))
	for _, k := range AllNodeKinds() {
		counts[k] = 0
	}
	for _, n := range g.nodes {
		counts[n.Kind]++
	}
	return counts
}

// Roots returns a copy of the root list.
func (g *Graph) Roots() []*Node { return slices.Clone(g.roots) }

// IsRoot reports whether n is in the root list.
func (g *Graph) IsRoot(n *Node) bool { return slices.Contains(g.roots, n) }

// RecomputeRoots rebuilds the root list: parentless requirements (limited
// to RootLevels when set) and parentless nodes of a configured root kind.
// Conflict nodes are never roots.
func (g *Graph) RecomputeRoots() {
	roots := make([]*Node, 0)
	for _, n := range g.sortedNodes() {
		if n.Conflict || len(n.parents) > 0 {
			continue
		}
		if g.isRootCandidate(n) {
			roots = append(roots, n)
		}
	}
	g.roots = roots
}

func (g *Graph) isRootCandidate(n *Node) bool {
	if slices.Contains(g.options.RootKinds, n.Kind) {
		return true
	}
	if n.Kind != NodeKindRequirement {
		return false
	}
	if len(g.options.RootLevels) == 0 {
		return true
	}
	return slices.Contains(g.options.RootLevels, n.Requirement().Level)
}

// Link creates an edge from parent to child, or merges assertion targets
// into an existing edge of the same kind.
//
// Description:
//
//	Updates the parent's children and outgoing lists and the child's
//	parents and incoming lists together. Linking the same pair with the
//	same kind twice returns the existing edge.
//
// Outputs:
//
//	*Edge - The new or existing edge.
//	error - EdgeError wrapping ErrNodeNotFound or ErrInvalidEdgeKind.
func (g *Graph) Link(parentID, childID string, kind EdgeKind, targets []string) (*Edge, error) {
	parent, ok := g.nodes[parentID]
	if !ok {
		return nil, EdgeError{FromID: parentID, ToID: childID, Kind: kind, Err: ErrNodeNotFound}
	}
	child, ok := g.nodes[childID]
	if !ok {
		return nil, EdgeError{FromID: parentID, ToID: childID, Kind: kind, Err: ErrNodeNotFound}
	}
	if kind == EdgeKindUnknown || parent == child {
		return nil, EdgeError{FromID: parentID, ToID: childID, Kind: kind, Err: ErrInvalidEdgeKind}
	}
	return g.link(parent, child, kind, targets), nil
}

func (g *Graph) link(parent, child *Node, kind EdgeKind, targets []string) *Edge {
	for _, e := range parent.outgoing {
		if e.Target == child && e.Kind == kind {
			if len(e.AssertionTargets) == 0 || len(targets) == 0 {
				e.AssertionTargets = nil
			} else {
				e.AssertionTargets = mergeLabels(e.AssertionTargets, targets)
			}
			g.touch()
			return e
		}
	}

	e := &Edge{Source: parent, Target: child, Kind: kind, AssertionTargets: mergeLabels(nil, targets)}
	parent.outgoing = append(parent.outgoing, e)
	child.incoming = append(child.incoming, e)
	g.attach(parent, child)
	g.edgeCount++
	g.touch()
	return e
}

// attach records the node-level tie only. Assertions hang off their
// requirement this way, without an Edge.
func (g *Graph) attach(parent, child *Node) {
	if !parent.HasChild(child) {
		parent.children = append(parent.children, child)
	}
	if !child.HasParent(parent) {
		child.parents = append(child.parents, parent)
	}
}

// Unlink removes every edge and the node-level tie between parent and child.
// It reports whether anything was removed.
func (g *Graph) Unlink(parentID, childID string) bool {
	parent, ok := g.nodes[parentID]
	if !ok {
		return false
	}
	child, ok := g.nodes[childID]
	if !ok {
		return false
	}
	return g.unlink(parent, child)
}

func (g *Graph) unlink(parent, child *Node) bool {
	removed := false
	before := len(parent.outgoing)
	parent.outgoing = slices.DeleteFunc(parent.outgoing, func(e *Edge) bool { return e.Target == child })
	g.edgeCount -= before - len(parent.outgoing)
	removed = removed || before != len(parent.outgoing)
	child.incoming = slices.DeleteFunc(child.incoming, func(e *Edge) bool { return e.Source == parent })

	if parent.HasChild(child) {
		parent.children = slices.DeleteFunc(parent.children, func(n *Node) bool { return n == child })
		removed = true
	}
	child.parents = slices.DeleteFunc(child.parents, func(n *Node) bool { return n == parent })

	if removed {
		g.touch()
	}
	return removed
}

// removeEdge drops a single edge. The node-level tie goes too when no other
// edge joins the pair.
func (g *Graph) removeEdge(e *Edge) {
	parent, child := e.Source, e.Target
	before := len(parent.outgoing)
	parent.outgoing = slices.DeleteFunc(parent.outgoing, func(x *Edge) bool { return x == e })
	child.incoming = slices.DeleteFunc(child.incoming, func(x *Edge) bool { return x == e })
	g.edgeCount -= before - len(parent.outgoing)
	if len(parent.EdgesTo(child)) == 0 {
		parent.children = slices.DeleteFunc(parent.children, func(n *Node) bool { return n == child })
		child.parents = slices.DeleteFunc(child.parents, func(n *Node) bool { return n == parent })
	}
	g.touch()
}

// Rename changes a node's ID and re-keys every index that refers to it.
//
// Description:
//
//	Re-keys the ID index, the tracked-file registry, broken-reference
//	bookkeeping and the references children declared against the node.
//	Renaming a requirement renames its assertions ("<id>-<label>") too.
//	The StableID is unchanged.
//
// Outputs:
//
//	error - ErrNodeNotFound, ErrDuplicateNode or ErrInvalidNode.
func (g *Graph) Rename(oldID, newID string) error {
	n, ok := g.nodes[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, oldID)
	}
	if newID == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalidNode)
	}
	if oldID == newID {
		return nil
	}
	if _, exists := g.nodes[newID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, newID)
	}
	for _, a := range n.Assertions() {
		if _, exists := g.nodes[assertionID(newID, a.Assertion().Label)]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, assertionID(newID, a.Assertion().Label))
		}
	}

	g.rekey(n, newID)
	for _, a := range n.Assertions() {
		g.rekey(a, assertionID(newID, a.Assertion().Label))
	}
	for _, c := range n.children {
		for i := range c.refs {
			if c.refs[i].Target == oldID {
				c.refs[i].Target = newID
			}
		}
	}
	g.touch()
	return nil
}

// rekey moves n to a new ID in every ID-keyed index.
func (g *Graph) rekey(n *Node, newID string) {
	oldID := n.id
	delete(g.nodes, oldID)
	n.id = newID
	g.nodes[newID] = n

	if b, ok := g.broken[oldID]; ok {
		delete(g.broken, oldID)
		for i := range b {
			b[i].FromID = newID
		}
		g.broken[newID] = b
	}
	if _, ok := g.needsResolve[oldID]; ok {
		delete(g.needsResolve, oldID)
		g.needsResolve[newID] = struct{}{}
	}
	if n.Source != nil {
		if tf, ok := g.files[n.Source.Path]; ok {
			for i, id := range tf.NodeIDs {
				if id == oldID {
					tf.NodeIDs[i] = newID
				}
			}
		}
	}
}

// RemoveFile removes every node declared in path.
//
// Description:
//
//	Edges to the removed nodes disappear with them. Surviving children
//	that referenced a removed node are queued for re-resolution, so the
//	next resolve pass either relinks them to a re-added node or records a
//	broken reference. The file leaves the tracked-file registry.
//
// Outputs:
//
//	[]*Node - The removed nodes.
func (g *Graph) RemoveFile(path string) []*Node {
	tf, ok := g.files[path]
	if !ok {
		return nil
	}

	removing := make(map[*Node]bool, len(tf.NodeIDs))
	var removed []*Node
	for _, id := range tf.NodeIDs {
		if n, ok := g.nodes[id]; ok {
			removing[n] = true
			removed = append(removed, n)
		}
	}

	for _, n := range removed {
		for _, c := range n.children {
			if !removing[c] {
				g.needsResolve[c.id] = struct{}{}
			}
		}
		g.retired[retiredKey(path, n.id)] = n.StableID
	}
	for _, n := range removed {
		g.removeNode(n)
	}
	delete(g.files, path)
	g.touch()
	return removed
}

// BrokenReferences returns unresolved references sorted by declaring node.
func (g *Graph) BrokenReferences() []BrokenReference {
	var out []BrokenReference
	ids := make([]string, 0, len(g.broken))
	for id := range g.broken {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, g.broken[id]...)
	}
	return out
}

// LinkTestToCode records an externally discovered test-to-code relation as
// a Validates edge with the code as parent.
func (g *Graph) LinkTestToCode(testID, codeID string) (*Edge, error) {
	test, ok := g.nodes[testID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, testID)
	}
	code, ok := g.nodes[codeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, codeID)
	}
	if test.Kind != NodeKindTest || code.Kind != NodeKindCode {
		return nil, fmt.Errorf("%w: want test and code, got %s and %s", ErrWrongKind, test.Kind, code.Kind)
	}
	if !slices.ContainsFunc(test.refs, func(r Reference) bool { return r.Target == codeID }) {
		test.refs = append(test.refs, Reference{Target: codeID, Relationship: RelValidates})
	}
	return g.link(code, test, EdgeKindValidates, nil), nil
}

func (g *Graph) sortedNodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sortByID(out)
	return out
}

func sortByID(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
}

func retiredKey(path, id string) string {
	return path + "\x00" + id
}

// mergeLabels unions label lists, ordered by label position.
func mergeLabels(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, l := range append(slices.Clone(a), b...) {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return labelIndex(out[i]) < labelIndex(out[j]) })
	return out
}
