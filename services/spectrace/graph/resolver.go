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
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resolver caches flexible-ID lookups. The cache is a projection of the ID
// index and is purged whenever the graph generation moves. Lookups may run
// concurrently under a graph read lock, so the generation check is guarded.
type resolver struct {
	cache *lru.Cache[string, string]

	mu         sync.Mutex
	generation uint64
}

func newResolver(size int) *resolver {
	if size <= 0 {
		size = DefaultResolveCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		// Only reachable with a non-positive size, excluded above.
		panic(err)
	}
	return &resolver{cache: cache}
}

// Resolve finds the node a possibly abbreviated reference names.
//
// Description:
//
//	Tries, in order:
//	  1. exact ID match
//	  2. the canonical prefix prepended ("p00001" -> "REQ-p00001")
//	  3. suffix match among requirements and journeys: IDs ending in
//	     "-<ref>" beat IDs merely ending in "<ref>"; within a tier the
//	     shortest ID wins, then the lexicographically smallest.
//	Conflict nodes only match exactly.
//
// Outputs:
//
//	*Node - The resolved node.
//	bool - False when nothing matches.
func (g *Graph) Resolve(ref string) (*Node, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}

	r := g.resolver
	r.mu.Lock()
	if r.generation != g.generation {
		r.cache.Purge()
		r.generation = g.generation
	}
	r.mu.Unlock()
	if id, ok := r.cache.Get(ref); ok {
		if n, ok := g.nodes[id]; ok {
			return n, true
		}
	}

	n := g.resolveUncached(ref)
	if n == nil {
		return nil, false
	}
	r.cache.Add(ref, n.id)
	return n, true
}

func (g *Graph) resolveUncached(ref string) *Node {
	if n, ok := g.nodes[ref]; ok {
		return n
	}

	prefix := g.options.IDPrefix
	if prefix != "" && !strings.HasPrefix(ref, prefix) {
		if n, ok := g.nodes[prefix+ref]; ok {
			return n
		}
	}

	var best *Node
	bestTier := 2
	for id, n := range g.nodes {
		if n.Conflict || (n.Kind != NodeKindRequirement && n.Kind != NodeKindUserJourney) {
			continue
		}
		tier := 2
		switch {
		case strings.HasSuffix(id, "-"+ref):
			tier = 0
		case strings.HasSuffix(id, ref):
			tier = 1
		default:
			continue
		}
		if best == nil || tier < bestTier ||
			(tier == bestTier && (len(id) < len(best.id) || (len(id) == len(best.id) && id < best.id))) {
			best, bestTier = n, tier
		}
	}
	return best
}

// ResolveReference resolves a declared reference that may name assertions.
//
// Description:
//
//	"REQ-x" resolves to the requirement. "REQ-x-A" and "REQ-x-A+B" resolve
//	to REQ-x with labels [A] or [A, B]. Assertion nodes found directly are
//	mapped to their owning requirement.
//
// Outputs:
//
//	*Node - The referenced node. For assertion references, the requirement.
//	[]string - Assertion labels, nil for whole-node references.
//	error - ErrNodeNotFound or ErrAssertionNotFound.
func (g *Graph) ResolveReference(ref string) (*Node, []string, error) {
	if n, ok := g.Resolve(ref); ok {
		if n.Kind == NodeKindAssertion {
			owner := n.Owner()
			if owner == nil {
				return nil, nil, fmt.Errorf("%w: assertion %s has no requirement", ErrNodeNotFound, ref)
			}
			return owner, []string{n.Assertion().Label}, nil
		}
		return n, nil, nil
	}

	i := strings.LastIndex(ref, "-")
	if i <= 0 || i == len(ref)-1 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
	}
	base, group := ref[:i], ref[i+1:]
	labels := strings.Split(group, "+")
	for _, l := range labels {
		if !isLabel(l) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
		}
	}
	n, ok := g.Resolve(base)
	if !ok || n.Kind != NodeKindRequirement {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
	}
	return n, labels, g.checkLabels(n, labels)
}

func (g *Graph) checkLabels(n *Node, labels []string) error {
	for _, l := range labels {
		if n.AssertionByLabel(l) == nil {
			return fmt.Errorf("%w: %s-%s", ErrAssertionNotFound, n.id, l)
		}
	}
	return nil
}

// resolveDeclared resolves a stored reference. Canonical references (after
// a previous resolution) carry their labels separately.
func (g *Graph) resolveDeclared(ref Reference) (*Node, []string, error) {
	if ref.Labels == nil {
		return g.ResolveReference(ref.Target)
	}
	n, ok := g.Resolve(ref.Target)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, ref.Target)
	}
	return n, ref.Labels, g.checkLabels(n, ref.Labels)
}

// resolveNodeRefs links every declared reference of n and records the ones
// that do not resolve. It returns the number of edges created.
func (g *Graph) resolveNodeRefs(n *Node) int {
	delete(g.broken, n.id)
	before := g.edgeCount

	for i := range n.refs {
		ref := &n.refs[i]
		target, labels, err := g.resolveDeclared(*ref)
		if err == nil && target == n {
			err = fmt.Errorf("%w: %s references itself", ErrInvalidNode, n.id)
		}
		rule, known := relationshipTable[ref.Relationship]
		if err == nil && !known {
			err = fmt.Errorf("%w: relationship %q", ErrInvalidEdgeKind, ref.Relationship)
		}
		if err != nil {
			g.broken[n.id] = append(g.broken[n.id], g.brokenFor(n, *ref, err))
			continue
		}

		parent, child := target, n
		if rule.Direction == DirectionDown {
			parent, child = n, target
		}
		g.link(parent, child, rule.Kind, labels)
		ref.Target = target.id
		ref.Labels = labels
	}
	return g.edgeCount - before
}

func (g *Graph) brokenFor(n *Node, ref Reference, err error) BrokenReference {
	b := BrokenReference{
		FromID:       n.id,
		Target:       ref.Text(),
		Relationship: ref.Relationship,
		Line:         ref.Line,
		Reason:       err.Error(),
	}
	if n.Source != nil {
		b.Path = n.Source.Path
	}
	return b
}

// resolvePending resolves every node queued for resolution and every node
// holding broken references. It returns the number of edges created.
func (g *Graph) resolvePending() int {
	ids := make([]string, 0, len(g.needsResolve)+len(g.broken))
	seen := make(map[string]bool)
	for id := range g.needsResolve {
		ids = append(ids, id)
		seen[id] = true
	}
	for id := range g.broken {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	clear(g.needsResolve)

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	sortByID(nodes)

	created := 0
	for _, n := range nodes {
		created += g.resolveNodeRefs(n)
	}
	return created
}
