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

import "iter"

// Walk returns a lazy traversal of n and its descendants.
//
// Each node is yielded once per walk even when several paths reach it, so
// walks terminate on cyclic input. The sequence is restartable: every range
// over it starts a fresh traversal.
func (n *Node) Walk(order Order) iter.Seq[*Node] {
	return walk([]*Node{n}, order)
}

// Walk returns a traversal starting at the node with the given ID. An
// unknown ID yields nothing.
func (g *Graph) Walk(startID string, order Order) iter.Seq[*Node] {
	n, ok := g.nodes[startID]
	if !ok {
		return func(func(*Node) bool) {}
	}
	return n.Walk(order)
}

// AllNodes returns a traversal over every node: the roots first, then any
// node not reachable from a root, in ID order.
func (g *Graph) AllNodes(order Order) iter.Seq[*Node] {
	seeds := g.Roots()
	seeds = append(seeds, g.sortedNodes()...)
	return walk(seeds, order)
}

func walk(seeds []*Node, order Order) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		visited := make(map[*Node]bool)
		switch order {
		case PostOrder:
			var visit func(n *Node) bool
			visit = func(n *Node) bool {
				if visited[n] {
					return true
				}
				visited[n] = true
				for _, c := range n.children {
					if !visit(c) {
						return false
					}
				}
				return yield(n)
			}
			for _, s := range seeds {
				if !visit(s) {
					return
				}
			}

		case LevelOrder:
			var queue []*Node
			for _, s := range seeds {
				if visited[s] {
					continue
				}
				visited[s] = true
				queue = append(queue, s)
				for len(queue) > 0 {
					n := queue[0]
					queue = queue[1:]
					if !yield(n) {
						return
					}
					for _, c := range n.children {
						if !visited[c] {
							visited[c] = true
							queue = append(queue, c)
						}
					}
				}
			}

		default:
			var visit func(n *Node) bool
			visit = func(n *Node) bool {
				if visited[n] {
					return true
				}
				visited[n] = true
				if !yield(n) {
					return false
				}
				for _, c := range n.children {
					if !visit(c) {
						return false
					}
				}
				return true
			}
			for _, s := range seeds {
				if !visit(s) {
					return
				}
			}
		}
	}
}

// Ancestors returns every node reachable through parents, breadth first,
// each exactly once.
func (n *Node) Ancestors() []*Node {
	visited := map[*Node]bool{n: true}
	var out []*Node
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range cur.parents {
			if visited[p] {
				continue
			}
			visited[p] = true
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	return out
}

// Ancestors returns the ancestors of the node with the given ID.
func (g *Graph) Ancestors(id string) ([]*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return n.Ancestors(), nil
}

// Depth returns the length of the shortest upward path to a parentless
// node: 0 for a parentless node. Nodes whose every upward path runs into a
// cycle have no such path and return -1.
func (n *Node) Depth() int {
	visited := map[*Node]bool{n: true}
	level := []*Node{n}
	for depth := 0; len(level) > 0; depth++ {
		var next []*Node
		for _, cur := range level {
			if len(cur.parents) == 0 {
				return depth
			}
			for _, p := range cur.parents {
				if !visited[p] {
					visited[p] = true
					next = append(next, p)
				}
			}
		}
		level = next
	}
	return -1
}
