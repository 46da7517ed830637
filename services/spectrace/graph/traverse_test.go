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
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds R -> A, R -> B, A -> C, B -> C with Implements edges.
func diamond(t *testing.T) *Graph {
	t.Helper()
	g := resolverGraph(t, "R", "A", "B", "C")
	for _, pair := range [][2]string{{"R", "A"}, {"R", "B"}, {"A", "C"}, {"B", "C"}} {
		_, err := g.Link(pair[0], pair[1], EdgeKindImplements, nil)
		require.NoError(t, err)
	}
	g.RecomputeRoots()
	return g
}

func TestGraph_Link(t *testing.T) {
	g := diamond(t)

	t.Run("idempotent", func(t *testing.T) {
		before := g.EdgeCount()
		_, err := g.Link("R", "A", EdgeKindImplements, nil)
		require.NoError(t, err)
		assert.Equal(t, before, g.EdgeCount())
	})

	t.Run("unknown nodes", func(t *testing.T) {
		_, err := g.Link("R", "missing", EdgeKindImplements, nil)
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("self link", func(t *testing.T) {
		_, err := g.Link("R", "R", EdgeKindImplements, nil)
		assert.ErrorIs(t, err, ErrInvalidEdgeKind)
	})

	t.Run("second kind is a second edge", func(t *testing.T) {
		_, err := g.Link("A", "C", EdgeKindRefines, nil)
		require.NoError(t, err)
		a := mustNode(t, g, "A")
		c := mustNode(t, g, "C")
		assert.Len(t, a.EdgesTo(c), 2)
		assert.Len(t, c.Parents(), 2, "node-level links are not duplicated")
	})

	checkBidirectional(t, g)
}

func TestGraph_Unlink(t *testing.T) {
	g := diamond(t)

	assert.True(t, g.Unlink("A", "C"))
	assert.False(t, g.Unlink("A", "C"), "second unlink removes nothing")
	assert.Equal(t, 3, g.EdgeCount())

	c := mustNode(t, g, "C")
	assert.Equal(t, []string{"B"}, ids(c.Parents()))
	checkBidirectional(t, g)
}

func TestGraph_Walk_Orders(t *testing.T) {
	g := diamond(t)

	tests := []struct {
		order Order
		want  []string
	}{
		{PreOrder, []string{"R", "A", "C", "B"}},
		{PostOrder, []string{"C", "A", "B", "R"}},
		{LevelOrder, []string{"R", "A", "B", "C"}},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			var got []string
			for n := range g.Walk("R", tt.order) {
				got = append(got, n.ID())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGraph_Walk_Restartable(t *testing.T) {
	g := diamond(t)
	seq := g.Walk("R", PreOrder)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, ids(first), ids(second))

	// Stopping early must not panic or leak state into the next walk.
	for n := range seq {
		if n.ID() == "A" {
			break
		}
	}
	assert.Len(t, slices.Collect(seq), 4)
}

func TestGraph_Walk_Unknown(t *testing.T) {
	g := diamond(t)
	assert.Empty(t, slices.Collect(g.Walk("missing", PreOrder)))
}

func TestGraph_AllNodes_VisitsEachOnce(t *testing.T) {
	g := mustBuild(t, scenarioFragments())
	for _, order := range []Order{PreOrder, PostOrder, LevelOrder} {
		seen := make(map[string]int)
		for n := range g.AllNodes(order) {
			seen[n.ID()]++
		}
		assert.Len(t, seen, g.NodeCount(), "order %s", order)
		for id, count := range seen {
			assert.Equal(t, 1, count, "%s visited %d times in %s", id, count, order)
		}
	}
}

func TestGraph_Ancestors(t *testing.T) {
	g := diamond(t)

	ancestors, err := g.Ancestors("C")
	require.NoError(t, err)
	got := ids(ancestors)
	sort.Strings(got)
	assert.Equal(t, []string{"A", "B", "R"}, got, "each ancestor exactly once")

	_, err = g.Ancestors("missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestNode_Depth(t *testing.T) {
	g := diamond(t)
	assert.Equal(t, 0, mustNode(t, g, "R").Depth())
	assert.Equal(t, 1, mustNode(t, g, "A").Depth())
	assert.Equal(t, 2, mustNode(t, g, "C").Depth())

	cyclic := resolverGraph(t, "X", "Y")
	_, err := cyclic.Link("X", "Y", EdgeKindImplements, nil)
	require.NoError(t, err)
	_, err = cyclic.Link("Y", "X", EdgeKindImplements, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, mustNode(t, cyclic, "X").Depth())
}

func TestGraph_Rename(t *testing.T) {
	g := mustBuild(t, scenarioFragments())
	prd := mustNode(t, g, "REQ-p00001")
	stable := prd.StableID

	require.NoError(t, g.Rename("REQ-p00001", "REQ-p00100"))

	_, ok := g.FindByID("REQ-p00001")
	assert.False(t, ok)
	renamed, ok := g.FindByStableID(stable)
	require.True(t, ok)
	assert.Equal(t, "REQ-p00100", renamed.ID())
	mustNode(t, g, "REQ-p00100-A")
	mustNode(t, g, "REQ-p00100-B")

	dev := mustNode(t, g, "REQ-d00001")
	assert.Equal(t, "REQ-p00100-A", dev.References()[0].Text())

	tf, ok := g.TrackedFile(prdPath)
	require.True(t, ok)
	assert.Contains(t, tf.NodeIDs, "REQ-p00100")

	t.Run("collision", func(t *testing.T) {
		err := g.Rename("REQ-p00100", "REQ-d00001")
		assert.ErrorIs(t, err, ErrDuplicateNode)
		mustNode(t, g, "REQ-p00100")
	})
}

func TestGraph_RemoveFile(t *testing.T) {
	g := mustBuild(t, scenarioFragments())

	removed := g.RemoveFile(prdPath)
	assert.ElementsMatch(t, []string{"REQ-p00001", "REQ-p00001-A", "REQ-p00001-B"}, ids(removed))
	_, tracked := g.TrackedFile(prdPath)
	assert.False(t, tracked)

	dev := mustNode(t, g, "REQ-d00001")
	assert.Empty(t, dev.Parents())
	assert.Nil(t, g.RemoveFile(prdPath), "removing an untracked file is a no-op")
	checkBidirectional(t, g)
}
