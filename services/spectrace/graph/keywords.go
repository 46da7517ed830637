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
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MetricKeywords holds the sorted keywords of a node, written by Rollup.
const MetricKeywords = "keywords"

// minKeywordLength drops short words such as "a", "of" and "the".
const minKeywordLength = 4

var stopWords = map[string]bool{
	"shall": true, "must": true, "should": true, "will": true, "with": true,
	"that": true, "this": true, "from": true, "have": true, "when": true,
	"each": true, "into": true, "only": true, "their": true, "system": true,
}

// keywordIndex maps keywords to node IDs. It is rebuilt from scratch
// whenever the graph generation has moved since the last build. Lookups
// run under a graph read lock, so the rebuild is guarded and never writes
// to the nodes themselves.
type keywordIndex struct {
	mu         sync.Mutex
	generation uint64
	built      bool
	index      map[string][]string
	byNode     map[string][]string
}

// FindByKeyword returns the requirements, assertions and journeys whose
// text contains the keyword, sorted by ID. Matching is case-insensitive.
func (g *Graph) FindByKeyword(word string) []*Node {
	k := g.keywords
	k.mu.Lock()
	g.ensureKeywords()
	ids := k.index[strings.ToLower(strings.TrimSpace(word))]
	k.mu.Unlock()

	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Keywords returns the sorted keywords indexed for a node, or nil when the
// node carries no searchable text.
func (g *Graph) Keywords(id string) []string {
	k := g.keywords
	k.mu.Lock()
	defer k.mu.Unlock()
	g.ensureKeywords()
	return k.byNode[id]
}

// storeKeywords copies the index into node metrics. Callers hold the
// graph exclusively.
func (g *Graph) storeKeywords() {
	k := g.keywords
	k.mu.Lock()
	defer k.mu.Unlock()
	g.ensureKeywords()
	for _, n := range g.nodes {
		if words, ok := k.byNode[n.id]; ok {
			n.Metrics[MetricKeywords] = words
		} else {
			delete(n.Metrics, MetricKeywords)
		}
	}
}

// ensureKeywords must be called with keywords.mu held.
func (g *Graph) ensureKeywords() {
	k := g.keywords
	if k.built && k.generation == g.generation {
		return
	}

	index := make(map[string][]string)
	byNode := make(map[string][]string)
	for _, n := range g.sortedNodes() {
		words := keywordsOf(n)
		if words == nil {
			continue
		}
		byNode[n.id] = words
		for _, w := range words {
			index[w] = append(index[w], n.id)
		}
	}
	k.index = index
	k.byNode = byNode
	k.generation = g.generation
	k.built = true
}

func keywordsOf(n *Node) []string {
	var text string
	switch c := n.Content.(type) {
	case *RequirementContent:
		text = c.Title + " " + c.Body
	case *AssertionContent:
		text = c.Text
	case *JourneyContent:
		text = c.Title + " " + c.Goal
	default:
		return nil
	}

	seen := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len(f) >= minKeywordLength && !stopWords[f] {
			seen[f] = true
		}
	}
	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}
