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
	"time"
)

// TrackedFile is one entry of the tracked-file registry.
type TrackedFile struct {
	// Path is the repository-relative file path.
	Path string

	// ModTime is the modification time seen when the file was last parsed
	// or written.
	ModTime time.Time

	// NodeIDs are the nodes the file produced, in declaration order.
	NodeIDs []string
}

// TrackFile records a scanned file and its modification time. Files that
// produced no nodes are tracked too, so they are not reported as new on the
// next staleness check.
func (g *Graph) TrackFile(path string, modTime time.Time) {
	tf, ok := g.files[path]
	if !ok {
		tf = &TrackedFile{Path: path}
		g.files[path] = tf
	}
	tf.ModTime = modTime
}

// TrackedFile returns a copy of the registry entry for path.
func (g *Graph) TrackedFile(path string) (TrackedFile, bool) {
	tf, ok := g.files[path]
	if !ok {
		return TrackedFile{}, false
	}
	return TrackedFile{Path: tf.Path, ModTime: tf.ModTime, NodeIDs: slices.Clone(tf.NodeIDs)}, true
}

// TrackedFiles returns copies of all registry entries sorted by path.
func (g *Graph) TrackedFiles() []TrackedFile {
	out := make([]TrackedFile, 0, len(g.files))
	for _, tf := range g.files {
		out = append(out, TrackedFile{Path: tf.Path, ModTime: tf.ModTime, NodeIDs: slices.Clone(tf.NodeIDs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (g *Graph) trackNode(n *Node) {
	if n.Source == nil || n.Source.Path == "" {
		return
	}
	tf, ok := g.files[n.Source.Path]
	if !ok {
		tf = &TrackedFile{Path: n.Source.Path}
		g.files[n.Source.Path] = tf
	}
	if !slices.Contains(tf.NodeIDs, n.id) {
		tf.NodeIDs = append(tf.NodeIDs, n.id)
	}
}

func (g *Graph) untrackNode(n *Node) {
	if n.Source == nil {
		return
	}
	if tf, ok := g.files[n.Source.Path]; ok {
		tf.NodeIDs = slices.DeleteFunc(tf.NodeIDs, func(id string) bool { return id == n.id })
	}
}
