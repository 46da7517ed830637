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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// HashAlgorithm names a requirement content hash.
type HashAlgorithm string

// Supported hash algorithms.
const (
	HashSHA256 HashAlgorithm = "sha256"
	HashBLAKE3 HashAlgorithm = "blake3"
)

// DefaultHashLength is the number of hex characters kept from the digest.
const DefaultHashLength = 8

// assertionsSection separates the narrative from the assertion list in the
// canonical body text.
const assertionsSection = "## Assertions"

// ComputeHash hashes text and keeps the first length hex characters.
// A length of 0 or more than the digest keeps the full digest.
func ComputeHash(alg HashAlgorithm, length int, text string) (string, error) {
	var sum []byte
	switch alg {
	case HashSHA256, "":
		s := sha256.Sum256([]byte(text))
		sum = s[:]
	case HashBLAKE3:
		s := blake3.Sum256([]byte(text))
		sum = s[:]
	default:
		return "", fmt.Errorf("%w: unknown hash algorithm %q", ErrInvariantViolation, alg)
	}
	digest := hex.EncodeToString(sum)
	if length > 0 && length < len(digest) {
		digest = digest[:length]
	}
	return digest, nil
}

// BodyText returns the canonical persisted body of a requirement: the
// narrative followed by the assertion section, one "L. text" line per
// assertion in label order.
func (g *Graph) BodyText(n *Node) (string, error) {
	rc := n.Requirement()
	if rc == nil {
		if n.Kind != NodeKindRequirement {
			return "", fmt.Errorf("%w: %s is a %s", ErrWrongKind, n.id, n.Kind)
		}
		return "", fmt.Errorf("%w: requirement %s has no content", ErrInvariantViolation, n.id)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(rc.Body))
	assertions := n.Assertions()
	if len(assertions) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(assertionsSection)
		b.WriteString("\n\n")
		for i, a := range assertions {
			if i > 0 {
				b.WriteString("\n")
			}
			ac := a.Assertion()
			b.WriteString(ac.Label)
			b.WriteString(". ")
			b.WriteString(strings.TrimSpace(ac.Text))
		}
	}
	return b.String(), nil
}

// ComputeHash returns the hash of the requirement's current body text.
func (g *Graph) ComputeHash(n *Node) (string, error) {
	text, err := g.BodyText(n)
	if err != nil {
		return "", err
	}
	return ComputeHash(g.options.HashAlgorithm, g.options.HashLength, text)
}

// HashIsCurrent reports whether the stored hash matches the body text.
func (g *Graph) HashIsCurrent(n *Node) bool {
	rc := n.Requirement()
	if rc == nil {
		return false
	}
	h, err := g.ComputeHash(n)
	return err == nil && h == rc.Hash
}

// rehash stores the freshly computed hash on the requirement.
func (g *Graph) rehash(n *Node) error {
	h, err := g.ComputeHash(n)
	if err != nil {
		return err
	}
	n.Requirement().Hash = h
	return nil
}
