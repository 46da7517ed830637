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
	"strconv"
	"testing"

	"github.com/AleutianAI/spectrace/services/spectrace/parser"
)

const (
	prdPath  = "spec/prd-auth.md"
	devPath  = "spec/dev-auth.md"
	codePath = "src/auth.go"
	testPath = "tests/auth_test.go"

	testLoginID = "test:tests/auth_test.go::TestLogin"
)

// Helper function to create a requirement fragment. Assertions are
// labeled A, B, C... in order.
func reqFragment(path, id, level string, implements []string, assertions ...string) *parser.ParsedContent {
	c := parser.NewContent(parser.ContentRequirement, path, 1, 12)
	c.ParsedData["id"] = id
	c.ParsedData["title"] = "Title of " + id
	c.ParsedData["level"] = level
	c.ParsedData["status"] = StatusActive
	c.ParsedData["implements"] = implements
	c.ParsedData["body_text"] = "Body of " + id + "."

	as := make([]parser.Assertion, 0, len(assertions))
	for i, text := range assertions {
		as = append(as, parser.Assertion{Label: labelFor(i), Text: text})
	}
	c.ParsedData["assertions"] = as
	return c
}

// Helper function to create a code fragment.
func codeFragment(path string, line int, function string, implements ...string) *parser.ParsedContent {
	c := parser.NewContent(parser.ContentCode, path, line, line+5)
	c.ParsedData["id"] = "code:" + path + ":" + strconv.Itoa(line)
	c.ParsedData["file"] = path
	c.ParsedData["function"] = function
	c.ParsedData["implements"] = implements
	return c
}

// Helper function to create a test fragment.
func testFragment(path, function string, validates ...string) *parser.ParsedContent {
	c := parser.NewContent(parser.ContentTest, path, 10, 20)
	c.ParsedData["id"] = "test:" + path + "::" + function
	c.ParsedData["file"] = path
	c.ParsedData["function"] = function
	c.ParsedData["validates"] = validates
	return c
}

// Helper function to create a test result fragment.
func resultFragment(id, testID, status string) *parser.ParsedContent {
	c := parser.NewContent(parser.ContentTestResult, "results/junit.xml", 1, 1)
	c.ParsedData["id"] = id
	c.ParsedData["test_id"] = testID
	c.ParsedData["status"] = status
	c.ParsedData["duration_ms"] = int64(12)
	return c
}

// scenarioFragments is a PRD with two assertions, a DEV requirement
// implementing PRD assertion A, code implementing the DEV requirement and
// a test validating it as a whole.
func scenarioFragments() []*parser.ParsedContent {
	return []*parser.ParsedContent{
		reqFragment(prdPath, "REQ-p00001", "PRD", nil,
			"The system SHALL require a password.",
			"The system SHALL lock accounts after five failures."),
		reqFragment(devPath, "REQ-d00001", "DEV", []string{"REQ-p00001-A"},
			"Passwords SHALL be hashed with bcrypt."),
		codeFragment(codePath, 10, "Login", "d00001"),
		testFragment(testPath, "TestLogin", "REQ-d00001"),
	}
}

func mustBuild(t *testing.T, contents []*parser.ParsedContent, opts ...GraphOption) *Graph {
	t.Helper()
	result, err := NewBuilder(WithGraphOptions(opts...)).Build(context.Background(), contents)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if result.Incomplete {
		t.Fatal("expected complete build")
	}
	return result.Graph
}

func mustNode(t *testing.T, g *Graph, id string) *Node {
	t.Helper()
	n, ok := g.FindByID(id)
	if !ok {
		t.Fatalf("node %s not found", id)
	}
	return n
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID()
	}
	return out
}

// checkBidirectional asserts that parent/child and edge lists agree.
func checkBidirectional(t *testing.T, g *Graph) {
	t.Helper()
	for n := range g.AllNodes(PreOrder) {
		for _, c := range n.Children() {
			if !c.HasParent(n) {
				t.Errorf("%s lists child %s which does not list it as parent", n.ID(), c.ID())
			}
		}
		for _, p := range n.Parents() {
			if !p.HasChild(n) {
				t.Errorf("%s lists parent %s which does not list it as child", n.ID(), p.ID())
			}
		}
		for _, e := range n.Outgoing() {
			found := false
			for _, in := range e.Target.Incoming() {
				if in == e {
					found = true
				}
			}
			if !found {
				t.Errorf("edge %s missing from target's incoming list", e)
			}
			if !n.HasChild(e.Target) {
				t.Errorf("edge %s has no node-level child link", e)
			}
		}
	}
}
