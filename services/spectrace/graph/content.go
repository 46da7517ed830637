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

// Content is the typed payload of a node. Exactly one implementation exists
// per NodeKind, and Node.Kind always agrees with Content.Kind.
type Content interface {
	Kind() NodeKind
}

// RequirementContent is the payload of a requirement.
type RequirementContent struct {
	Title  string
	Level  string
	Status string

	// Hash is the stored content hash. After any mutation touching the
	// body text it equals Graph.ComputeHash of the requirement.
	Hash string

	// Body is the narrative text between the metadata line and the
	// assertion section.
	Body string
}

// Kind implements Content.
func (*RequirementContent) Kind() NodeKind { return NodeKindRequirement }

// AssertionContent is the payload of an assertion.
type AssertionContent struct {
	Label string
	Text  string
}

// Kind implements Content.
func (*AssertionContent) Kind() NodeKind { return NodeKindAssertion }

// CodeContent is the payload of an annotated code declaration.
type CodeContent struct {
	File     string
	Function string
}

// Kind implements Content.
func (*CodeContent) Kind() NodeKind { return NodeKindCode }

// TestContent is the payload of an annotated test.
type TestContent struct {
	File     string
	Function string
}

// Kind implements Content.
func (*TestContent) Kind() NodeKind { return NodeKindTest }

// Test result statuses.
const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
	ResultNotRun  = "not_run"
)

// TestResultContent is the payload of a test result.
type TestResultContent struct {
	TestID         string
	Status         string
	DurationMillis int64
	Message        string
}

// Kind implements Content.
func (*TestResultContent) Kind() NodeKind { return NodeKindTestResult }

// NormalizedStatus folds common spellings into the Result* constants.
func (c *TestResultContent) NormalizedStatus() string {
	switch c.Status {
	case "passed", "pass", "ok", "success", "PASSED", "PASS":
		return ResultPassed
	case "failed", "fail", "error", "failure", "FAILED", "FAIL", "ERROR":
		return ResultFailed
	case "skipped", "skip", "SKIPPED", "SKIP":
		return ResultSkipped
	default:
		return ResultNotRun
	}
}

// JourneyContent is the payload of a user journey.
type JourneyContent struct {
	Title string
	Actor string
	Goal  string
	Body  string
}

// Kind implements Content.
func (*JourneyContent) Kind() NodeKind { return NodeKindUserJourney }

// RemainderContent is the payload of unclaimed document text.
type RemainderContent struct {
	Text string
}

// Kind implements Content.
func (*RemainderContent) Kind() NodeKind { return NodeKindRemainder }
