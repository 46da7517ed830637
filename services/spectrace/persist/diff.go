// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffContext is the number of unchanged lines shown around each change.
const DiffContext = 2

// diffLine is one line of a line-mode diff.
type diffLine struct {
	op   diffmatchpatch.Operation
	text string
}

// UnifiedDiff renders a unified line diff of before and after, or "" when
// they are equal.
func UnifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lineArray)

	var lines []diffLine
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		for _, text := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			lines = append(lines, diffLine{op: d.Type, text: text})
		}
	}

	oldNo := make([]int, len(lines))
	newNo := make([]int, len(lines))
	var changed []int
	o, n := 1, 1
	for i, l := range lines {
		oldNo[i], newNo[i] = o, n
		switch l.op {
		case diffmatchpatch.DiffEqual:
			o++
			n++
		case diffmatchpatch.DiffDelete:
			o++
			changed = append(changed, i)
		case diffmatchpatch.DiffInsert:
			n++
			changed = append(changed, i)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", path, path)
	for i := 0; i < len(changed); {
		j := i
		for j+1 < len(changed) && changed[j+1]-changed[j] <= 2*DiffContext+1 {
			j++
		}
		start := max(0, changed[i]-DiffContext)
		end := min(len(lines)-1, changed[j]+DiffContext)

		oldCount, newCount := 0, 0
		for k := start; k <= end; k++ {
			if lines[k].op != diffmatchpatch.DiffInsert {
				oldCount++
			}
			if lines[k].op != diffmatchpatch.DiffDelete {
				newCount++
			}
		}
		oldStart, newStart := oldNo[start], newNo[start]
		if oldCount == 0 {
			oldStart--
		}
		if newCount == 0 {
			newStart--
		}
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)

		for k := start; k <= end; k++ {
			prefix := " "
			switch lines[k].op {
			case diffmatchpatch.DiffDelete:
				prefix = "-"
			case diffmatchpatch.DiffInsert:
				prefix = "+"
			}
			sb.WriteString(prefix)
			sb.WriteString(lines[k].text)
			sb.WriteString("\n")
		}
		i = j + 1
	}
	return sb.String()
}
