// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects how much styling the printer applies.
type Mode string

const (
	// ModeRich uses colours, icons and bordered tables.
	ModeRich Mode = "rich"

	// ModePlain keeps icons and tables but drops colours.
	ModePlain Mode = "plain"

	// ModeMachine prints tab separated lines for scripts.
	ModeMachine Mode = "machine"
)

// EnvOutput overrides mode detection.
const EnvOutput = "SPECTRACE_OUTPUT"

// ParseMode converts a flag or environment value. Unknown values map to
// ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "p", "no-color":
		return ModePlain
	case "machine", "m", "tsv", "quiet":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks the mode for f: the SPECTRACE_OUTPUT value when set,
// ModePlain when NO_COLOR is set, ModeMachine when f is not a terminal,
// otherwise ModeRich.
func DetectMode(f *os.File) Mode {
	if v := os.Getenv(EnvOutput); v != "" {
		return ParseMode(v)
	}
	if !IsTerminal(f) {
		return ModeMachine
	}
	if os.Getenv("NO_COLOR") != "" {
		return ModePlain
	}
	return ModeRich
}

// IsTerminal reports whether f is a terminal, including Cygwin ptys.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
