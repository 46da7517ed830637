// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitFindings = 2
)

// ExitError carries the process exit code of a failed command.
//
//	err := &ExitError{Code: exitFindings, Err: errors.New("3 errors")}
//	fmt.Println(err.Error()) // "3 errors (exit 2)"
type ExitError struct {
	Code int
	Err  error
}

// Error returns the wrapped message and the code.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return fmt.Sprintf("%v (exit %d)", e.Err, e.Code)
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error { return e.Err }

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitFailure
}
