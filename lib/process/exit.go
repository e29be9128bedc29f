// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCode maps the error returned by a binary's run function to its
// exit status. Shutdown by signal is a clean exit.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}

// Report writes "error: err" to w unless the error is a clean exit,
// and returns the exit status.
func Report(w io.Writer, err error) int {
	code := ExitCode(err)
	if code != 0 {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return code
}

// Fatal reports err on stderr and exits.
func Fatal(err error) {
	os.Exit(Report(os.Stderr, err))
}
