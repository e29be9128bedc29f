// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestReport(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		output string
	}{
		{"success", nil, 0, ""},
		{"signal", fmt.Errorf("running: %w", context.Canceled), 0, ""},
		{"failure", errors.New("database locked"), 1, "error: database locked\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var output bytes.Buffer
			if code := Report(&output, test.err); code != test.code {
				t.Errorf("code = %d, want %d", code, test.code)
			}
			if output.String() != test.output {
				t.Errorf("output = %q, want %q", output.String(), test.output)
			}
		})
	}
}
