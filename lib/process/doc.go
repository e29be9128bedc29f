// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers of the room server
// binary: reporting errors that happen before the structured logger
// exists, and choosing the exit status.
package process
