// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the room server binary.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected with
// -ldflags -X; development builds and tests see "unknown" and
// "0.1.0-dev". [Info] is the one-line --version answer and [Full] adds
// the Go toolchain and platform.
package version
