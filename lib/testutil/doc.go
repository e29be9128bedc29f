// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the room core.
//
// [RequireReceive], [RequireNoReceive], [RequireSend], and
// [RequireClosed] encapsulate the timeout safety valve pattern (select
// with time.After fallback) so that individual tests do not need
// direct time.After calls. These are the only place in the test suite
// where real wall-clock timeouts are used.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation: transaction IDs, event bodies, room localparts.
//
// [Logger] returns a structured logger that writes through t.Log, so
// a failing test shows the component logs interleaved with its own
// output and a passing test stays quiet.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package depends on no other packages in this module.
package testutil
