// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest validates events arriving over federation and decides
// whether they become part of a room's timeline.
//
// Every event first passes outlier validation: signatures and content
// hash are checked (a hash mismatch redacts the event instead of
// rejecting it), missing auth events are fetched from the origin
// through the same path, and the event must be allowed by its own auth
// events. Validated events are persisted as outliers.
//
// Timeline events then go further. Missing prev events are fetched
// and replayed oldest first, the state before the event is computed
// (reused from a single parent, resolved across several, or requested
// from the origin), and the event is authorized against that state. An
// event that is allowed by its own state but not by the room's current
// state is soft-failed: stored, referenced by later auth chains, but
// never visible. Everything else is appended under the room's state
// lock.
//
// Each call resolves to an [Outcome] or a typed [*Error]; callers
// handling a federation transaction get one per event through
// [Pipeline.HandleTransaction].
package ingest
