// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomstate answers questions about room state for the
// ingestion pipeline and the timeline: the state before or after an
// event, the current state, and the typed views of it they need
// (create event, power levels, server ACL, membership, servers in the
// room).
//
// It is also where state resolution is invoked. [Service.ResolveForks]
// loads each fork's auth chain from the store, then runs
// [stateres.Resolve] behind a single process-wide mutex: resolutions
// for all rooms are serialized. Forks are rare, and the per-resolution
// event cache stays simple when only one resolution runs at a time.
//
// Snapshots are read and written through the state compressor; this
// package never touches snapshot layers directly.
package roomstate
