// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomlock provides the per-room coordination primitives of
// the room core.
//
// A [Registry] maps room IDs to context-aware mutexes, created lazily
// and kept for the life of the process. Two registries exist, one per
// lock domain, and they are never conflated:
//
//   - state: held across "compute new state, append, update current
//     state" so counts handed out for one room are strictly increasing.
//   - federation: serializes inbound transactions touching the same
//     room.
//
// Locking a registry yields a [Guard]. Operations that require a lock
// take the guard as a parameter and call [Guard.Check], which turns
// "caller must hold the lock" from a comment into a runtime check.
//
// The third domain, insertion ordering, is not a mutex. Readers that
// need a consistent prefix of the timeline wait for every insertion
// already in flight to settle. [Fence] models this directly: writers
// take a numbered [Ticket] before allocating a position and settle it
// after persisting; [Fence.Wait] blocks until every generation begun
// before the call has settled. Waiting never blocks new writers, so
// the fence cannot participate in a lock-order cycle with either
// registry.
package roomlock
