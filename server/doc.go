// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the room server from its configuration.
//
// [New] opens the store, loads (or on first start generates) the
// signing key, loads application service registrations and wires the
// state service, timeline and ingestion pipeline around one set of
// per-room lock registries and one backoff table. The resulting
// [Services] value is the only process-wide state; everything else is
// reached through it.
//
// Inbound transport is not part of this package. Callers hand
// federation transactions to [Services.ReplayTransaction] or to the
// pipeline directly.
package server
