// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore implements store.Store on SQLite through
// lib/sqlitepool.
//
// Events are kept twice: the typed PDU as deterministic CBOR (what the
// core reads back on every lookup) and the canonical JSON (what
// signatures and hashes were computed over), zstd-compressed. Timeline
// events also carry their position as a signed integer (n for
// Normal(n), -n for Backfilled(n)) so ORDER BY position is count order,
// and the 16-byte PDU storage key for exact-key lookups.
//
// State layers are CBOR records of compressed state events,
// lz4-compressed. Both blob kinds carry a one-byte codec tag and their
// uncompressed size, and fall back to storing the raw bytes when
// compression does not shrink them.
//
// Every multi-row mutation runs in one IMMEDIATE transaction. Count
// allocation happens inside the AppendPDU transaction, so a crash can
// never leave a handed-out count without its event.
package sqlitestore
