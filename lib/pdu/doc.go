// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdu defines the persisted data unit (a room event as stored
// and exchanged between servers), its total-order cursor [Count], and
// the state map types shared by the state, timeline and ingestion
// layers.
//
// A [PDU] is immutable once created. Its canonical JSON is kept next
// to the typed form so signatures and hashes can be re-verified
// without re-deriving bytes; [FromValue] builds the typed form from
// the generic JSON object the cryptographic code works on.
//
// [Count] orders events within a room. Normal counts are handed out
// on append and grow; backfilled counts are handed out when older
// history is fetched and sort before every normal count, with larger
// backfilled values further back. The string form ("5", "-5") is a
// public pagination token and [Count.StorageKey] is the on-disk key
// layout; both are fixed formats.
package pdu
