// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statecompressor stores room state snapshots compactly.
//
// A snapshot is a set of compressed state events: each slot's interned
// (type, state_key) ID paired with the interned ID of the event that
// fills it, packed into 16 bytes. Snapshots are stored as layers. A
// layer is either a full snapshot or a diff (added and removed
// entries) against a parent layer. A new snapshot is written as a diff
// against its parent unless the chain would become deeper than
// [MaxLayerDepth] or the diff would hold more than half as many
// entries as the snapshot itself, in which case a full snapshot is
// written instead.
//
// Each layer is keyed by a BLAKE3 fingerprint of the complete snapshot
// it resolves to, so saving a snapshot that already exists (whatever
// its parent) returns the existing short state hash without writing.
//
// Short state keys and short event IDs never change once interned, so
// the compressor caches both directions of the mapping in memory.
package statecompressor
