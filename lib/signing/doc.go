// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing implements the cryptographic envelope of Matrix
// events: content hashes, reference hashes, event IDs, and Ed25519
// signatures, plus a [KeyRing] caching remote servers' signing keys.
//
// All functions operate on the generic JSON form of an event (the
// map produced by canonicaljson.Parse) because the bytes that are
// hashed and signed are derived from it, not from a typed struct:
//
//   - The content hash covers the event minus "unsigned",
//     "signatures" and "hashes".
//   - Signatures cover the redacted event minus "signatures" and
//     "unsigned", so a redacted copy still verifies.
//   - The reference hash (and therefore the event ID) covers the
//     redacted event minus "signatures", "unsigned" and "age_ts".
//
// Canonical JSON strictness follows the room version.
//
// Keys on disk use the Synapse signing key file format, one key per
// line: "ed25519 <version> <unpadded base64 seed>".
package signing
