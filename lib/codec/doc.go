// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the module's standard CBOR encoding
// configuration for records at rest.
//
// The room core uses two serialization formats with a clear boundary:
//
//   - Canonical JSON for anything another server hashes, signs or
//     reads: event bodies, key documents, federation payloads. See
//     lib/canonicaljson.
//   - CBOR for typed records only this process reads back: the typed
//     PDU next to its canonical JSON, state-snapshot diff layers,
//     appservice queue entries.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which lets the
// state compressor fingerprint snapshot diffs by their encoding.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types implementing encoding.TextMarshaler (every identifier in
// lib/ref, pdu.Count) serialize as CBOR text strings. Struct fields
// use `json` tags when the type is also exchanged as JSON and `cbor`
// tags when it exists only on disk.
package codec
