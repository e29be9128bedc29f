// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonicaljson implements Matrix canonical JSON: the byte
// encoding every content hash, signature and reference hash is
// computed over.
//
// Canonical JSON is ordinary JSON with every degree of freedom
// removed: object keys sorted by Unicode code point, no insignificant
// whitespace, strings escaped minimally (only '"', '\\' and control
// characters, with the short escapes where JSON has them), and numbers
// restricted to integers. Two servers holding the same logical event
// therefore produce identical bytes.
//
// Values are represented the way encoding/json decodes into any with
// UseNumber: map[string]any, []any, string, json.Number, bool and nil.
// [Parse] produces that representation; [Marshal] consumes it (and
// also accepts json.RawMessage and arbitrary Go values, which it
// round-trips through encoding/json first).
//
// Room versions 6 and later require integers to lie within
// [-(2^53)+1, (2^53)-1]; [MarshalStrict] enforces that range.
package canonicaljson
