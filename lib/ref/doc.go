// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifiers:
// room IDs, event IDs, user IDs, server names, room aliases and event
// types.
//
// Every identifier that crosses a trust boundary (a federation
// transaction, a stored PDU, a configuration file) is parsed into one
// of these types exactly once. Code past the boundary never re-checks
// sigils or server suffixes, and the compiler prevents an event ID
// from being passed where a room ID is expected.
//
// The canonical serialization form is the full Matrix identifier
// ("!opaque:server", "$hash", "@user:server", "#alias:server"). JSON
// and CBOR marshaling use that form via encoding.TextMarshaler, so the
// types can appear directly in wire structs, map keys and on-disk
// records.
package ref
