// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the Matrix event type constants and typed
// content structures the room core inspects: create, member, power
// levels, join rules, server ACL, redaction, and message relations.
//
// Content is decoded from an event's raw JSON on demand. Fields the
// core never reads are not modelled; the raw JSON on the event stays
// authoritative and is never re-encoded from these structs.
//
// [PowerLevels] resolves every default the authorization rules define
// ([PowerLevels.UserLevel], [PowerLevels.EventLevel], ...), so callers
// never repeat the "absent means 50" table. [DecodePowerLevels] accepts
// string-encoded levels for room versions that permit them.
//
// This package depends on no other packages in this module.
package schema
