// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventauth implements the Matrix event authorization rules
// for room versions 3 through 11.
//
// [Allowed] decides whether an event is permitted by a given state:
// the state assembled from its auth_events when validating an
// incoming event, the state before the event when accepting it into
// the timeline, or the room's current state when deciding whether to
// soft-fail it. The rules are pure functions of (room version, event,
// state); the package performs no I/O.
//
// [AuthTypesForEvent] lists the state slots an event's auth_events may
// be drawn from. [CheckAuthEvents] validates a concrete auth_events
// list against that selection (no duplicate slots, no foreign slots, a
// create event present) and indexes it for [Allowed].
//
// Rejections are *[Error] values wrapping [ErrForbidden], carrying a
// [DenyReason] for logging and tests.
//
// Third-party invites are checked structurally (the token must name an
// m.room.third_party_invite event sent by the inviter and the signed
// block must name the invitee) but the identity server signature over
// the signed block is not verified.
//
// [ServerACL] evaluates m.room.server_acl content against a server
// name.
package eventauth
