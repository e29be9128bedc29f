// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomversion describes the behavioural differences between
// Matrix room versions and implements the version-specific redaction
// algorithm.
//
// Every room carries a version, fixed at creation in the
// m.room.create event. The version selects the event-ID format, the
// authorization-rule variants, the canonical JSON strictness, and the
// set of fields that survive redaction. Code that handles events asks
// [Lookup] for the room's [Rules] and branches on the named feature
// flags rather than on version strings.
//
// Versions 3 through 11 are supported. Versions 1 and 2 carry the
// event ID inside the event and use state resolution v1; a server
// speaking only those versions is out of scope.
package roomversion
