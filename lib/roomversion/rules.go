// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomversion

import (
	"fmt"
	"sort"
)

// ID is a room version identifier as it appears in m.room.create
// content ("room_version").
type ID string

// DefaultVersion is used for rooms created locally when the creator
// does not request a specific version.
const DefaultVersion ID = "10"

// EventIDFormat selects how an event ID is rendered from the event's
// reference hash.
type EventIDFormat int

const (
	// EventIDFormatBase64 renders "$" + unpadded standard base64
	// (room version 3).
	EventIDFormatBase64 EventIDFormat = iota

	// EventIDFormatURLSafeBase64 renders "$" + unpadded URL-safe
	// base64 (room versions 4 and later).
	EventIDFormatURLSafeBase64
)

// Rules are the feature flags for one room version.
type Rules struct {
	ID ID

	// Stable is false for versions the ecosystem treats as
	// experimental. None of the supported versions are unstable; the
	// flag is kept so an operator-facing list can label them.
	Stable bool

	EventIDFormat EventIDFormat

	// SpecialCasedAliases: m.room.aliases events are authorized by
	// state_key matching the sender's server, and their "aliases"
	// content survives redaction (versions up to 5).
	SpecialCasedAliases bool

	// EnforceKeyValidity: signing keys must be valid at the event's
	// origin_server_ts (version 5+).
	EnforceKeyValidity bool

	// StrictCanonicalJSON: integers outside ±(2^53-1) and floats are
	// rejected (version 6+).
	StrictCanonicalJSON bool

	// LimitNotificationsPowerLevels: "notifications" in power levels
	// is enforced on change (version 6+).
	LimitNotificationsPowerLevels bool

	// Knocking allows the "knock" join rule and membership (version 7+).
	Knocking bool

	// RestrictedJoins allows the "restricted" join rule (version 8+).
	RestrictedJoins bool

	// JoinAuthorisedViaUsersServer: the member content field of that
	// name survives redaction (version 9+).
	JoinAuthorisedViaUsersServer bool

	// KnockRestricted allows the "knock_restricted" join rule
	// (version 10+).
	KnockRestricted bool

	// IntegerPowerLevels: power level values must be JSON integers,
	// not strings (version 10+).
	IntegerPowerLevels bool

	// RedactsInContent: the redaction target lives in content.redacts
	// rather than the top-level "redacts" key (version 11+).
	RedactsInContent bool

	// ImplicitRoomCreator: the room creator is the create event's
	// sender; content.creator is no longer required (version 11+).
	ImplicitRoomCreator bool

	// UpdatedRedactionRules selects the version 11 redaction algorithm
	// (keeps all create content, power levels "invite", the signed
	// third-party invite block and redaction "redacts"; drops
	// top-level origin, membership and prev_state).
	UpdatedRedactionRules bool
}

var known = map[ID]Rules{}

func init() {
	for version := 3; version <= 11; version++ {
		rules := Rules{
			ID:                            ID(fmt.Sprint(version)),
			Stable:                        true,
			EventIDFormat:                 EventIDFormatURLSafeBase64,
			SpecialCasedAliases:           version <= 5,
			EnforceKeyValidity:            version >= 5,
			StrictCanonicalJSON:           version >= 6,
			LimitNotificationsPowerLevels: version >= 6,
			Knocking:                      version >= 7,
			RestrictedJoins:               version >= 8,
			JoinAuthorisedViaUsersServer:  version >= 9,
			KnockRestricted:               version >= 10,
			IntegerPowerLevels:            version >= 10,
			RedactsInContent:              version >= 11,
			ImplicitRoomCreator:           version >= 11,
			UpdatedRedactionRules:         version >= 11,
		}
		if version == 3 {
			rules.EventIDFormat = EventIDFormatBase64
		}
		known[rules.ID] = rules
	}
}

// Lookup returns the rules for a room version. The second result is
// false for unknown or unsupported versions.
func Lookup(id ID) (Rules, bool) {
	rules, ok := known[id]
	return rules, ok
}

// MustLookup is like [Lookup] but panics on unknown versions. For
// tests and compile-time constant versions only.
func MustLookup(id ID) Rules {
	rules, ok := known[id]
	if !ok {
		panic(fmt.Sprintf("roomversion.MustLookup(%q): unsupported room version", id))
	}
	return rules
}

// Supported lists every supported room version in ascending numeric
// order.
func Supported() []ID {
	versions := make([]ID, 0, len(known))
	for id := range known {
		versions = append(versions, id)
	}
	sort.Slice(versions, func(i, j int) bool {
		return len(versions[i]) < len(versions[j]) ||
			(len(versions[i]) == len(versions[j]) && versions[i] < versions[j])
	})
	return versions
}
