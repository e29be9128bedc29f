// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"errors"
	"fmt"
)

// ErrForbidden is wrapped by every rejection.
var ErrForbidden = errors.New("event not allowed by authorization rules")

// DenyReason classifies a rejection.
type DenyReason int

const (
	// ReasonMalformed means the event lacks a field the rules need
	// (state_key on a member event, membership, parseable content).
	ReasonMalformed DenyReason = iota

	// ReasonBadCreate means an m.room.create event breaks the create
	// rules (prev events, foreign sender, unknown version, no creator).
	ReasonBadCreate

	// ReasonNoCreate means the state has no m.room.create event.
	ReasonNoCreate

	// ReasonNotFederated means a remote sender wrote to a room whose
	// create event sets m.federate to false.
	ReasonNotFederated

	// ReasonBadAuthEvents means the auth_events list has duplicate or
	// unexpected entries.
	ReasonBadAuthEvents

	// ReasonMembership means the sender or target membership does not
	// permit the action.
	ReasonMembership

	// ReasonJoinRule means the room's join rule does not admit the
	// join or knock.
	ReasonJoinRule

	// ReasonPowerLevel means the sender's power level is too low.
	ReasonPowerLevel

	// ReasonStateKey means a state key names another user.
	ReasonStateKey

	// ReasonBanned means the target or sender is banned.
	ReasonBanned
)

// String returns a human-readable reason.
func (r DenyReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed event"
	case ReasonBadCreate:
		return "invalid create event"
	case ReasonNoCreate:
		return "no create event in state"
	case ReasonNotFederated:
		return "room is not federated"
	case ReasonBadAuthEvents:
		return "invalid auth events"
	case ReasonMembership:
		return "membership does not permit action"
	case ReasonJoinRule:
		return "join rule does not permit action"
	case ReasonPowerLevel:
		return "insufficient power level"
	case ReasonStateKey:
		return "state key names another user"
	case ReasonBanned:
		return "user is banned"
	default:
		return "unknown"
	}
}

// Error is a rejection by the authorization rules.
type Error struct {
	Reason DenyReason
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Is matches [ErrForbidden].
func (e *Error) Is(target error) bool {
	return target == ErrForbidden
}

func deny(reason DenyReason, format string, args ...any) error {
	return &Error{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason from a rejection. The bool is false
// when err is not a rejection.
func ReasonOf(err error) (DenyReason, bool) {
	var authError *Error
	if errors.As(err, &authError) {
		return authError.Reason, true
	}
	return 0, false
}
