// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// AuthState is the state an event is checked against.
type AuthState interface {
	// StateEvent returns the event filling (eventType, stateKey), or
	// nil when the slot is empty.
	StateEvent(eventType ref.EventType, stateKey string) *pdu.PDU
}

// StateEvents is an in-memory AuthState.
type StateEvents map[pdu.TypeStateKey]*pdu.PDU

// StateEvent implements AuthState.
func (state StateEvents) StateEvent(eventType ref.EventType, stateKey string) *pdu.PDU {
	return state[pdu.TypeStateKey{Type: eventType, StateKey: stateKey}]
}

// Add files event under its (type, state_key). Non-state events are
// ignored.
func (state StateEvents) Add(event *pdu.PDU) {
	if event.IsState() {
		state[event.TypeStateKey()] = event
	}
}

// AuthTypesForEvent returns the state slots an event with the given
// fields may cite in auth_events. Create events cite nothing.
func AuthTypesForEvent(rules roomversion.Rules, eventType ref.EventType, stateKey *string, sender ref.UserID, content json.RawMessage) []pdu.TypeStateKey {
	if eventType == schema.MatrixEventTypeCreate {
		return nil
	}

	keys := []pdu.TypeStateKey{
		{Type: schema.MatrixEventTypeCreate},
		{Type: schema.MatrixEventTypePowerLevels},
		{Type: schema.MatrixEventTypeMember, StateKey: sender.String()},
	}

	if eventType != schema.MatrixEventTypeMember || stateKey == nil {
		return keys
	}

	var member schema.MemberContent
	if json.Unmarshal(content, &member) != nil {
		return keys
	}
	if *stateKey != sender.String() {
		keys = append(keys, pdu.TypeStateKey{Type: schema.MatrixEventTypeMember, StateKey: *stateKey})
	}

	switch member.Membership {
	case schema.MembershipJoin, schema.MembershipInvite, schema.MembershipKnock:
		keys = append(keys, pdu.TypeStateKey{Type: schema.MatrixEventTypeJoinRules})
	}
	if member.Membership == schema.MembershipInvite {
		if token, ok := thirdPartyInviteToken(member.ThirdPartyInvite); ok {
			keys = append(keys, pdu.TypeStateKey{Type: schema.MatrixEventTypeThirdPartyInvite, StateKey: token})
		}
	}
	if member.Membership == schema.MembershipJoin && rules.RestrictedJoins && member.JoinAuthorisedViaUsersServer != "" {
		if member.JoinAuthorisedViaUsersServer != sender.String() && member.JoinAuthorisedViaUsersServer != *stateKey {
			keys = append(keys, pdu.TypeStateKey{Type: schema.MatrixEventTypeMember, StateKey: member.JoinAuthorisedViaUsersServer})
		}
	}
	return keys
}

type thirdPartySigned struct {
	MXID  string `json:"mxid"`
	Token string `json:"token"`
}

func thirdPartyInviteToken(invite *schema.ThirdPartyInvite) (string, bool) {
	if invite == nil || len(invite.Signed) == 0 {
		return "", false
	}
	var signed thirdPartySigned
	if json.Unmarshal(invite.Signed, &signed) != nil || signed.Token == "" {
		return "", false
	}
	return signed.Token, true
}

// CheckAuthEvents validates an event's auth_events, already fetched,
// and indexes them by slot. Every entry must fill a slot named by
// [AuthTypesForEvent], no slot may appear twice, and an
// m.room.create event must be among them.
func CheckAuthEvents(rules roomversion.Rules, event *pdu.PDU, authEvents []*pdu.PDU) (StateEvents, error) {
	allowed := make(map[pdu.TypeStateKey]bool)
	for _, key := range AuthTypesForEvent(rules, event.Type, event.StateKey, event.Sender, event.Content) {
		allowed[key] = true
	}

	state := make(StateEvents, len(authEvents))
	for _, authEvent := range authEvents {
		if !authEvent.IsState() {
			return nil, deny(ReasonBadAuthEvents, "auth event %s is not a state event", authEvent.EventID)
		}
		if authEvent.RoomID != event.RoomID {
			return nil, deny(ReasonBadAuthEvents, "auth event %s belongs to %s", authEvent.EventID, authEvent.RoomID)
		}
		key := authEvent.TypeStateKey()
		if existing, duplicate := state[key]; duplicate {
			return nil, deny(ReasonBadAuthEvents, "auth events %s and %s both fill %s", existing.EventID, authEvent.EventID, key)
		}
		if !allowed[key] {
			return nil, deny(ReasonBadAuthEvents, "auth event %s fills unexpected slot %s", authEvent.EventID, key)
		}
		state[key] = authEvent
	}

	if event.Type != schema.MatrixEventTypeCreate && state.StateEvent(schema.MatrixEventTypeCreate, "") == nil {
		return nil, deny(ReasonNoCreate, "auth events of %s lack m.room.create", event.EventID)
	}
	return state, nil
}
