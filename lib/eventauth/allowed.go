// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"encoding/json"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// Allowed reports whether event is permitted by state under the room
// version's rules. A nil result means allowed; rejections wrap
// [ErrForbidden].
func Allowed(rules roomversion.Rules, event *pdu.PDU, state AuthState) error {
	if event.Type == schema.MatrixEventTypeCreate {
		return checkCreate(rules, event)
	}

	createEvent := state.StateEvent(schema.MatrixEventTypeCreate, "")
	if createEvent == nil {
		return deny(ReasonNoCreate, "no m.room.create in state for %s", event.EventID)
	}
	var create schema.CreateContent
	if err := createEvent.DecodeContent(&create); err != nil {
		return deny(ReasonMalformed, "create event %s: %v", createEvent.EventID, err)
	}
	if !create.Federated() && event.SenderServer() != createEvent.SenderServer() {
		return deny(ReasonNotFederated, "%s may not send to non-federated room %s", event.Sender, event.RoomID)
	}

	room := &roomContext{
		rules:   rules,
		state:   state,
		create:  createEvent,
		creator: roomCreator(rules, createEvent, &create),
	}
	if err := room.loadPowerLevels(); err != nil {
		return err
	}

	if rules.SpecialCasedAliases && event.Type == schema.MatrixEventTypeAliases {
		if !event.IsState() {
			return deny(ReasonMalformed, "m.room.aliases %s has no state_key", event.EventID)
		}
		if event.StateKeyValue() != event.SenderServer().String() {
			return deny(ReasonStateKey, "m.room.aliases %s state_key %q is not the sender's server", event.EventID, event.StateKeyValue())
		}
		return nil
	}

	if event.Type == schema.MatrixEventTypeMember {
		return room.checkMember(event)
	}

	if room.membership(event.Sender.String()) != schema.MembershipJoin {
		return deny(ReasonMembership, "%s is not joined to %s", event.Sender, event.RoomID)
	}

	senderLevel := room.userLevel(event.Sender.String())

	if event.Type == schema.MatrixEventTypeThirdPartyInvite {
		if senderLevel < room.inviteLevel() {
			return deny(ReasonPowerLevel, "%s (level %d) may not issue third-party invites (needs %d)", event.Sender, senderLevel, room.inviteLevel())
		}
		return nil
	}

	required := room.eventLevel(event.Type, event.IsState())
	if senderLevel < required {
		return deny(ReasonPowerLevel, "%s (level %d) may not send %s (needs %d)", event.Sender, senderLevel, event.Type, required)
	}

	if event.IsState() && strings.HasPrefix(event.StateKeyValue(), "@") && event.StateKeyValue() != event.Sender.String() {
		return deny(ReasonStateKey, "%s may not set state_key %q", event.Sender, event.StateKeyValue())
	}

	if event.Type == schema.MatrixEventTypePowerLevels {
		return room.checkPowerLevelsChange(event, senderLevel)
	}
	return nil
}

func checkCreate(rules roomversion.Rules, event *pdu.PDU) error {
	if len(event.PrevEvents) > 0 {
		return deny(ReasonBadCreate, "create event %s has prev_events", event.EventID)
	}
	if event.RoomID.Server() != event.SenderServer() {
		return deny(ReasonBadCreate, "create event %s sender %s does not match room %s", event.EventID, event.Sender, event.RoomID)
	}
	var content schema.CreateContent
	if err := event.DecodeContent(&content); err != nil {
		return deny(ReasonMalformed, "create event %s: %v", event.EventID, err)
	}
	if content.RoomVersion != "" {
		if _, known := roomversion.Lookup(roomversion.ID(content.RoomVersion)); !known {
			return deny(ReasonBadCreate, "create event %s names unknown room version %q", event.EventID, content.RoomVersion)
		}
	}
	if !rules.ImplicitRoomCreator && content.Creator == "" {
		return deny(ReasonBadCreate, "create event %s has no creator", event.EventID)
	}
	return nil
}

func roomCreator(rules roomversion.Rules, createEvent *pdu.PDU, content *schema.CreateContent) string {
	if rules.ImplicitRoomCreator {
		return createEvent.Sender.String()
	}
	return content.Creator
}

// roomContext caches what the rules read repeatedly from state.
type roomContext struct {
	rules       roomversion.Rules
	state       AuthState
	create      *pdu.PDU
	creator     string
	powerLevels *schema.PowerLevels
}

func (room *roomContext) loadPowerLevels() error {
	event := room.state.StateEvent(schema.MatrixEventTypePowerLevels, "")
	if event == nil {
		return nil
	}
	powerLevels, err := schema.DecodePowerLevels(event.Content, room.rules.IntegerPowerLevels)
	if err != nil {
		return deny(ReasonMalformed, "power levels %s: %v", event.EventID, err)
	}
	room.powerLevels = powerLevels
	return nil
}

// userLevel applies the rule that without a power levels event the
// creator has 100 and everyone else 0.
func (room *roomContext) userLevel(userID string) schema.Level {
	if room.powerLevels == nil {
		if userID == room.creator {
			return schema.CreatorLevel
		}
		return 0
	}
	return room.powerLevels.UserLevel(userID)
}

func (room *roomContext) eventLevel(eventType ref.EventType, isState bool) schema.Level {
	if room.powerLevels == nil {
		return 0
	}
	return room.powerLevels.EventLevel(string(eventType), isState)
}

func (room *roomContext) inviteLevel() schema.Level {
	if room.powerLevels == nil {
		return schema.DefaultInviteLevel
	}
	return room.powerLevels.InviteLevel()
}

func (room *roomContext) banLevel() schema.Level {
	if room.powerLevels == nil {
		return schema.DefaultBanLevel
	}
	return room.powerLevels.BanLevel()
}

func (room *roomContext) kickLevel() schema.Level {
	if room.powerLevels == nil {
		return schema.DefaultKickLevel
	}
	return room.powerLevels.KickLevel()
}

// membership returns the user's membership in state, "leave" when the
// user has no member event.
func (room *roomContext) membership(userID string) string {
	event := room.state.StateEvent(schema.MatrixEventTypeMember, userID)
	if event == nil {
		return schema.MembershipLeave
	}
	var content schema.MemberContent
	if json.Unmarshal(event.Content, &content) != nil || content.Membership == "" {
		return schema.MembershipLeave
	}
	return content.Membership
}

func (room *roomContext) joinRule() schema.JoinRulesContent {
	event := room.state.StateEvent(schema.MatrixEventTypeJoinRules, "")
	if event == nil {
		return schema.JoinRulesContent{JoinRule: schema.JoinRuleInvite}
	}
	var content schema.JoinRulesContent
	if json.Unmarshal(event.Content, &content) != nil {
		return schema.JoinRulesContent{JoinRule: schema.JoinRuleInvite}
	}
	return content
}
