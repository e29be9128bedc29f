// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

func (room *roomContext) checkMember(event *pdu.PDU) error {
	if !event.IsState() {
		return deny(ReasonMalformed, "member event %s has no state_key", event.EventID)
	}
	var content schema.MemberContent
	if err := event.DecodeContent(&content); err != nil {
		return deny(ReasonMalformed, "member event %s: %v", event.EventID, err)
	}
	if content.Membership == "" {
		return deny(ReasonMalformed, "member event %s has no membership", event.EventID)
	}

	target := event.StateKeyValue()
	sender := event.Sender.String()

	switch content.Membership {
	case schema.MembershipJoin:
		return room.checkJoin(event, &content, sender, target)
	case schema.MembershipInvite:
		return room.checkInvite(event, &content, sender, target)
	case schema.MembershipLeave:
		return room.checkLeave(event, sender, target)
	case schema.MembershipBan:
		return room.checkBan(event, sender, target)
	case schema.MembershipKnock:
		if !room.rules.Knocking {
			return deny(ReasonMalformed, "room version %s does not support knocking", room.rules.ID)
		}
		return room.checkKnock(event, sender, target)
	default:
		return deny(ReasonMalformed, "member event %s has unknown membership %q", event.EventID, content.Membership)
	}
}

func (room *roomContext) checkJoin(event *pdu.PDU, content *schema.MemberContent, sender, target string) error {
	// The creator's own join directly after the create event.
	if len(event.PrevEvents) == 1 && event.PrevEvents[0] == room.create.EventID && target == room.creator {
		return nil
	}
	if sender != target {
		return deny(ReasonStateKey, "%s may not join on behalf of %s", sender, target)
	}

	current := room.membership(sender)
	if current == schema.MembershipBan {
		return deny(ReasonBanned, "%s is banned from %s", sender, event.RoomID)
	}

	joinRule := room.joinRule()
	switch joinRule.JoinRule {
	case schema.JoinRulePublic:
		return nil

	case schema.JoinRuleInvite:
		return joinedOrInvited(current, sender)

	case schema.JoinRuleKnock:
		if !room.rules.Knocking {
			break
		}
		return joinedOrInvited(current, sender)

	case schema.JoinRuleRestricted, schema.JoinRuleKnockRestricted:
		if joinRule.JoinRule == schema.JoinRuleRestricted && !room.rules.RestrictedJoins {
			break
		}
		if joinRule.JoinRule == schema.JoinRuleKnockRestricted && !room.rules.KnockRestricted {
			break
		}
		if current == schema.MembershipJoin || current == schema.MembershipInvite {
			return nil
		}
		authoriser := content.JoinAuthorisedViaUsersServer
		if authoriser == "" {
			return deny(ReasonJoinRule, "restricted join of %s names no authorising user", sender)
		}
		if room.membership(authoriser) != schema.MembershipJoin {
			return deny(ReasonJoinRule, "authorising user %s is not joined", authoriser)
		}
		if room.userLevel(authoriser) < room.inviteLevel() {
			return deny(ReasonPowerLevel, "authorising user %s may not invite", authoriser)
		}
		return nil
	}
	return deny(ReasonJoinRule, "join rule %q does not admit %s", joinRule.JoinRule, sender)
}

func joinedOrInvited(current, sender string) error {
	if current == schema.MembershipJoin || current == schema.MembershipInvite {
		return nil
	}
	return deny(ReasonJoinRule, "%s is not invited", sender)
}

func (room *roomContext) checkInvite(event *pdu.PDU, content *schema.MemberContent, sender, target string) error {
	targetMembership := room.membership(target)

	if content.ThirdPartyInvite != nil {
		if targetMembership == schema.MembershipBan {
			return deny(ReasonBanned, "%s is banned", target)
		}
		var signed thirdPartySigned
		if len(content.ThirdPartyInvite.Signed) == 0 || json.Unmarshal(content.ThirdPartyInvite.Signed, &signed) != nil {
			return deny(ReasonMalformed, "third-party invite %s has no signed block", event.EventID)
		}
		if signed.MXID != target {
			return deny(ReasonStateKey, "third-party invite %s is for %s, not %s", event.EventID, signed.MXID, target)
		}
		inviteEvent := room.state.StateEvent(schema.MatrixEventTypeThirdPartyInvite, signed.Token)
		if inviteEvent == nil {
			return deny(ReasonMembership, "no third-party invite with token %q", signed.Token)
		}
		if inviteEvent.Sender != event.Sender {
			return deny(ReasonMembership, "third-party invite token %q was issued by %s, not %s", signed.Token, inviteEvent.Sender, sender)
		}
		return nil
	}

	if room.membership(sender) != schema.MembershipJoin {
		return deny(ReasonMembership, "%s is not joined and may not invite", sender)
	}
	if targetMembership == schema.MembershipJoin || targetMembership == schema.MembershipBan {
		return deny(ReasonMembership, "%s cannot be invited while %s", target, targetMembership)
	}
	if senderLevel := room.userLevel(sender); senderLevel < room.inviteLevel() {
		return deny(ReasonPowerLevel, "%s (level %d) may not invite (needs %d)", sender, senderLevel, room.inviteLevel())
	}
	return nil
}

func (room *roomContext) checkLeave(event *pdu.PDU, sender, target string) error {
	targetMembership := room.membership(target)

	if sender == target {
		switch targetMembership {
		case schema.MembershipJoin, schema.MembershipInvite:
			return nil
		case schema.MembershipKnock:
			if room.rules.Knocking {
				return nil
			}
		}
		return deny(ReasonMembership, "%s cannot leave while %s", sender, targetMembership)
	}

	if room.membership(sender) != schema.MembershipJoin {
		return deny(ReasonMembership, "%s is not joined and may not kick", sender)
	}
	senderLevel := room.userLevel(sender)
	if targetMembership == schema.MembershipBan && senderLevel < room.banLevel() {
		return deny(ReasonPowerLevel, "%s (level %d) may not unban (needs %d)", sender, senderLevel, room.banLevel())
	}
	if senderLevel >= room.kickLevel() && room.userLevel(target) < senderLevel {
		return nil
	}
	return deny(ReasonPowerLevel, "%s (level %d) may not kick %s", sender, senderLevel, target)
}

func (room *roomContext) checkBan(event *pdu.PDU, sender, target string) error {
	if room.membership(sender) != schema.MembershipJoin {
		return deny(ReasonMembership, "%s is not joined and may not ban", sender)
	}
	senderLevel := room.userLevel(sender)
	if senderLevel >= room.banLevel() && room.userLevel(target) < senderLevel {
		return nil
	}
	return deny(ReasonPowerLevel, "%s (level %d) may not ban %s", sender, senderLevel, target)
}

func (room *roomContext) checkKnock(event *pdu.PDU, sender, target string) error {
	joinRule := room.joinRule().JoinRule
	knockable := joinRule == schema.JoinRuleKnock ||
		(joinRule == schema.JoinRuleKnockRestricted && room.rules.KnockRestricted)
	if !knockable {
		return deny(ReasonJoinRule, "join rule %q does not allow knocking", joinRule)
	}
	if sender != target {
		return deny(ReasonStateKey, "%s may not knock on behalf of %s", sender, target)
	}
	switch current := room.membership(sender); current {
	case schema.MembershipBan:
		return deny(ReasonBanned, "%s is banned", sender)
	case schema.MembershipInvite, schema.MembershipJoin:
		return deny(ReasonMembership, "%s cannot knock while %s", sender, current)
	}
	return nil
}
