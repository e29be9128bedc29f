// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomlock"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// AppendPDU makes an event part of the room timeline and performs the
// append side effects. leaves are the room's forward extremities after
// the event. The caller must have confirmed the event is new.
func (t *Timeline) AppendPDU(ctx context.Context, event *pdu.PDU, canonical []byte, leaves []ref.EventID, guard *roomlock.Guard) (pdu.Count, error) {
	if err := guard.Check(t.stateLocks, event.RoomID); err != nil {
		return pdu.Count{}, err
	}
	rules, err := t.state.RoomRules(ctx, event.RoomID)
	if err != nil {
		return pdu.Count{}, err
	}

	ticket := t.fence.Begin(event.RoomID)
	defer ticket.Settle()

	count, err := t.store.AppendPDU(ctx, event, canonical, false)
	if err != nil {
		return pdu.Count{}, fmt.Errorf("appending %s: %w", event.EventID, err)
	}
	if err := t.store.MarkReferenced(ctx, event.RoomID, event.PrevEvents); err != nil {
		return count, err
	}
	if err := t.store.SetForwardExtremities(ctx, event.RoomID, leaves); err != nil {
		return count, err
	}

	if t.isLocal(event.Sender) {
		if err := t.store.SetReadMarker(ctx, event.RoomID, event.Sender, count); err != nil {
			return count, err
		}
	}
	if err := t.notify(ctx, event, rules); err != nil {
		return count, err
	}
	if body := event.Body(); body != "" {
		if err := t.store.IndexMessage(ctx, event.RoomID, event.EventID, body); err != nil {
			return count, err
		}
	}
	if target, ok := event.RedactsTarget(rules); ok {
		if err := t.RedactPDU(ctx, target, event); err != nil {
			return count, err
		}
	}
	for _, relation := range event.Relations() {
		if err := t.store.AddRelation(ctx, event.EventID, relation); err != nil {
			return count, err
		}
	}
	if err := t.forwardToAppservices(ctx, event); err != nil {
		return count, err
	}

	t.logger.Debug("appended event",
		"room_id", event.RoomID,
		"event_id", event.EventID,
		"count", count,
		"ticket", ticket.Generation(),
	)
	return count, nil
}

// AppendIncomingPDU appends a federated event whose state has already
// been resolved and stored; roomStateHash becomes the room's current
// state after the append. A soft-failed event only updates the
// reference and extremity bookkeeping and gets no position.
func (t *Timeline) AppendIncomingPDU(ctx context.Context, event *pdu.PDU, canonical []byte, leaves []ref.EventID, roomStateHash uint64, softFail bool, guard *roomlock.Guard) (*pdu.Count, error) {
	if err := guard.Check(t.stateLocks, event.RoomID); err != nil {
		return nil, err
	}
	if softFail {
		if err := t.store.MarkReferenced(ctx, event.RoomID, event.PrevEvents); err != nil {
			return nil, err
		}
		if err := t.store.SetForwardExtremities(ctx, event.RoomID, leaves); err != nil {
			return nil, err
		}
		return nil, nil
	}

	count, err := t.AppendPDU(ctx, event, canonical, leaves, guard)
	if err != nil {
		return nil, err
	}
	if err := t.state.SetCurrentState(ctx, event.RoomID, roomStateHash); err != nil {
		return nil, err
	}
	return &count, nil
}

// notify counts notifications for local joined members other than the
// sender.
func (t *Timeline) notify(ctx context.Context, event *pdu.PDU, rules roomversion.Rules) error {
	members, err := t.state.JoinedMembers(ctx, event.RoomID)
	if err != nil {
		return err
	}
	// Invites reach users who are not members yet.
	if event.Type == schema.MatrixEventTypeMember && event.Membership() == schema.MembershipInvite {
		if target, err := ref.ParseUserID(event.StateKeyValue()); err == nil {
			members = append(members, target)
		}
	}

	powerLevels, err := t.state.PowerLevels(ctx, event.RoomID, rules)
	if err != nil {
		return err
	}
	room := PushContext{PowerLevels: powerLevels, MemberCount: len(members)}

	for _, member := range members {
		if member == event.Sender || !t.isLocal(member) {
			continue
		}
		action, err := t.push.Evaluate(ctx, event, member, room)
		if err != nil {
			t.logger.Warn("push evaluation failed",
				"room_id", event.RoomID,
				"event_id", event.EventID,
				"user_id", member,
				"error", err,
			)
			continue
		}
		if !action.Notify {
			continue
		}
		if err := t.store.IncrementNotificationCounts(ctx, event.RoomID, member, action.Highlight); err != nil {
			return err
		}
	}
	return nil
}

// forwardToAppservices queues the event for every interested
// registration.
func (t *Timeline) forwardToAppservices(ctx context.Context, event *pdu.PDU) error {
	if t.appservices == nil || t.appserviceQueue == nil || len(t.appservices.Registrations()) == 0 {
		return nil
	}
	aliases, err := t.store.LocalAliases(ctx, event.RoomID)
	if err != nil {
		return err
	}
	members, err := t.state.JoinedMembers(ctx, event.RoomID)
	if err != nil {
		return err
	}
	interested := t.appservices.Interested(event, aliases, members)
	if len(interested) == 0 {
		return nil
	}
	return t.appserviceQueue.Enqueue(ctx, interested, event)
}
