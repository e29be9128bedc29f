// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"slices"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// upgradeOutlierToTimeline takes a validated outlier onto the room
// timeline, or soft-fails it.
func (p *Pipeline) upgradeOutlierToTimeline(ctx context.Context, room roomContext, event *pdu.PDU, canonical []byte) (Outcome, error) {
	if count, ok, err := p.store.PDUCount(ctx, event.EventID); err != nil {
		return Outcome{}, err
	} else if ok {
		return accepted(count), nil
	}
	if softFailed, err := p.store.IsSoftFailed(ctx, event.EventID); err != nil {
		return Outcome{}, err
	} else if softFailed {
		return Outcome{Status: StatusSoftFailed}, nil
	}

	stateAtEvent, err := p.stateAtEvent(ctx, room, event)
	if err != nil {
		return Outcome{}, err
	}
	authState, err := p.state.AuthState(ctx, room.rules, stateAtEvent, event)
	if err != nil {
		return Outcome{}, err
	}
	if err := eventauth.Allowed(room.rules, event, authState); err != nil {
		return Outcome{}, newError(KindBadDatabase, event.EventID, room.origin, err, "rejected by the state before it")
	}

	guard, err := p.stateLocks.Lock(ctx, room.roomID)
	if err != nil {
		return Outcome{}, err
	}
	defer guard.Unlock()

	// Another transaction may have appended the event meanwhile.
	if count, ok, err := p.store.PDUCount(ctx, event.EventID); err != nil {
		return Outcome{}, err
	} else if ok {
		return accepted(count), nil
	}

	current, err := p.state.CurrentState(ctx, room.roomID)
	if err != nil {
		return Outcome{}, err
	}
	softFail, err := p.softFails(ctx, room, event, current)
	if err != nil {
		return Outcome{}, err
	}

	leaves, err := p.remainingExtremities(ctx, room.roomID, event)
	if err != nil {
		return Outcome{}, err
	}
	compressor := p.state.Compressor()
	stateHash, err := compressor.SaveState(ctx, room.roomID, stateAtEvent)
	if err != nil {
		return Outcome{}, err
	}
	if err := p.store.SetEventStateHash(ctx, event.EventID, stateHash); err != nil {
		return Outcome{}, err
	}

	if softFail {
		if _, err := p.timeline.AppendIncomingPDU(ctx, event, canonical, leaves, 0, true, guard); err != nil {
			return Outcome{}, err
		}
		if err := p.store.MarkSoftFailed(ctx, event.EventID); err != nil {
			return Outcome{}, err
		}
		p.logger.Warn("soft-failed event",
			"event_id", event.EventID,
			"room_id", room.roomID,
			"origin", room.origin,
			"sender", event.Sender,
		)
		return Outcome{Status: StatusSoftFailed}, nil
	}

	roomStateHash, err := p.state.CurrentStateHash(ctx, room.roomID)
	if err != nil {
		return Outcome{}, err
	}
	if event.IsState() {
		after := stateAtEvent.Clone()
		after[event.TypeStateKey()] = event.EventID
		resolved, err := p.state.ResolveForks(ctx, room.roomID, room.rules, []pdu.StateMap{current, after})
		if err != nil {
			return Outcome{}, err
		}
		if roomStateHash, err = compressor.SaveState(ctx, room.roomID, resolved); err != nil {
			return Outcome{}, err
		}
	}

	leaves = append(leaves, event.EventID)
	position, err := p.timeline.AppendIncomingPDU(ctx, event, canonical, leaves, roomStateHash, false, guard)
	if err != nil {
		return Outcome{}, err
	}
	p.logger.Info("accepted event",
		"event_id", event.EventID,
		"room_id", room.roomID,
		"origin", room.origin,
		"position", *position,
	)
	return accepted(*position), nil
}

// softFails reports whether the event is rejected by the room's current
// state, or is a redaction its sender may not issue.
func (p *Pipeline) softFails(ctx context.Context, room roomContext, event *pdu.PDU, current pdu.StateMap) (bool, error) {
	authState, err := p.state.AuthState(ctx, room.rules, current, event)
	if err != nil {
		return false, err
	}
	if err := eventauth.Allowed(room.rules, event, authState); err != nil {
		p.logger.Info("event not allowed by current state", "event_id", event.EventID, "error", err)
		return true, nil
	}
	target, ok := event.RedactsTarget(room.rules)
	if !ok {
		return false, nil
	}
	allowed, err := p.canRedact(ctx, room, event, target, authState)
	return !allowed, err
}

// canRedact applies the redaction power check: senders with the redact
// level may redact anything, everyone else only their own events.
func (p *Pipeline) canRedact(ctx context.Context, room roomContext, redaction *pdu.PDU, target ref.EventID, authState eventauth.StateEvents) (bool, error) {
	if powerEvent := authState.StateEvent(schema.MatrixEventTypePowerLevels, ""); powerEvent != nil {
		powerLevels, err := schema.DecodePowerLevels(powerEvent.Content, room.rules.IntegerPowerLevels)
		if err != nil {
			return false, nil
		}
		if powerLevels.UserLevel(redaction.Sender.String()) >= powerLevels.RedactLevel() {
			return true, nil
		}
	} else if redaction.Sender == room.create.Sender {
		return true, nil
	}

	targetEvent, err := p.store.GetPDU(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return targetEvent.Sender == redaction.Sender, nil
}

// remainingExtremities returns the room's forward extremities that
// the event does not supersede.
func (p *Pipeline) remainingExtremities(ctx context.Context, roomID ref.RoomID, event *pdu.PDU) ([]ref.EventID, error) {
	extremities, err := p.store.ForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, err
	}
	leaves := make([]ref.EventID, 0, len(extremities))
	for _, eventID := range extremities {
		if slices.Contains(event.PrevEvents, eventID) {
			continue
		}
		referenced, err := p.store.IsReferenced(ctx, roomID, eventID)
		if err != nil {
			return nil, err
		}
		if !referenced {
			leaves = append(leaves, eventID)
		}
	}
	return leaves, nil
}

// stateAtEvent computes the room state before the event: the state
// after its single parent, the resolution of its parents' states, or
// the origin's answer when a parent's state is unknown.
func (p *Pipeline) stateAtEvent(ctx context.Context, room roomContext, event *pdu.PDU) (pdu.StateMap, error) {
	forks := make([]pdu.StateMap, 0, len(event.PrevEvents))
	for _, prevID := range event.PrevEvents {
		state, ok, err := p.stateAfter(ctx, prevID)
		if err != nil {
			return nil, err
		}
		if !ok {
			forks = nil
			break
		}
		forks = append(forks, state)
	}
	switch len(forks) {
	case 0:
		return p.fetchRemoteState(ctx, room, event)
	case 1:
		return forks[0], nil
	default:
		return p.state.ResolveForks(ctx, room.roomID, room.rules, forks)
	}
}

// stateAfter returns the state after a stored event, and false when
// the event or the state before it is unknown.
func (p *Pipeline) stateAfter(ctx context.Context, eventID ref.EventID) (pdu.StateMap, bool, error) {
	event, err := p.store.GetPDU(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	state, err := p.state.StateAfterEvent(ctx, event)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// fetchRemoteState asks the origin for the state before the event and
// validates every event it names.
func (p *Pipeline) fetchRemoteState(ctx context.Context, room roomContext, event *pdu.PDU) (pdu.StateMap, error) {
	response, err := p.federation.GetStateIDs(ctx, room.origin, room.roomID, event.EventID)
	if err != nil {
		kind := KindInvalid
		if federation.IsTransient(err) {
			kind = KindTransient
		}
		return nil, newError(kind, event.EventID, room.origin, err, "fetching state")
	}
	p.logger.Info("fetched remote state",
		"event_id", event.EventID,
		"origin", room.origin,
		"state", len(response.PDUIDs),
		"auth_chain", len(response.AuthChainIDs),
	)
	p.fetchAndHandleOutliers(ctx, room, response.AuthChainIDs)
	stateEvents := p.fetchAndHandleOutliers(ctx, room, response.PDUIDs)

	state := make(pdu.StateMap, len(stateEvents))
	for _, stateEvent := range stateEvents {
		if !stateEvent.IsState() {
			return nil, newError(KindInvalid, event.EventID, room.origin, nil, "remote state lists non-state event %s", stateEvent.EventID)
		}
		key := stateEvent.TypeStateKey()
		if existing, duplicate := state[key]; duplicate && existing != stateEvent.EventID {
			return nil, newError(KindInvalid, event.EventID, room.origin, nil, "remote state fills %s twice", key)
		}
		state[key] = stateEvent.EventID
	}
	create, ok := state.Get(schema.MatrixEventTypeCreate, "")
	if !ok || create != room.create.EventID {
		return nil, newError(KindInvalid, event.EventID, room.origin, nil, "remote state has a different create event")
	}
	return state, nil
}
