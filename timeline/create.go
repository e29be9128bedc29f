// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomlock"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// DefaultRoomVersion is used for rooms created without an explicit
// room_version.
const DefaultRoomVersion roomversion.ID = "10"

// unsignedPrevious is the unsigned block of a state event that
// replaces an earlier one.
type unsignedPrevious struct {
	PrevContent   json.RawMessage `json:"prev_content,omitempty"`
	PrevSender    string          `json:"prev_sender,omitempty"`
	ReplacesState string          `json:"replaces_state,omitempty"`
}

// roomRules returns the room's version rules. For a room that does not
// exist yet, a create event determines the version.
func (t *Timeline) roomRules(ctx context.Context, builder pdu.Builder, roomID ref.RoomID) (roomversion.Rules, bool, error) {
	rules, err := t.state.RoomRules(ctx, roomID)
	if err == nil {
		return rules, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) || builder.Type != schema.MatrixEventTypeCreate {
		return roomversion.Rules{}, false, fmt.Errorf("room %s: %w", roomID, err)
	}
	var content schema.CreateContent
	if err := json.Unmarshal(builder.Content, &content); err != nil {
		return roomversion.Rules{}, false, fmt.Errorf("create content: %w", err)
	}
	version := DefaultRoomVersion
	if content.RoomVersion != "" {
		version = roomversion.ID(content.RoomVersion)
	}
	rules, ok := roomversion.Lookup(version)
	if !ok {
		return roomversion.Rules{}, false, fmt.Errorf("unsupported room version %q", version)
	}
	return rules, true, nil
}

// CreateHashAndSignEvent builds a local event from builder: prev_events
// from the forward extremities, auth_events from the current state,
// depth, unsigned prev_content, content hash, signature and event ID.
// The event must pass authorization against the current state; a
// rejection wraps eventauth.ErrForbidden. It returns the event and its
// canonical JSON.
func (t *Timeline) CreateHashAndSignEvent(ctx context.Context, builder pdu.Builder, sender ref.UserID, roomID ref.RoomID, guard *roomlock.Guard) (*pdu.PDU, []byte, error) {
	if err := guard.Check(t.stateLocks, roomID); err != nil {
		return nil, nil, err
	}
	rules, _, err := t.roomRules(ctx, builder, roomID)
	if err != nil {
		return nil, nil, err
	}

	prevEvents, err := t.store.ForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading extremities of %s: %w", roomID, err)
	}
	if prevEvents == nil {
		prevEvents = []ref.EventID{}
	}
	if len(prevEvents) > pdu.MaxPrevEvents {
		prevEvents = prevEvents[:pdu.MaxPrevEvents]
	}
	var depth int64
	for _, prevID := range prevEvents {
		prev, err := t.store.GetPDU(ctx, prevID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading prev event %s: %w", prevID, err)
		}
		depth = max(depth, prev.Depth)
	}
	depth++

	state, err := t.state.CurrentState(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading state of %s: %w", roomID, err)
	}

	timestamp := builder.Timestamp
	if timestamp == 0 {
		timestamp = clock.UnixMillis(t.clock)
	}
	content := builder.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}

	candidate := &pdu.PDU{
		RoomID:         roomID,
		Sender:         sender,
		OriginServerTS: timestamp,
		Type:           builder.Type,
		Content:        content,
		StateKey:       builder.StateKey,
		PrevEvents:     prevEvents,
		AuthEvents:     []ref.EventID{},
		Depth:          depth,
	}
	if builder.Redacts != nil && !rules.RedactsInContent {
		candidate.Redacts = builder.Redacts
	}

	authState, err := t.state.AuthState(ctx, rules, state, candidate)
	if err != nil {
		return nil, nil, err
	}
	for _, authEvent := range authState {
		candidate.AuthEvents = append(candidate.AuthEvents, authEvent.EventID)
	}
	slices.SortFunc(candidate.AuthEvents, func(a, b ref.EventID) int {
		return cmp.Compare(a.String(), b.String())
	})

	if err := eventauth.Allowed(rules, candidate, authState); err != nil {
		return nil, nil, fmt.Errorf("%s by %s in %s: %w", builder.Type, sender, roomID, err)
	}

	if candidate.IsState() {
		previous, err := t.state.StateEvent(ctx, state, candidate.Type, candidate.StateKeyValue())
		if err != nil {
			return nil, nil, err
		}
		if previous != nil {
			candidate.Unsigned, err = json.Marshal(unsignedPrevious{
				PrevContent:   previous.Content,
				PrevSender:    previous.Sender.String(),
				ReplacesState: previous.EventID.String(),
			})
			if err != nil {
				return nil, nil, err
			}
		}
	}

	value, err := eventValue(candidate, builder, rules)
	if err != nil {
		return nil, nil, err
	}
	if err := signing.AddContentHash(rules, value); err != nil {
		return nil, nil, err
	}
	if err := signing.SignEvent(rules, value, t.serverName, t.keyPair); err != nil {
		return nil, nil, err
	}
	eventID, err := signing.EventIDFor(rules, value)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving event ID: %w", err)
	}
	value["event_id"] = eventID.String()

	canonical, err := canonicaljson.Marshal(value)
	if err != nil {
		return nil, nil, err
	}
	event, err := pdu.FromValue(eventID, value)
	if err != nil {
		return nil, nil, err
	}
	return event, canonical, nil
}

// eventValue converts the candidate to the generic JSON form that is
// hashed and signed.
func eventValue(candidate *pdu.PDU, builder pdu.Builder, rules roomversion.Rules) (map[string]any, error) {
	data, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	value, err := canonicaljson.Parse(data)
	if err != nil {
		return nil, err
	}
	// The event ID is derived, and empty hashes are filled in below.
	delete(value, "event_id")
	delete(value, "hashes")
	if len(candidate.Unsigned) == 0 {
		delete(value, "unsigned")
	}
	if builder.Redacts != nil && rules.RedactsInContent {
		content, _ := value["content"].(map[string]any)
		if content == nil {
			content = map[string]any{}
		}
		content["redacts"] = builder.Redacts.String()
		value["content"] = content
	}
	return value, nil
}

// BuildAndAppendPDU creates a local event, records the state before
// it, appends it and makes the state after it the room's current
// state. A create event registers the room first.
func (t *Timeline) BuildAndAppendPDU(ctx context.Context, builder pdu.Builder, sender ref.UserID, roomID ref.RoomID, guard *roomlock.Guard) (ref.EventID, error) {
	rules, creating, err := t.roomRules(ctx, builder, roomID)
	if err != nil {
		return ref.EventID{}, err
	}
	if creating {
		if _, err := t.store.CreateRoom(ctx, roomID, rules.ID); err != nil {
			return ref.EventID{}, err
		}
	}

	event, canonical, err := t.CreateHashAndSignEvent(ctx, builder, sender, roomID, guard)
	if err != nil {
		return ref.EventID{}, err
	}

	before, err := t.state.CurrentState(ctx, roomID)
	if err != nil {
		return ref.EventID{}, err
	}
	compressor := t.state.Compressor()
	beforeHash, err := compressor.SaveState(ctx, roomID, before)
	if err != nil {
		return ref.EventID{}, err
	}
	afterHash := beforeHash
	if event.IsState() {
		after := before.Clone()
		after[event.TypeStateKey()] = event.EventID
		if afterHash, err = compressor.SaveStateFrom(ctx, beforeHash, after); err != nil {
			return ref.EventID{}, err
		}
	}

	if _, err := t.AppendPDU(ctx, event, canonical, []ref.EventID{event.EventID}, guard); err != nil {
		return ref.EventID{}, err
	}
	// The event row exists only once it is appended.
	if err := t.store.SetEventStateHash(ctx, event.EventID, beforeHash); err != nil {
		return ref.EventID{}, err
	}
	if err := t.state.SetCurrentState(ctx, roomID, afterHash); err != nil {
		return ref.EventID{}, err
	}
	t.logger.Info("appended local event",
		"room_id", roomID,
		"event_id", event.EventID,
		"type", event.Type,
		"sender", sender,
	)
	return event.EventID, nil
}
