// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// MaxPrevEvents caps the prev_events of a locally authored event.
const MaxPrevEvents = 20

// EventHashes is the "hashes" field of a PDU.
type EventHashes struct {
	SHA256 string `json:"sha256"`
}

// PDU is one room event. EventID is derived from the event's reference
// hash and is not part of the signed JSON in supported room versions.
type PDU struct {
	EventID        ref.EventID                  `json:"event_id"`
	RoomID         ref.RoomID                   `json:"room_id"`
	Sender         ref.UserID                   `json:"sender"`
	Origin         string                       `json:"origin,omitempty"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Type           ref.EventType                `json:"type"`
	Content        json.RawMessage              `json:"content"`
	StateKey       *string                      `json:"state_key,omitempty"`
	PrevEvents     []ref.EventID                `json:"prev_events"`
	AuthEvents     []ref.EventID                `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	Redacts        *ref.EventID                 `json:"redacts,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
	Hashes         EventHashes                  `json:"hashes"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
}

// FromValue builds the typed form of an event from its generic JSON
// object. The event ID is supplied by the caller (it is computed, not
// carried, in supported room versions) and overrides any "event_id"
// key present in value.
func FromValue(eventID ref.EventID, value map[string]any) (*PDU, error) {
	data, err := canonicaljson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", eventID, err)
	}
	var event PDU
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decoding event %s: %w", eventID, err)
	}
	if event.RoomID.IsZero() {
		return nil, fmt.Errorf("event %s has no room_id", eventID)
	}
	if event.Sender.IsZero() {
		return nil, fmt.Errorf("event %s has no sender", eventID)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event %s has no type", eventID)
	}
	if len(event.Content) == 0 {
		event.Content = json.RawMessage(`{}`)
	}
	event.EventID = eventID
	return &event, nil
}

// IsState reports whether the event carries a state_key.
func (event *PDU) IsState() bool { return event.StateKey != nil }

// StateKeyValue returns the state key, or "" for non-state events.
func (event *PDU) StateKeyValue() string {
	if event.StateKey == nil {
		return ""
	}
	return *event.StateKey
}

// TypeStateKey returns the (type, state_key) pair of a state event.
func (event *PDU) TypeStateKey() TypeStateKey {
	return TypeStateKey{Type: event.Type, StateKey: event.StateKeyValue()}
}

// SenderServer returns the server the sender belongs to.
func (event *PDU) SenderServer() ref.ServerName { return event.Sender.Server() }

// DecodeContent unmarshals the event content into target.
func (event *PDU) DecodeContent(target any) error {
	if err := json.Unmarshal(event.Content, target); err != nil {
		return fmt.Errorf("decoding %s content of %s: %w", event.Type, event.EventID, err)
	}
	return nil
}

// Membership returns content.membership of an m.room.member event, or
// "" for any other event or unparseable content.
func (event *PDU) Membership() string {
	if event.Type != schema.MatrixEventTypeMember {
		return ""
	}
	var content schema.MemberContent
	if json.Unmarshal(event.Content, &content) != nil {
		return ""
	}
	return content.Membership
}

// RedactsTarget returns the event a redaction targets, reading the
// top-level field before room version 11 and content.redacts from
// version 11 on. The second result is false for non-redactions and
// redactions without a valid target.
func (event *PDU) RedactsTarget(rules roomversion.Rules) (ref.EventID, bool) {
	if event.Type != schema.MatrixEventTypeRedaction {
		return ref.EventID{}, false
	}
	if !rules.RedactsInContent {
		if event.Redacts == nil || event.Redacts.IsZero() {
			return ref.EventID{}, false
		}
		return *event.Redacts, true
	}
	var content schema.RedactionContent
	if json.Unmarshal(event.Content, &content) != nil {
		return ref.EventID{}, false
	}
	target, err := ref.ParseEventID(content.Redacts)
	if err != nil {
		return ref.EventID{}, false
	}
	return target, true
}

// Body returns content.body of an m.room.message event.
func (event *PDU) Body() string {
	if event.Type != schema.MatrixEventTypeMessage {
		return ""
	}
	var content schema.MessageContent
	if json.Unmarshal(event.Content, &content) != nil {
		return ""
	}
	return content.Body
}

// PrevContent returns unsigned.prev_content when present.
func (event *PDU) PrevContent() json.RawMessage {
	if len(event.Unsigned) == 0 {
		return nil
	}
	var unsigned struct {
		PrevContent json.RawMessage `json:"prev_content"`
	}
	if json.Unmarshal(event.Unsigned, &unsigned) != nil {
		return nil
	}
	return unsigned.PrevContent
}
