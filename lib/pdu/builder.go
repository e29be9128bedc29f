// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Builder describes an event a local user wants to send. The timeline
// fills in everything else (prev_events, auth_events, depth, hashes,
// signatures, event ID).
type Builder struct {
	Type     ref.EventType
	Content  json.RawMessage
	StateKey *string
	Redacts  *ref.EventID

	// Timestamp overrides origin_server_ts (milliseconds). Zero means
	// the current time.
	Timestamp int64
}

// StateBuilder returns a builder for a state event with JSON-encoded
// content.
func StateBuilder(eventType ref.EventType, stateKey string, content any) (Builder, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return Builder{}, err
	}
	return Builder{Type: eventType, Content: data, StateKey: &stateKey}, nil
}

// MessageBuilder returns a builder for a non-state event with
// JSON-encoded content.
func MessageBuilder(eventType ref.EventType, content any) (Builder, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return Builder{}, err
	}
	return Builder{Type: eventType, Content: data}, nil
}
