// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"sort"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// TypeStateKey is the (event type, state key) pair that addresses one
// slot of room state.
type TypeStateKey struct {
	Type     ref.EventType
	StateKey string
}

func (key TypeStateKey) String() string {
	return string(key.Type) + "|" + key.StateKey
}

// StateMap is a room state snapshot: one event per occupied slot.
type StateMap map[TypeStateKey]ref.EventID

// Clone returns an independent copy.
func (state StateMap) Clone() StateMap {
	cloned := make(StateMap, len(state))
	for key, eventID := range state {
		cloned[key] = eventID
	}
	return cloned
}

// Get returns the event occupying (eventType, stateKey).
func (state StateMap) Get(eventType ref.EventType, stateKey string) (ref.EventID, bool) {
	eventID, ok := state[TypeStateKey{Type: eventType, StateKey: stateKey}]
	return eventID, ok
}

// EventIDs returns the event IDs in the snapshot, sorted.
func (state StateMap) EventIDs() []ref.EventID {
	ids := make([]ref.EventID, 0, len(state))
	for _, eventID := range state {
		ids = append(ids, eventID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Equal reports whether two snapshots hold the same slots and events.
func (state StateMap) Equal(other StateMap) bool {
	if len(state) != len(other) {
		return false
	}
	for key, eventID := range state {
		if otherID, ok := other[key]; !ok || otherID != eventID {
			return false
		}
	}
	return true
}
