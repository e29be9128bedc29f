// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"cmp"
	"container/heap"
	"context"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// powerSortKey orders events that are ready in the topological sort.
type powerSortKey struct {
	eventID        ref.EventID
	senderLevel    schema.Level
	originServerTS int64
}

func comparePowerSortKeys(a, b powerSortKey) int {
	if c := cmp.Compare(b.senderLevel, a.senderLevel); c != 0 {
		return c
	}
	if c := cmp.Compare(a.originServerTS, b.originServerTS); c != 0 {
		return c
	}
	return cmp.Compare(a.eventID.String(), b.eventID.String())
}

type readyQueue []powerSortKey

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return comparePowerSortKeys(q[i], q[j]) < 0 }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(powerSortKey)) }
func (q *readyQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	*q = old[:len(old)-1]
	return last
}

// reverseTopologicalPowerSort orders powerEvents together with their
// auth ancestors inside fullConflicted so that every event follows the
// events it cites, breaking ties by higher sender level, earlier
// timestamp, then event ID.
func (r *resolver) reverseTopologicalPowerSort(ctx context.Context, powerEvents []ref.EventID, fullConflicted map[ref.EventID]struct{}) ([]ref.EventID, error) {
	// graph[e] is the set of e's auth events inside the conflicted set.
	graph := make(map[ref.EventID][]ref.EventID)
	for _, eventID := range powerEvents {
		if err := r.addAuthGraph(ctx, graph, eventID, fullConflicted); err != nil {
			return nil, err
		}
	}

	outstanding := make(map[ref.EventID]int, len(graph))
	children := make(map[ref.EventID][]ref.EventID)
	for eventID, authIDs := range graph {
		outstanding[eventID] = len(authIDs)
		for _, authID := range authIDs {
			children[authID] = append(children[authID], eventID)
		}
	}

	ready := &readyQueue{}
	for eventID, count := range outstanding {
		if count != 0 {
			continue
		}
		key, err := r.powerSortKey(ctx, eventID)
		if err != nil {
			return nil, err
		}
		heap.Push(ready, key)
	}

	sorted := make([]ref.EventID, 0, len(graph))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(powerSortKey)
		sorted = append(sorted, next.eventID)
		for _, child := range children[next.eventID] {
			outstanding[child]--
			if outstanding[child] == 0 {
				key, err := r.powerSortKey(ctx, child)
				if err != nil {
					return nil, err
				}
				heap.Push(ready, key)
			}
		}
	}
	return sorted, nil
}

// addAuthGraph walks auth_events from eventID, following only edges
// into fullConflicted.
func (r *resolver) addAuthGraph(ctx context.Context, graph map[ref.EventID][]ref.EventID, eventID ref.EventID, fullConflicted map[ref.EventID]struct{}) error {
	pending := []ref.EventID{eventID}
	for len(pending) > 0 {
		current := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, visited := graph[current]; visited {
			continue
		}
		graph[current] = []ref.EventID{}

		event, err := r.event(ctx, current)
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		for _, authID := range event.AuthEvents {
			if _, ok := fullConflicted[authID]; !ok {
				continue
			}
			graph[current] = append(graph[current], authID)
			if _, visited := graph[authID]; !visited {
				pending = append(pending, authID)
			}
		}
	}
	return nil
}

func (r *resolver) powerSortKey(ctx context.Context, eventID ref.EventID) (powerSortKey, error) {
	event, err := r.event(ctx, eventID)
	if err != nil {
		return powerSortKey{}, err
	}
	if event == nil {
		return powerSortKey{eventID: eventID}, nil
	}
	level, err := r.senderLevel(ctx, event)
	if err != nil {
		return powerSortKey{}, err
	}
	return powerSortKey{eventID: eventID, senderLevel: level, originServerTS: event.OriginServerTS}, nil
}

// senderLevel is the sender's power level according to the event's own
// auth events. Without a power levels event the room creator has 100.
func (r *resolver) senderLevel(ctx context.Context, event *pdu.PDU) (schema.Level, error) {
	var createEvent *pdu.PDU
	for _, authID := range event.AuthEvents {
		authEvent, err := r.event(ctx, authID)
		if err != nil {
			return 0, err
		}
		if authEvent == nil || !authEvent.IsState() || authEvent.StateKeyValue() != "" {
			continue
		}
		switch authEvent.Type {
		case schema.MatrixEventTypePowerLevels:
			powerLevels, err := schema.DecodePowerLevels(authEvent.Content, r.rules.IntegerPowerLevels)
			if err != nil {
				return 0, nil
			}
			return powerLevels.UserLevel(event.Sender.String()), nil
		case schema.MatrixEventTypeCreate:
			createEvent = authEvent
		}
	}
	if createEvent == nil {
		return 0, nil
	}
	creator := createEvent.Sender.String()
	if !r.rules.ImplicitRoomCreator {
		var content schema.CreateContent
		if err := createEvent.DecodeContent(&content); err != nil {
			return 0, nil
		}
		creator = content.Creator
	}
	if creator == event.Sender.String() {
		return 100, nil
	}
	return 0, nil
}

// powerLevelsAuthEvent returns the power levels event among the
// event's auth events, or the zero ID.
func (r *resolver) powerLevelsAuthEvent(ctx context.Context, event *pdu.PDU) (ref.EventID, error) {
	for _, authID := range event.AuthEvents {
		authEvent, err := r.event(ctx, authID)
		if err != nil {
			return ref.EventID{}, err
		}
		if authEvent != nil && authEvent.Type == schema.MatrixEventTypePowerLevels && authEvent.IsState() && authEvent.StateKeyValue() == "" {
			return authID, nil
		}
	}
	return ref.EventID{}, nil
}

type mainlineSortKey struct {
	eventID        ref.EventID
	mainlineDepth  int
	originServerTS int64
}

// mainlineSort orders events by how close their power levels ancestry
// comes to the start of the mainline, the chain of power levels events
// reached from powerLevelsID through auth_events.
func (r *resolver) mainlineSort(ctx context.Context, eventIDs []ref.EventID, powerLevelsID ref.EventID) ([]ref.EventID, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	var mainline []ref.EventID
	for current := powerLevelsID; !current.IsZero(); {
		mainline = append(mainline, current)
		event, err := r.event(ctx, current)
		if err != nil {
			return nil, err
		}
		if event == nil {
			break
		}
		if current, err = r.powerLevelsAuthEvent(ctx, event); err != nil {
			return nil, err
		}
	}
	// The oldest power levels event has position 1; events not
	// descending from the mainline get 0.
	position := make(map[ref.EventID]int, len(mainline))
	for i, eventID := range mainline {
		position[eventID] = len(mainline) - i
	}

	keys := make([]mainlineSortKey, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		event, err := r.event(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			continue
		}
		depth, err := r.mainlineDepth(ctx, event, position)
		if err != nil {
			return nil, err
		}
		keys = append(keys, mainlineSortKey{eventID: eventID, mainlineDepth: depth, originServerTS: event.OriginServerTS})
	}

	slices.SortFunc(keys, func(a, b mainlineSortKey) int {
		if c := cmp.Compare(a.mainlineDepth, b.mainlineDepth); c != 0 {
			return c
		}
		if c := cmp.Compare(a.originServerTS, b.originServerTS); c != 0 {
			return c
		}
		return cmp.Compare(a.eventID.String(), b.eventID.String())
	})

	sorted := make([]ref.EventID, len(keys))
	for i, key := range keys {
		sorted[i] = key.eventID
	}
	return sorted, nil
}

func (r *resolver) mainlineDepth(ctx context.Context, event *pdu.PDU, position map[ref.EventID]int) (int, error) {
	seen := make(map[ref.EventID]struct{})
	for event != nil {
		if depth, ok := position[event.EventID]; ok {
			return depth, nil
		}
		if _, loop := seen[event.EventID]; loop {
			return 0, nil
		}
		seen[event.EventID] = struct{}{}

		powerLevelsID, err := r.powerLevelsAuthEvent(ctx, event)
		if err != nil {
			return 0, err
		}
		if powerLevelsID.IsZero() {
			return 0, nil
		}
		if event, err = r.event(ctx, powerLevelsID); err != nil {
			return 0, err
		}
	}
	return 0, nil
}
