// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:remote.example"
)

// dag is an in-memory event store that builds events with correct
// auth_events for a given state.
type dag struct {
	t      *testing.T
	rules  roomversion.Rules
	roomID ref.RoomID
	events map[ref.EventID]*pdu.PDU
	serial int
	// last is the most recently built event, cited as the next
	// event's prev_events.
	last ref.EventID
}

func newDAG(t *testing.T) *dag {
	return &dag{
		t:      t,
		rules:  roomversion.MustLookup("10"),
		roomID: ref.MustParseRoomID("!room:example.org"),
		events: make(map[ref.EventID]*pdu.PDU),
	}
}

func (d *dag) LoadEvent(_ context.Context, eventID ref.EventID) (*pdu.PDU, error) {
	return d.events[eventID], nil
}

// send builds a state event authorized against state and returns the
// event with the state that follows it.
func (d *dag) send(state pdu.StateMap, sender string, eventType ref.EventType, stateKey string, content any) (*pdu.PDU, pdu.StateMap) {
	d.t.Helper()
	encoded, err := json.Marshal(content)
	if err != nil {
		d.t.Fatalf("encoding content: %v", err)
	}
	d.serial++
	event := &pdu.PDU{
		EventID:        ref.MustParseEventID(fmt.Sprintf("$event%03d", d.serial)),
		RoomID:         d.roomID,
		Sender:         ref.MustParseUserID(sender),
		OriginServerTS: int64(1000 + d.serial),
		Type:           eventType,
		Content:        encoded,
		StateKey:       &stateKey,
		Depth:          int64(d.serial),
		PrevEvents:     []ref.EventID{},
	}
	if !d.last.IsZero() {
		event.PrevEvents = []ref.EventID{d.last}
	}

	authState := make(eventauth.StateEvents)
	if eventType != schema.MatrixEventTypeCreate {
		for _, key := range eventauth.AuthTypesForEvent(d.rules, eventType, &stateKey, event.Sender, encoded) {
			if eventID, ok := state[key]; ok {
				event.AuthEvents = append(event.AuthEvents, eventID)
				authState[key] = d.events[eventID]
			}
		}
	}
	if err := eventauth.Allowed(d.rules, event, authState); err != nil {
		d.t.Fatalf("building %s %s: %v", eventType, stateKey, err)
	}
	d.events[event.EventID] = event
	d.last = event.EventID

	next := state.Clone()
	next[event.TypeStateKey()] = event.EventID
	return event, next
}

// authChain collects the auth ancestors of every event in state.
func (d *dag) authChain(state pdu.StateMap) AuthChain {
	chain := make(AuthChain)
	pending := state.EventIDs()
	for len(pending) > 0 {
		eventID := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		event := d.events[eventID]
		if event == nil {
			continue
		}
		for _, authID := range event.AuthEvents {
			if _, seen := chain[authID]; !seen {
				chain[authID] = struct{}{}
				pending = append(pending, authID)
			}
		}
	}
	return chain
}

func (d *dag) resolve(forks ...pdu.StateMap) pdu.StateMap {
	d.t.Helper()
	chains := make([]AuthChain, len(forks))
	for i, fork := range forks {
		chains[i] = d.authChain(fork)
	}
	resolved, err := Resolve(context.Background(), d.rules, forks, chains, d)
	if err != nil {
		d.t.Fatalf("Resolve: %v", err)
	}
	return resolved
}

// baseRoom creates a public room that alice (100) and bob (50) have
// joined, with state events needing 50.
func baseRoom(d *dag) pdu.StateMap {
	state := pdu.StateMap{}
	_, state = d.send(state, alice, schema.MatrixEventTypeCreate, "", map[string]any{"creator": alice, "room_version": "10"})
	_, state = d.send(state, alice, schema.MatrixEventTypeMember, alice, map[string]any{"membership": "join"})
	powerLevels := schema.InitialPowerLevels(alice)
	powerLevels.SetUserLevel(bob, 50)
	_, state = d.send(state, alice, schema.MatrixEventTypePowerLevels, "", powerLevels)
	_, state = d.send(state, alice, schema.MatrixEventTypeJoinRules, "", map[string]any{"join_rule": "public"})
	_, state = d.send(state, bob, schema.MatrixEventTypeMember, bob, map[string]any{"membership": "join"})
	return state
}

func TestResolveTrivialInputs(t *testing.T) {
	t.Parallel()
	d := newDAG(t)
	base := baseRoom(d)

	if resolved := d.resolve(); len(resolved) != 0 {
		t.Errorf("no forks resolved to %v", resolved)
	}
	if resolved := d.resolve(base); !resolved.Equal(base) {
		t.Errorf("single fork resolved to %v, want %v", resolved, base)
	}
	if resolved := d.resolve(base, base.Clone()); !resolved.Equal(base) {
		t.Errorf("identical forks resolved to %v, want %v", resolved, base)
	}

	if _, err := Resolve(context.Background(), d.rules, []pdu.StateMap{base}, nil, d); err == nil {
		t.Error("mismatched auth chains accepted")
	}
}

func TestResolveBanBeatsConcurrentTopic(t *testing.T) {
	t.Parallel()
	d := newDAG(t)
	base := baseRoom(d)
	bobJoin, _ := base.Get(schema.MatrixEventTypeMember, bob)

	ban, banned := d.send(base, alice, schema.MatrixEventTypeMember, bob, map[string]any{"membership": "ban"})
	_, topicked := d.send(base, bob, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "bob was here"})

	for _, order := range [][]pdu.StateMap{{banned, topicked}, {topicked, banned}} {
		resolved := d.resolve(order...)
		if got, _ := resolved.Get(schema.MatrixEventTypeMember, bob); got != ban.EventID {
			t.Errorf("bob's membership = %s, want the ban %s (join was %s)", got, ban.EventID, bobJoin)
		}
		if topic, ok := resolved.Get(schema.MatrixEventTypeTopic, ""); ok {
			t.Errorf("topic %s from a banned user survived resolution", topic)
		}
	}
}

func TestResolvePowerLevelsChangeRejectsTopic(t *testing.T) {
	t.Parallel()
	d := newDAG(t)
	base := baseRoom(d)

	stricter := schema.InitialPowerLevels(alice)
	stricter.SetUserLevel(bob, 50)
	stricter.SetEventLevel(string(schema.MatrixEventTypeTopic), 100)
	newLevels, raised := d.send(base, alice, schema.MatrixEventTypePowerLevels, "", stricter)
	_, topicked := d.send(base, bob, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "sneaky"})

	resolved := d.resolve(raised, topicked)
	if got, _ := resolved.Get(schema.MatrixEventTypePowerLevels, ""); got != newLevels.EventID {
		t.Errorf("power levels = %s, want %s", got, newLevels.EventID)
	}
	if topic, ok := resolved.Get(schema.MatrixEventTypeTopic, ""); ok {
		t.Errorf("topic %s survived a power levels change that forbids it", topic)
	}
}

func TestResolveLaterTopicWins(t *testing.T) {
	t.Parallel()
	d := newDAG(t)
	base := baseRoom(d)

	first, firstState := d.send(base, alice, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "one"})
	second, secondState := d.send(base, bob, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "two"})

	resolved := d.resolve(secondState, firstState)
	if got, _ := resolved.Get(schema.MatrixEventTypeTopic, ""); got != second.EventID {
		t.Errorf("topic = %s, want the later %s", got, second.EventID)
	}

	// Timestamps outrank event IDs.
	first.OriginServerTS = second.OriginServerTS + 1
	resolved = d.resolve(secondState, firstState)
	if got, _ := resolved.Get(schema.MatrixEventTypeTopic, ""); got != first.EventID {
		t.Errorf("topic = %s, want the re-timestamped %s", got, first.EventID)
	}
}

func TestResolveKeepsUnconflictedState(t *testing.T) {
	t.Parallel()
	d := newDAG(t)
	base := baseRoom(d)

	name, named := d.send(base, alice, schema.MatrixEventTypeName, "", map[string]any{"name": "Room"})
	_, forkA := d.send(named, alice, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "a"})
	_, forkB := d.send(named, bob, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "b"})

	resolved := d.resolve(forkA, forkB)
	if got, _ := resolved.Get(schema.MatrixEventTypeName, ""); got != name.EventID {
		t.Errorf("name = %s, want %s", got, name.EventID)
	}
	for key, eventID := range base {
		if resolved[key] != eventID {
			t.Errorf("%s = %s, want unchanged %s", key, resolved[key], eventID)
		}
	}
}

func TestResolveSkipsUnknownEvents(t *testing.T) {
	t.Parallel()
	d := newDAG(t)
	base := baseRoom(d)

	topic, topicked := d.send(base, alice, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "known"})
	ghost := base.Clone()
	ghost[pdu.TypeStateKey{Type: schema.MatrixEventTypeTopic}] = ref.MustParseEventID("$never-stored")

	resolved := d.resolve(topicked, ghost)
	if got, _ := resolved.Get(schema.MatrixEventTypeTopic, ""); got != topic.EventID {
		t.Errorf("topic = %s, want %s", got, topic.EventID)
	}
}

func TestIsPowerEvent(t *testing.T) {
	t.Parallel()
	d := newDAG(t)
	base := baseRoom(d)
	kick, _ := d.send(base, alice, schema.MatrixEventTypeMember, bob, map[string]any{"membership": "leave"})
	leave, _ := d.send(base, bob, schema.MatrixEventTypeMember, bob, map[string]any{"membership": "leave"})
	topic, _ := d.send(base, alice, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "t"})
	powerLevels, _ := base.Get(schema.MatrixEventTypePowerLevels, "")
	joinRules, _ := base.Get(schema.MatrixEventTypeJoinRules, "")
	create, _ := base.Get(schema.MatrixEventTypeCreate, "")

	tests := []struct {
		name  string
		event *pdu.PDU
		want  bool
	}{
		{"create", d.events[create], true},
		{"power levels", d.events[powerLevels], true},
		{"join rules", d.events[joinRules], true},
		{"kick", kick, true},
		{"own leave", leave, false},
		{"topic", topic, false},
	}
	for _, test := range tests {
		if got := isPowerEvent(test.event); got != test.want {
			t.Errorf("%s: isPowerEvent = %v, want %v", test.name, got, test.want)
		}
	}
}
