// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/statecompressor"
	"github.com/bureau-foundation/roomserver/lib/store"
	"github.com/bureau-foundation/roomserver/lib/store/sqlitestore"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:remote.example"
)

var testRoom = ref.MustParseRoomID("!room:example.org")

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *sqlitestore.Store
	service *Service
	rules   roomversion.Rules
	serial  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlitestore.Open(sqlitestore.Config{
		Path:   filepath.Join(t.TempDir(), "rooms.db"),
		Logger: testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if _, err := s.CreateRoom(ctx, testRoom, "10"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return &fixture{
		t:     t,
		ctx:   ctx,
		store: s,
		service: New(Config{
			Store:      s,
			Compressor: statecompressor.New(s, testutil.Logger(t)),
			Logger:     testutil.Logger(t),
			Clock:      clock.Fake(time.Unix(1_700_000_000, 0)),
		}),
		rules: roomversion.MustLookup("10"),
	}
}

// send stores a state event authorized by state and returns it with
// the following state.
func (f *fixture) send(state pdu.StateMap, sender string, eventType ref.EventType, stateKey string, content any) (*pdu.PDU, pdu.StateMap) {
	f.t.Helper()
	encoded, err := json.Marshal(content)
	if err != nil {
		f.t.Fatal(err)
	}
	f.serial++
	event := &pdu.PDU{
		EventID:        ref.MustParseEventID(fmt.Sprintf("$event%03d", f.serial)),
		RoomID:         testRoom,
		Sender:         ref.MustParseUserID(sender),
		OriginServerTS: int64(1000 + f.serial),
		Type:           eventType,
		Content:        encoded,
		StateKey:       &stateKey,
		Depth:          int64(f.serial),
	}
	if eventType != schema.MatrixEventTypeCreate {
		for _, key := range eventauth.AuthTypesForEvent(f.rules, eventType, &stateKey, event.Sender, encoded) {
			if eventID, ok := state[key]; ok {
				event.AuthEvents = append(event.AuthEvents, eventID)
			}
		}
	}
	canonical, _ := json.Marshal(event)
	if err := f.store.AddOutlier(f.ctx, event, canonical); err != nil {
		f.t.Fatalf("AddOutlier: %v", err)
	}
	next := state.Clone()
	next[event.TypeStateKey()] = event.EventID
	return event, next
}

func (f *fixture) setCurrent(state pdu.StateMap) {
	f.t.Helper()
	hash, err := f.service.Compressor().SaveState(f.ctx, testRoom, state)
	if err != nil {
		f.t.Fatalf("SaveState: %v", err)
	}
	if err := f.service.SetCurrentState(f.ctx, testRoom, hash); err != nil {
		f.t.Fatalf("SetCurrentState: %v", err)
	}
}

func (f *fixture) baseRoom() pdu.StateMap {
	f.t.Helper()
	state := pdu.StateMap{}
	_, state = f.send(state, alice, schema.MatrixEventTypeCreate, "", map[string]any{"creator": alice, "room_version": "10"})
	_, state = f.send(state, alice, schema.MatrixEventTypeMember, alice, map[string]any{"membership": "join"})
	powerLevels := schema.InitialPowerLevels(alice)
	powerLevels.SetUserLevel(bob, 50)
	_, state = f.send(state, alice, schema.MatrixEventTypePowerLevels, "", powerLevels)
	_, state = f.send(state, alice, schema.MatrixEventTypeJoinRules, "", map[string]any{"join_rule": "public"})
	_, state = f.send(state, bob, schema.MatrixEventTypeMember, bob, map[string]any{"membership": "join"})
	return state
}

func TestEmptyRoom(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	state, err := f.service.CurrentState(f.ctx, testRoom)
	if err != nil || len(state) != 0 {
		t.Fatalf("CurrentState = %v, %v; want empty", state, err)
	}
	if _, err := f.service.CreateEvent(f.ctx, testRoom); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("CreateEvent error = %v, want ErrNotFound", err)
	}
	membership, err := f.service.Membership(f.ctx, testRoom, ref.MustParseUserID(alice))
	if err != nil || membership != schema.MembershipLeave {
		t.Errorf("Membership = %q, %v; want leave", membership, err)
	}
	if _, err := f.service.RoomRules(f.ctx, ref.MustParseRoomID("!unknown:example.org")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RoomRules for unknown room: %v", err)
	}
}

func TestCurrentStateViews(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	state := f.baseRoom()
	_, state = f.send(state, alice, schema.MatrixEventTypeServerACL, "", map[string]any{"allow": []string{"*"}, "deny": []string{"evil.example"}})
	_, state = f.send(state, alice, schema.MatrixEventTypeMember, "@carol:third.example", map[string]any{"membership": "invite"})
	f.setCurrent(state)

	create, err := f.service.CreateEvent(f.ctx, testRoom)
	if err != nil || create.Sender.String() != alice {
		t.Fatalf("CreateEvent = %v, %v", create, err)
	}
	disabled, err := f.service.FederationDisabled(f.ctx, testRoom)
	if err != nil || disabled {
		t.Errorf("FederationDisabled = %v, %v", disabled, err)
	}

	powerLevels, err := f.service.PowerLevels(f.ctx, testRoom, f.rules)
	if err != nil || powerLevels.UserLevel(bob) != 50 {
		t.Errorf("PowerLevels = %+v, %v", powerLevels, err)
	}

	for server, want := range map[string]bool{"remote.example": true, "evil.example": false} {
		allowed, err := f.service.ServerAllowed(f.ctx, testRoom, ref.MustParseServerName(server))
		if err != nil || allowed != want {
			t.Errorf("ServerAllowed(%s) = %v, %v; want %v", server, allowed, err, want)
		}
	}

	members, err := f.service.JoinedMembers(f.ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].String() != alice || members[1].String() != bob {
		t.Errorf("JoinedMembers = %v, want alice and bob (carol is only invited)", members)
	}
	servers, err := f.service.ServersInRoom(f.ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 2 || servers[0].String() != "example.org" || servers[1].String() != "remote.example" {
		t.Errorf("ServersInRoom = %v", servers)
	}
}

func TestFederationDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	state := pdu.StateMap{}
	_, state = f.send(state, alice, schema.MatrixEventTypeCreate, "", map[string]any{"creator": alice, "m.federate": false})
	f.setCurrent(state)

	disabled, err := f.service.FederationDisabled(f.ctx, testRoom)
	if err != nil || !disabled {
		t.Errorf("FederationDisabled = %v, %v; want true", disabled, err)
	}
}

func TestStateBeforeAndAfterEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	base := f.baseRoom()
	topic, _ := f.send(base, alice, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "hi"})

	hash, err := f.service.Compressor().SaveState(f.ctx, testRoom, base)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetEventStateHash(f.ctx, topic.EventID, hash); err != nil {
		t.Fatal(err)
	}

	before, err := f.service.StateBeforeEvent(f.ctx, topic.EventID)
	if err != nil || !before.Equal(base) {
		t.Fatalf("StateBeforeEvent = %v, %v", before, err)
	}
	after, err := f.service.StateAfterEvent(f.ctx, topic)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := after.Get(schema.MatrixEventTypeTopic, ""); got != topic.EventID || len(after) != len(base)+1 {
		t.Errorf("StateAfterEvent = %v", after)
	}

	authState, err := f.service.AuthState(f.ctx, f.rules, after, topic)
	if err != nil {
		t.Fatal(err)
	}
	if err := eventauth.Allowed(f.rules, topic, authState); err != nil {
		t.Errorf("topic not allowed by its auth state: %v", err)
	}
}

func TestAuthChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	base := f.baseRoom()
	topic, _ := f.send(base, bob, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "hi"})

	chain, err := f.service.AuthChain(f.ctx, []ref.EventID{topic.EventID})
	if err != nil {
		t.Fatal(err)
	}
	// create, alice's join, power levels, join rules, bob's join.
	if len(chain) != 5 {
		t.Errorf("auth chain has %d events, want 5: %v", len(chain), chain)
	}
	if _, ok := chain[topic.EventID]; ok {
		t.Error("auth chain contains the starting event")
	}
}

func TestResolveForks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	base := f.baseRoom()
	ban, banned := f.send(base, alice, schema.MatrixEventTypeMember, bob, map[string]any{"membership": "ban"})
	_, topicked := f.send(base, bob, schema.MatrixEventTypeTopic, "", map[string]any{"topic": "late"})

	resolved, err := f.service.ResolveForks(f.ctx, testRoom, f.rules, []pdu.StateMap{topicked, banned})
	if err != nil {
		t.Fatalf("ResolveForks: %v", err)
	}
	if got, _ := resolved.Get(schema.MatrixEventTypeMember, bob); got != ban.EventID {
		t.Errorf("bob = %s, want ban %s", got, ban.EventID)
	}
	if _, ok := resolved.Get(schema.MatrixEventTypeTopic, ""); ok {
		t.Error("topic by banned user survived")
	}

	single, err := f.service.ResolveForks(f.ctx, testRoom, f.rules, []pdu.StateMap{base})
	if err != nil || !single.Equal(base) {
		t.Errorf("single fork = %v, %v", single, err)
	}
}

func TestServiceClock(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	service := New(Config{Clock: fake})
	if service.clock != fake {
		t.Errorf("clock = %v, want the configured clock", service.clock)
	}
	if New(Config{}).clock == nil {
		t.Error("service without a configured clock has none")
	}
}
