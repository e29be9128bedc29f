// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"cmp"
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/lib/backoff"
	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomlock"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/statecompressor"
	"github.com/bureau-foundation/roomserver/lib/store/sqlitestore"
	"github.com/bureau-foundation/roomserver/lib/testutil"
	"github.com/bureau-foundation/roomserver/roomstate"
	"github.com/bureau-foundation/roomserver/timeline"
)

var (
	localServer  = ref.MustParseServerName("example.org")
	remoteServer = ref.MustParseServerName("remote.example")
	testRoom     = ref.MustParseRoomID("!room:example.org")

	alice = ref.MustParseUserID("@alice:example.org")
	bob   = ref.MustParseUserID("@bob:remote.example")
)

var epoch = time.Unix(1_700_000_000, 0)

// fakeFederation serves events the remote server "has".
type fakeFederation struct {
	mu       sync.Mutex
	events   map[ref.EventID]json.RawMessage
	stateIDs map[ref.EventID]*federation.StateIDsResponse
	fetches  []ref.EventID
}

func (f *fakeFederation) GetEvent(_ context.Context, destination ref.ServerName, eventID ref.EventID) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, eventID)
	if raw, ok := f.events[eventID]; ok {
		return raw, nil
	}
	return nil, &federation.Error{Code: federation.ErrCodeNotFound, StatusCode: 404, Destination: destination.String()}
}

func (f *fakeFederation) GetStateIDs(_ context.Context, destination ref.ServerName, _ ref.RoomID, eventID ref.EventID) (*federation.StateIDsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if response, ok := f.stateIDs[eventID]; ok {
		return response, nil
	}
	return nil, &federation.Error{Code: federation.ErrCodeNotFound, StatusCode: 404, Destination: destination.String()}
}

func (f *fakeFederation) Backfill(context.Context, ref.ServerName, ref.RoomID, []ref.EventID, int) (*federation.Transaction, error) {
	return &federation.Transaction{}, nil
}

func (f *fakeFederation) GetServerKeys(_ context.Context, destination ref.ServerName) (json.RawMessage, error) {
	return nil, &federation.Error{Code: federation.ErrCodeNotFound, StatusCode: 404, Destination: destination.String()}
}

type fixture struct {
	t          *testing.T
	ctx        context.Context
	store      *sqlitestore.Store
	state      *roomstate.Service
	timeline   *timeline.Timeline
	pipeline   *Pipeline
	locks      *roomlock.Registry
	clock      *clock.FakeClock
	federation *fakeFederation
	rules      roomversion.Rules
	remoteKey  signing.KeyPair
	serial     int64

	createID, powerLevelsID, joinRulesID ref.EventID
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

	localKey, err := signing.GenerateKeyPair("local")
	if err != nil {
		t.Fatal(err)
	}
	remoteKey, err := signing.GenerateKeyPair("remote")
	if err != nil {
		t.Fatal(err)
	}
	fakeClock := clock.Fake(epoch)
	keyRing := signing.NewKeyRing(signing.KeyRingConfig{Clock: fakeClock, Logger: testutil.Logger(t)})
	keyRing.AddLocalKey(localServer, localKey)
	keyRing.AddKey(remoteServer, remoteKey.KeyID, remoteKey.Public(), math.MaxInt64)

	state := roomstate.New(roomstate.Config{
		Store:      s,
		Compressor: statecompressor.New(s, testutil.Logger(t)),
		Logger:     testutil.Logger(t),
		Clock:      fakeClock,
	})
	locks := roomlock.NewRegistry("state")
	fake := &fakeFederation{
		events:   map[ref.EventID]json.RawMessage{},
		stateIDs: map[ref.EventID]*federation.StateIDsResponse{},
	}
	timelineService, err := timeline.New(timeline.Config{
		ServerName: localServer,
		KeyPair:    localKey,
		Store:      s,
		State:      state,
		StateLocks: locks,
		Fence:      roomlock.NewFence(),
		Federation: fake,
		Clock:      fakeClock,
		Logger:     testutil.Logger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	pipeline, err := New(Config{
		Store:      s,
		State:      state,
		Timeline:   timelineService,
		StateLocks: locks,
		Federation: fake,
		KeyRing:    keyRing,
		Backoff:    backoff.New(backoff.Config{Clock: fakeClock}),
		Clock:      fakeClock,
		Logger:     testutil.Logger(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		t:          t,
		ctx:        context.Background(),
		store:      s,
		state:      state,
		timeline:   timelineService,
		pipeline:   pipeline,
		locks:      locks,
		clock:      fakeClock,
		federation: fake,
		rules:      roomversion.MustLookup("10"),
		remoteKey:  remoteKey,
	}
	f.createID = f.local(alice, schema.MatrixEventTypeCreate, "", map[string]any{"creator": alice.String(), "room_version": "10"})
	f.local(alice, schema.MatrixEventTypeMember, alice.String(), map[string]any{"membership": "join"})
	powerLevels := schema.InitialPowerLevels(alice.String())
	powerLevels.SetUserLevel(bob.String(), 50)
	f.powerLevelsID = f.local(alice, schema.MatrixEventTypePowerLevels, "", powerLevels)
	f.joinRulesID = f.local(alice, schema.MatrixEventTypeJoinRules, "", map[string]any{"join_rule": "public"})
	return f
}

// local appends a state event authored on this server.
func (f *fixture) local(sender ref.UserID, eventType ref.EventType, stateKey string, content any) ref.EventID {
	f.t.Helper()
	builder, err := pdu.StateBuilder(eventType, stateKey, content)
	if err != nil {
		f.t.Fatal(err)
	}
	guard, err := f.locks.Lock(f.ctx, testRoom)
	if err != nil {
		f.t.Fatal(err)
	}
	defer guard.Unlock()
	eventID, err := f.timeline.BuildAndAppendPDU(f.ctx, builder, sender, testRoom, guard)
	if err != nil {
		f.t.Fatalf("local %s: %v", eventType, err)
	}
	return eventID
}

// draftEvent describes an event authored by the remote server.
type draftEvent struct {
	Sender    ref.UserID
	Type      ref.EventType
	StateKey  *string
	Content   any
	Prev      []ref.EventID
	Auth      []ref.EventID
	Depth     int64
	Timestamp int64
	RoomID    ref.RoomID
	Key       *signing.KeyPair
}

// authored is a signed remote event.
type authored struct {
	ID  ref.EventID
	Raw json.RawMessage
}

func (f *fixture) author(draft draftEvent) authored {
	f.t.Helper()
	f.serial++
	if draft.Timestamp == 0 {
		draft.Timestamp = epoch.UnixMilli() + f.serial*1000
	}
	if draft.RoomID.IsZero() {
		draft.RoomID = testRoom
	}
	if draft.Sender.IsZero() {
		draft.Sender = bob
	}
	if draft.Prev == nil {
		draft.Prev = []ref.EventID{}
	}
	key := f.remoteKey
	if draft.Key != nil {
		key = *draft.Key
	}
	fields := map[string]any{
		"room_id":          draft.RoomID.String(),
		"sender":           draft.Sender.String(),
		"type":             string(draft.Type),
		"content":          draft.Content,
		"prev_events":      draft.Prev,
		"auth_events":      draft.Auth,
		"depth":            draft.Depth,
		"origin_server_ts": draft.Timestamp,
	}
	if draft.StateKey != nil {
		fields["state_key"] = *draft.StateKey
	}
	data, err := json.Marshal(fields)
	if err != nil {
		f.t.Fatal(err)
	}
	value, err := canonicaljson.Parse(data)
	if err != nil {
		f.t.Fatal(err)
	}
	if err := signing.AddContentHash(f.rules, value); err != nil {
		f.t.Fatal(err)
	}
	if err := signing.SignEvent(f.rules, value, draft.Sender.Server(), key); err != nil {
		f.t.Fatal(err)
	}
	eventID, err := signing.EventIDFor(f.rules, value)
	if err != nil {
		f.t.Fatal(err)
	}
	raw, err := canonicaljson.Marshal(value)
	if err != nil {
		f.t.Fatal(err)
	}
	return authored{ID: eventID, Raw: raw}
}

func stateKey(key string) *string { return &key }

// bobJoin authors bob's join on top of the local room.
func (f *fixture) bobJoin() authored {
	return f.author(draftEvent{
		Type:     schema.MatrixEventTypeMember,
		StateKey: stateKey(bob.String()),
		Content:  map[string]any{"membership": "join"},
		Prev:     []ref.EventID{f.joinRulesID},
		Auth:     []ref.EventID{f.createID, f.powerLevelsID, f.joinRulesID},
		Depth:    5,
	})
}

func (f *fixture) bobMessage(body string, prev []ref.EventID, auth []ref.EventID, depth int64) authored {
	return f.author(draftEvent{
		Type:    schema.MatrixEventTypeMessage,
		Content: map[string]any{"msgtype": "m.text", "body": body},
		Prev:    prev,
		Auth:    auth,
		Depth:   depth,
	})
}

func (f *fixture) ingest(event authored) (Outcome, error) {
	return f.pipeline.HandleIncomingPDU(f.ctx, remoteServer, event.ID, testRoom, event.Raw, true)
}

func (f *fixture) mustAccept(event authored) pdu.Count {
	f.t.Helper()
	outcome, err := f.ingest(event)
	if err != nil {
		f.t.Fatalf("ingesting %s: %v", event.ID, err)
	}
	if outcome.Status != StatusAccepted {
		f.t.Fatalf("ingesting %s: status %s, want accepted", event.ID, outcome.Status)
	}
	return outcome.Position
}

func (f *fixture) extremities() []ref.EventID {
	f.t.Helper()
	extremities, err := f.timeline.LatestEventIDs(f.ctx, testRoom)
	if err != nil {
		f.t.Fatal(err)
	}
	return extremities
}

func sortedIDs(ids ...ref.EventID) []ref.EventID {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b ref.EventID) int { return cmp.Compare(a.String(), b.String()) })
	return sorted
}

func TestAcceptsRemoteEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	join := f.bobJoin()
	joinPosition := f.mustAccept(join)
	joinRulesPosition, _, err := f.store.PDUCount(f.ctx, f.joinRulesID)
	if err != nil {
		t.Fatal(err)
	}
	if !joinRulesPosition.Less(joinPosition) {
		t.Errorf("join position %s is not after %s", joinPosition, joinRulesPosition)
	}
	if got := f.extremities(); !slices.Equal(got, []ref.EventID{join.ID}) {
		t.Errorf("extremities = %v, want [%s]", got, join.ID)
	}
	if membership, _ := f.state.Membership(f.ctx, testRoom, bob); membership != schema.MembershipJoin {
		t.Errorf("bob membership = %q, want join", membership)
	}

	message := f.bobMessage("hello from afar", []ref.EventID{join.ID}, []ref.EventID{f.createID, f.powerLevelsID, join.ID}, 6)
	f.mustAccept(message)
	stored, err := f.store.GetPDU(f.ctx, message.ID)
	if err != nil || stored.Depth != 6 {
		t.Fatalf("stored message = %+v, %v", stored, err)
	}
	if got := f.extremities(); !slices.Equal(got, []ref.EventID{message.ID}) {
		t.Errorf("extremities = %v, want [%s]", got, message.ID)
	}
}

func TestReingestIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	first := f.mustAccept(join)

	before, err := f.timeline.AllPDUs(f.ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	second := f.mustAccept(join)
	if second != first {
		t.Errorf("second ingest position = %s, want %s", second, first)
	}
	after, _ := f.timeline.AllPDUs(f.ctx, testRoom)
	if len(after) != len(before) {
		t.Errorf("timeline grew from %d to %d events", len(before), len(after))
	}
}

func TestFetchesMissingPrevAndAuthEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	join := f.bobJoin()
	f.federation.events[join.ID] = join.Raw
	message := f.bobMessage("did you get my join?", []ref.EventID{join.ID}, []ref.EventID{f.createID, f.powerLevelsID, join.ID}, 6)

	f.mustAccept(message)

	entries, err := f.timeline.AllPDUs(f.ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	var tail []ref.EventID
	for _, entry := range entries[len(entries)-2:] {
		tail = append(tail, entry.Event.EventID)
	}
	if !slices.Equal(tail, []ref.EventID{join.ID, message.ID}) {
		t.Errorf("timeline tail = %v, want join then message", tail)
	}
	if got := f.extremities(); !slices.Equal(got, []ref.EventID{message.ID}) {
		t.Errorf("extremities = %v, want [%s]", got, message.ID)
	}
}

func TestForkIsResolved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	f.mustAccept(join)

	auth := []ref.EventID{f.createID, f.powerLevelsID, join.ID}
	topic := func(text string) authored {
		return f.author(draftEvent{
			Type:     schema.MatrixEventTypeTopic,
			StateKey: stateKey(""),
			Content:  map[string]any{"topic": text},
			Prev:     []ref.EventID{join.ID},
			Auth:     auth,
			Depth:    6,
		})
	}
	left := topic("left branch")
	right := topic("right branch")

	f.mustAccept(left)
	if got := f.extremities(); !slices.Equal(got, []ref.EventID{left.ID}) {
		t.Fatalf("extremities after left = %v", got)
	}
	f.mustAccept(right)
	if got, want := f.extremities(), sortedIDs(left.ID, right.ID); !slices.Equal(got, want) {
		t.Errorf("extremities after fork = %v, want %v", got, want)
	}

	// Equal power, so the later timestamp is applied last and wins.
	current, err := f.state.CurrentStateEvent(f.ctx, testRoom, schema.MatrixEventTypeTopic, "")
	if err != nil || current == nil || current.EventID != right.ID {
		t.Errorf("current topic = %v, %v; want %s", current, err, right.ID)
	}

	// A child of both branches converges the extremities.
	merge := f.bobMessage("merged", sortedIDs(left.ID, right.ID), auth, 7)
	f.mustAccept(merge)
	if got := f.extremities(); !slices.Equal(got, []ref.EventID{merge.ID}) {
		t.Errorf("extremities after merge = %v, want [%s]", got, merge.ID)
	}
}

func TestSoftFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	f.mustAccept(join)
	banID := f.local(alice, schema.MatrixEventTypeMember, bob.String(), map[string]any{"membership": "ban"})

	// Allowed by the state before it (bob joined), not by the current
	// state (bob banned).
	message := f.bobMessage("you can't ban me", []ref.EventID{join.ID}, []ref.EventID{f.createID, f.powerLevelsID, join.ID}, 6)
	outcome, err := f.ingest(message)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome.Status != StatusSoftFailed {
		t.Fatalf("status = %s, want soft-failed", outcome.Status)
	}

	if softFailed, _ := f.store.IsSoftFailed(f.ctx, message.ID); !softFailed {
		t.Error("event not marked soft-failed")
	}
	if _, ok, _ := f.store.PDUCount(f.ctx, message.ID); ok {
		t.Error("soft-failed event has a timeline position")
	}
	if _, err := f.store.GetPDU(f.ctx, message.ID); err != nil {
		t.Errorf("soft-failed event not retained: %v", err)
	}
	entries, _ := f.timeline.AllPDUs(f.ctx, testRoom)
	for _, entry := range entries {
		if entry.Event.EventID == message.ID {
			t.Error("soft-failed event appears in the timeline")
		}
	}
	if got := f.extremities(); !slices.Equal(got, []ref.EventID{banID}) {
		t.Errorf("extremities = %v, want [%s]", got, banID)
	}

	again, err := f.ingest(message)
	if err != nil || again.Status != StatusSoftFailed {
		t.Errorf("re-ingest = %s, %v; want soft-failed", again.Status, err)
	}
}

func TestDuplicateAuthSlotIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	f.mustAccept(join)

	raised := schema.InitialPowerLevels(alice.String())
	raised.SetUserLevel(bob.String(), 60)
	secondPowerLevels := f.local(alice, schema.MatrixEventTypePowerLevels, "", raised)

	message := f.bobMessage("which power levels?", []ref.EventID{join.ID},
		[]ref.EventID{f.createID, f.powerLevelsID, secondPowerLevels, join.ID}, 6)
	_, err := f.ingest(message)
	if !IsKind(err, KindInvalid) {
		t.Fatalf("error = %v, want KindInvalid", err)
	}
	if reason, ok := eventauth.ReasonOf(err); !ok || reason != eventauth.ReasonBadAuthEvents {
		t.Errorf("reason = %v, %v; want bad auth events", reason, ok)
	}
	if known, _ := f.store.HasEvent(f.ctx, message.ID); known {
		t.Error("rejected event was stored")
	}
}

func TestSignatureAndHashChecks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	f.mustAccept(join)
	auth := []ref.EventID{f.createID, f.powerLevelsID, join.ID}

	t.Run("tampered signed field", func(t *testing.T) {
		message := f.bobMessage("original", []ref.EventID{join.ID}, auth, 6)
		value, _ := canonicaljson.Parse(message.Raw)
		value["depth"] = json.Number("60")
		tampered, _ := canonicaljson.Marshal(value)
		_, err := f.pipeline.HandleIncomingPDU(f.ctx, remoteServer, message.ID, testRoom, tampered, true)
		if !IsKind(err, KindBadSignature) {
			t.Errorf("error = %v, want KindBadSignature", err)
		}
	})

	t.Run("unknown signing key", func(t *testing.T) {
		stranger, _ := signing.GenerateKeyPair("stranger")
		eve := ref.MustParseUserID("@eve:stranger.example")
		message := f.author(draftEvent{
			Sender:  eve,
			Type:    schema.MatrixEventTypeMessage,
			Content: map[string]any{"body": "hi"},
			Prev:    []ref.EventID{join.ID},
			Auth:    auth,
			Depth:   6,
			Key:     &stranger,
		})
		_, err := f.ingest(message)
		if !IsKind(err, KindTransient) {
			t.Fatalf("error = %v, want KindTransient", err)
		}
		outcome, err := f.ingest(message)
		if err != nil || outcome.Status != StatusDeferred || outcome.RetryAfter <= 0 {
			t.Errorf("retry = %+v, %v; want deferred", outcome, err)
		}
		f.clock.Advance(backoff.DefaultBase)
		if _, err := f.ingest(message); !IsKind(err, KindTransient) {
			t.Errorf("after backoff error = %v, want KindTransient", err)
		}
	})

	t.Run("content hash mismatch redacts", func(t *testing.T) {
		message := f.bobMessage("the real text", []ref.EventID{join.ID}, auth, 6)
		value, _ := canonicaljson.Parse(message.Raw)
		value["content"] = map[string]any{"msgtype": "m.text", "body": "forged text"}
		forged, _ := canonicaljson.Marshal(value)

		outcome, err := f.pipeline.HandleIncomingPDU(f.ctx, remoteServer, message.ID, testRoom, forged, true)
		if err != nil || outcome.Status != StatusAccepted {
			t.Fatalf("outcome = %+v, %v; want accepted", outcome, err)
		}
		stored, err := f.store.GetPDU(f.ctx, message.ID)
		if err != nil {
			t.Fatal(err)
		}
		if string(stored.Content) != "{}" {
			t.Errorf("stored content = %s, want redacted", stored.Content)
		}
	})
}

func TestRoomPreconditions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()

	otherRoom := ref.MustParseRoomID("!elsewhere:example.org")
	if _, err := f.pipeline.HandleIncomingPDU(f.ctx, remoteServer, join.ID, otherRoom, join.Raw, true); !IsKind(err, KindNotFound) {
		t.Errorf("unknown room: error = %v, want KindNotFound", err)
	}

	f.local(alice, schema.MatrixEventTypeServerACL, "", map[string]any{
		"allow": []string{"*"},
		"deny":  []string{remoteServer.String()},
	})
	if _, err := f.ingest(join); !IsKind(err, KindForbidden) {
		t.Errorf("ACL-denied origin: error = %v, want KindForbidden", err)
	}
}

func TestEventForAnotherRoomIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stray := f.author(draftEvent{
		Type:     schema.MatrixEventTypeMember,
		StateKey: stateKey(bob.String()),
		Content:  map[string]any{"membership": "join"},
		Prev:     []ref.EventID{f.joinRulesID},
		Auth:     []ref.EventID{f.createID, f.powerLevelsID, f.joinRulesID},
		Depth:    5,
		RoomID:   ref.MustParseRoomID("!other:remote.example"),
	})
	if _, err := f.ingest(stray); !IsKind(err, KindInvalid) {
		t.Errorf("error = %v, want KindInvalid", err)
	}
}

func TestEventsBeforeFirstAreIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := f.author(draftEvent{
		Type:      schema.MatrixEventTypeMember,
		StateKey:  stateKey(bob.String()),
		Content:   map[string]any{"membership": "join"},
		Prev:      []ref.EventID{f.joinRulesID},
		Auth:      []ref.EventID{f.createID, f.powerLevelsID, f.joinRulesID},
		Depth:     5,
		Timestamp: 1000,
	})
	outcome, err := f.ingest(old)
	if err != nil || outcome.Status != StatusIgnored {
		t.Errorf("outcome = %+v, %v; want ignored", outcome, err)
	}
	if _, ok, _ := f.store.PDUCount(f.ctx, old.ID); ok {
		t.Error("ignored event was appended")
	}
}

func TestOutlierOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	outcome, err := f.pipeline.HandleIncomingPDU(f.ctx, remoteServer, join.ID, testRoom, join.Raw, false)
	if err != nil || outcome.Status != StatusOutlier {
		t.Fatalf("outcome = %+v, %v; want outlier", outcome, err)
	}
	if _, ok, _ := f.store.PDUCount(f.ctx, join.ID); ok {
		t.Error("outlier has a timeline position")
	}
	// The same event later arriving as a timeline event is promoted.
	f.mustAccept(join)
}

func TestAuthEventsCitingEachOtherAreFetchedInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	carol := ref.MustParseUserID("@carol:remote.example")

	bobJoin := f.bobJoin()
	carolJoin := f.author(draftEvent{
		Sender:   carol,
		Type:     schema.MatrixEventTypeMember,
		StateKey: stateKey(carol.String()),
		Content:  map[string]any{"membership": "join"},
		Prev:     []ref.EventID{bobJoin.ID},
		Auth:     []ref.EventID{f.createID, f.powerLevelsID, f.joinRulesID},
		Depth:    6,
	})
	kick := f.author(draftEvent{
		Type:     schema.MatrixEventTypeMember,
		StateKey: stateKey(carol.String()),
		Content:  map[string]any{"membership": "leave"},
		Prev:     []ref.EventID{carolJoin.ID},
		Auth:     []ref.EventID{f.createID, f.powerLevelsID, bobJoin.ID, carolJoin.ID},
		Depth:    7,
	})
	ban := f.author(draftEvent{
		Type:     schema.MatrixEventTypeMember,
		StateKey: stateKey(carol.String()),
		Content:  map[string]any{"membership": "ban"},
		Prev:     []ref.EventID{kick.ID},
		Auth:     []ref.EventID{f.createID, f.powerLevelsID, bobJoin.ID, kick.ID},
		Depth:    8,
	})
	// The kick cites bob's join, which is itself a root of the ban's
	// auth chain, so it can only be validated after that join.
	for _, event := range []authored{bobJoin, carolJoin, kick} {
		f.federation.events[event.ID] = event.Raw
	}

	outcome, err := f.pipeline.HandleIncomingPDU(f.ctx, remoteServer, ban.ID, testRoom, ban.Raw, false)
	if err != nil || outcome.Status != StatusOutlier {
		t.Fatalf("outcome = %+v, %v; want outlier", outcome, err)
	}
	for _, event := range []authored{bobJoin, carolJoin, kick, ban} {
		known, err := f.store.HasEvent(f.ctx, event.ID)
		if err != nil || !known {
			t.Errorf("HasEvent(%s) = %v, %v; want stored", event.ID, known, err)
		}
	}
	if attempts := f.pipeline.Backoff().Attempts(kick.ID); attempts != 0 {
		t.Errorf("kick has %d failed attempts", attempts)
	}
}

func TestLocalRoomRecordsStateForEveryEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pdus, err := f.timeline.AllPDUs(f.ctx, testRoom)
	if err != nil {
		t.Fatalf("AllPDUs: %v", err)
	}
	if len(pdus) != 4 {
		t.Fatalf("room has %d events, want 4", len(pdus))
	}
	for i, entry := range pdus {
		state, err := f.state.StateBeforeEvent(f.ctx, entry.Event.EventID)
		if err != nil {
			t.Fatalf("StateBeforeEvent(%s): %v", entry.Event.EventID, err)
		}
		if len(state) != i {
			t.Errorf("state before event %d has %d entries, want %d", i, len(state), i)
		}
	}
}

func TestRemoteStateIsFetchedForUnknownParents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	f.mustAccept(join)

	// The topic's own parent is unavailable, so the state before it
	// has to come from the origin.
	topic := f.author(draftEvent{
		Type:     schema.MatrixEventTypeTopic,
		StateKey: stateKey(""),
		Content:  map[string]any{"topic": "from a gap"},
		Prev:     []ref.EventID{ref.MustParseEventID("$unreachable")},
		Auth:     []ref.EventID{f.createID, f.powerLevelsID, join.ID},
		Depth:    7,
	})
	if outcome, err := f.pipeline.HandleIncomingPDU(f.ctx, remoteServer, topic.ID, testRoom, topic.Raw, false); err != nil || outcome.Status != StatusOutlier {
		t.Fatalf("storing topic outlier: %+v, %v", outcome, err)
	}
	f.federation.stateIDs[topic.ID] = &federation.StateIDsResponse{
		PDUIDs:       []ref.EventID{f.createID, f.powerLevelsID, f.joinRulesID, join.ID},
		AuthChainIDs: []ref.EventID{f.createID, f.powerLevelsID, f.joinRulesID},
	}

	message := f.bobMessage("child", []ref.EventID{topic.ID}, []ref.EventID{f.createID, f.powerLevelsID, join.ID}, 8)
	f.mustAccept(message)

	if _, ok, _ := f.store.PDUCount(f.ctx, topic.ID); !ok {
		t.Error("outlier parent was not promoted to the timeline")
	}
	before, err := f.state.StateBeforeEvent(f.ctx, topic.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := before.Get(schema.MatrixEventTypeMember, bob.String()); !ok || got != join.ID {
		t.Errorf("state before topic has bob's membership %v, want %s", got, join.ID)
	}
	if got, want := f.extremities(), sortedIDs(join.ID, message.ID); !slices.Equal(got, want) {
		t.Errorf("extremities = %v, want %v", got, want)
	}
}

func TestHandleTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()
	strayRoom := f.author(draftEvent{
		Type:    schema.MatrixEventTypeMessage,
		Content: map[string]any{"body": "lost"},
		Auth:    []ref.EventID{},
		Depth:   1,
		RoomID:  ref.MustParseRoomID("!unknown:remote.example"),
	})
	message := f.bobMessage("in the same transaction", []ref.EventID{join.ID}, []ref.EventID{f.createID, f.powerLevelsID, join.ID}, 6)

	result := f.pipeline.HandleTransaction(f.ctx, remoteServer, federation.Transaction{
		Origin: remoteServer.String(),
		PDUs:   []json.RawMessage{join.Raw, strayRoom.Raw, message.Raw},
	})
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
	for _, eventID := range []ref.EventID{join.ID, message.ID} {
		pduResult, ok := result.PDUs[eventID]
		if !ok || pduResult.Err != nil || pduResult.Outcome.Status != StatusAccepted {
			t.Errorf("result for %s = %+v, %v", eventID, pduResult, ok)
		}
	}

	response := result.Response()
	pdus, _ := response["pdus"].(map[string]any)
	if len(pdus) != 2 {
		t.Errorf("response lists %d events, want 2", len(pdus))
	}
}

func TestValidateBackfilled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	join := f.bobJoin()

	event, canonical, err := f.pipeline.ValidateBackfilled(f.ctx, remoteServer, testRoom, join.Raw)
	if err != nil {
		t.Fatalf("ValidateBackfilled: %v", err)
	}
	if event.EventID != join.ID || len(canonical) == 0 {
		t.Errorf("validated %s, want %s", event.EventID, join.ID)
	}
	if _, _, err := f.pipeline.ValidateBackfilled(f.ctx, remoteServer, ref.MustParseRoomID("!other:example.org"), join.Raw); !IsKind(err, KindInvalid) {
		t.Errorf("wrong room: error = %v, want KindInvalid", err)
	}
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		code string
	}{
		{KindForbidden, "M_FORBIDDEN"},
		{KindNotFound, "M_NOT_FOUND"},
		{KindInvalid, "M_INVALID_PARAM"},
		{KindBadSignature, "M_INVALID_PARAM"},
		{KindTransient, "M_UNKNOWN"},
		{KindBadDatabase, "M_UNKNOWN"},
	}
	for _, test := range tests {
		err := &Error{Kind: test.kind}
		if got := err.Code(); got != test.code {
			t.Errorf("%s: Code() = %s, want %s", test.kind, got, test.code)
		}
	}
}
