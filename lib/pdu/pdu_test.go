// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"reflect"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

func parseValue(t *testing.T, raw string) map[string]any {
	t.Helper()
	value, err := canonicaljson.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return value
}

func TestFromValue(t *testing.T) {
	t.Parallel()

	value := parseValue(t, `{
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"type": "m.room.topic",
		"state_key": "",
		"origin_server_ts": 1700000000000,
		"content": {"topic": "hello"},
		"prev_events": ["$prev"],
		"auth_events": ["$create", "$power"],
		"depth": 4,
		"hashes": {"sha256": "abc"}
	}`)
	eventID := ref.MustParseEventID("$event")

	event, err := FromValue(eventID, value)
	if err != nil {
		t.Fatalf("FromValue: %v", err)
	}
	if event.EventID != eventID || event.Depth != 4 || !event.IsState() || event.StateKeyValue() != "" {
		t.Errorf("decoded = %+v", event)
	}
	if got := event.TypeStateKey(); got != (TypeStateKey{Type: "m.room.topic", StateKey: ""}) {
		t.Errorf("TypeStateKey = %v", got)
	}
	if len(event.AuthEvents) != 2 || event.PrevEvents[0].String() != "$prev" {
		t.Errorf("edges = %v / %v", event.PrevEvents, event.AuthEvents)
	}
}

func TestFromValueRejectsMissingFields(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"sender": "@a:x", "type": "m.room.message"}`,
		`{"room_id": "!r:x", "type": "m.room.message"}`,
		`{"room_id": "!r:x", "sender": "@a:x"}`,
		`{"room_id": "not-a-room", "sender": "@a:x", "type": "t"}`,
	} {
		if _, err := FromValue(ref.MustParseEventID("$e"), parseValue(t, raw)); err == nil {
			t.Errorf("FromValue(%s) succeeded, want error", raw)
		}
	}
}

func TestRedactsTarget(t *testing.T) {
	t.Parallel()

	legacy := parseValue(t, `{"room_id": "!r:x", "sender": "@a:x", "type": "m.room.redaction", "redacts": "$target", "content": {}}`)
	event, err := FromValue(ref.MustParseEventID("$e"), legacy)
	if err != nil {
		t.Fatalf("FromValue: %v", err)
	}
	if target, ok := event.RedactsTarget(roomversion.MustLookup("10")); !ok || target.String() != "$target" {
		t.Errorf("v10 target = %v, %v", target, ok)
	}
	if _, ok := event.RedactsTarget(roomversion.MustLookup("11")); ok {
		t.Error("v11 read the top-level redacts key")
	}

	modern := parseValue(t, `{"room_id": "!r:x", "sender": "@a:x", "type": "m.room.redaction", "content": {"redacts": "$target"}}`)
	event, err = FromValue(ref.MustParseEventID("$e"), modern)
	if err != nil {
		t.Fatalf("FromValue: %v", err)
	}
	if target, ok := event.RedactsTarget(roomversion.MustLookup("11")); !ok || target.String() != "$target" {
		t.Errorf("v11 target = %v, %v", target, ok)
	}
}

func TestRelations(t *testing.T) {
	t.Parallel()

	value := parseValue(t, `{"room_id": "!r:x", "sender": "@a:x", "type": "m.room.message", "content": {
		"body": "in thread",
		"m.relates_to": {"rel_type": "m.thread", "event_id": "$root", "m.in_reply_to": {"event_id": "$parent"}}
	}}`)
	event, err := FromValue(ref.MustParseEventID("$e"), value)
	if err != nil {
		t.Fatalf("FromValue: %v", err)
	}
	want := []Relation{
		{Kind: RelationThread, Target: ref.MustParseEventID("$root")},
		{Kind: RelationReply, Target: ref.MustParseEventID("$parent")},
	}
	if got := event.Relations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Relations = %v, want %v", got, want)
	}
	if event.Body() != "in thread" {
		t.Errorf("Body = %q", event.Body())
	}
}

func TestStateMap(t *testing.T) {
	t.Parallel()

	state := StateMap{
		{Type: "m.room.create"}:                              ref.MustParseEventID("$b"),
		{Type: "m.room.member", StateKey: "@alice:example"}: ref.MustParseEventID("$a"),
	}
	cloned := state.Clone()
	cloned[TypeStateKey{Type: "m.room.name"}] = ref.MustParseEventID("$c")
	if len(state) != 2 {
		t.Fatal("Clone shares storage with the original")
	}
	if state.Equal(cloned) {
		t.Fatal("Equal ignores an extra slot")
	}
	if got := state.EventIDs(); got[0].String() != "$a" || got[1].String() != "$b" {
		t.Errorf("EventIDs = %v, want sorted", got)
	}
	if id, ok := state.Get("m.room.create", ""); !ok || id.String() != "$b" {
		t.Errorf("Get(create) = %v, %v", id, ok)
	}
}
