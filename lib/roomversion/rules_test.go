// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomversion

import (
	"reflect"
	"testing"
)

func TestLookup(t *testing.T) {
	for _, id := range []ID{"1", "2", "12", "org.example.custom", ""} {
		if _, ok := Lookup(id); ok {
			t.Errorf("Lookup(%q) succeeded, want unsupported", id)
		}
	}

	v3 := MustLookup("3")
	if v3.EventIDFormat != EventIDFormatBase64 {
		t.Errorf("v3 event ID format = %v, want standard base64", v3.EventIDFormat)
	}
	if !v3.SpecialCasedAliases || v3.StrictCanonicalJSON {
		t.Errorf("v3 flags wrong: %+v", v3)
	}

	v11 := MustLookup("11")
	if !v11.RedactsInContent || !v11.UpdatedRedactionRules || !v11.ImplicitRoomCreator {
		t.Errorf("v11 flags wrong: %+v", v11)
	}
	if MustLookup("10").RedactsInContent {
		t.Error("v10 reports redacts in content")
	}
}

func TestSupportedOrder(t *testing.T) {
	want := []ID{"3", "4", "5", "6", "7", "8", "9", "10", "11"}
	if got := Supported(); !reflect.DeepEqual(got, want) {
		t.Errorf("Supported() = %v, want %v", got, want)
	}
}

func memberEvent() map[string]any {
	return map[string]any{
		"type":             "m.room.member",
		"room_id":          "!room:example.org",
		"sender":           "@alice:example.org",
		"state_key":        "@alice:example.org",
		"origin":           "example.org",
		"origin_server_ts": 1000,
		"depth":            3,
		"unsigned":         map[string]any{"age": 5},
		"prev_events":      []any{"$a"},
		"auth_events":      []any{"$b"},
		"hashes":           map[string]any{"sha256": "abc"},
		"signatures":       map[string]any{},
		"content": map[string]any{
			"membership":                       "join",
			"displayname":                      "Alice",
			"join_authorised_via_users_server": "@bob:example.org",
		},
	}
}

func TestRedactMemberByVersion(t *testing.T) {
	tests := []struct {
		version     ID
		wantContent map[string]any
		wantOrigin  bool
	}{
		{version: "3", wantContent: map[string]any{"membership": "join"}, wantOrigin: true},
		{version: "9", wantContent: map[string]any{"membership": "join", "join_authorised_via_users_server": "@bob:example.org"}, wantOrigin: true},
		{version: "11", wantContent: map[string]any{"membership": "join", "join_authorised_via_users_server": "@bob:example.org"}, wantOrigin: false},
	}
	for _, test := range tests {
		t.Run(string(test.version), func(t *testing.T) {
			redacted := MustLookup(test.version).Redact(memberEvent())
			if !reflect.DeepEqual(redacted["content"], test.wantContent) {
				t.Errorf("content = %v, want %v", redacted["content"], test.wantContent)
			}
			if _, ok := redacted["unsigned"]; ok {
				t.Error("unsigned survived redaction")
			}
			if _, ok := redacted["origin"]; ok != test.wantOrigin {
				t.Errorf("origin kept = %v, want %v", ok, test.wantOrigin)
			}
		})
	}
}

func TestRedactIsIdempotent(t *testing.T) {
	for _, id := range Supported() {
		rules := MustLookup(id)
		once := rules.Redact(memberEvent())
		twice := rules.Redact(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("v%s: redaction not idempotent:\n once  %v\n twice %v", id, once, twice)
		}
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	event := memberEvent()
	MustLookup("10").Redact(event)
	if event["content"].(map[string]any)["displayname"] != "Alice" {
		t.Fatal("Redact modified its input")
	}
}

func TestRedactCreateAndPowerLevels(t *testing.T) {
	create := map[string]any{
		"type":    "m.room.create",
		"content": map[string]any{"creator": "@alice:example.org", "room_version": "11", "m.federate": false},
	}
	if got := MustLookup("10").Redact(create)["content"]; !reflect.DeepEqual(got, map[string]any{"creator": "@alice:example.org"}) {
		t.Errorf("v10 create content = %v", got)
	}
	if got := MustLookup("11").Redact(create)["content"].(map[string]any); len(got) != 3 {
		t.Errorf("v11 create content = %v, want all keys kept", got)
	}

	powerLevels := map[string]any{
		"type":    "m.room.power_levels",
		"content": map[string]any{"invite": 50, "ban": 50, "notifications": map[string]any{"room": 50}},
	}
	if got := MustLookup("10").Redact(powerLevels)["content"]; !reflect.DeepEqual(got, map[string]any{"ban": 50}) {
		t.Errorf("v10 power levels content = %v", got)
	}
	if got := MustLookup("11").Redact(powerLevels)["content"]; !reflect.DeepEqual(got, map[string]any{"ban": 50, "invite": 50}) {
		t.Errorf("v11 power levels content = %v", got)
	}
}
