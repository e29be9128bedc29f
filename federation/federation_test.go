// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

var (
	local  = ref.MustParseServerName("local.example")
	remote = ref.MustParseServerName("remote.example")
)

func testKeyPair(t *testing.T) signing.KeyPair {
	t.Helper()
	pair, err := signing.KeyPairFromSeed("test", make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	return pair
}

// newTestClient points an HTTPClient at handler. The handler fails the
// test when a request is not correctly signed.
func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	pair := testKeyPair(t)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		authorization, err := ParseAuthorization(request.Header.Get("Authorization"))
		if err != nil {
			t.Errorf("request %s: %v", request.URL, err)
		} else if err := authorization.Verify(pair.Public(), request.Method, request.URL.RequestURI(), nil); err != nil {
			t.Errorf("request %s: %v", request.URL, err)
		} else if authorization.Origin != local || authorization.Destination != remote {
			t.Errorf("authorization = %+v", authorization)
		}
		handler(writer, request)
	}))
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(HTTPClientConfig{
		ServerName:        local,
		KeyPair:           pair,
		Resolve:           func(ref.ServerName) string { return server.URL },
		RequestsPerSecond: 100,
		Burst:             10,
		Logger:            testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return client
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(body)
}

func TestNewHTTPClientRequiresIdentity(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPClient(HTTPClientConfig{KeyPair: testKeyPair(t)}); err == nil {
		t.Error("missing server name accepted")
	}
	if _, err := NewHTTPClient(HTTPClientConfig{ServerName: local}); err == nil {
		t.Error("missing key pair accepted")
	}
}

func TestGetEvent(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/federation/v1/event/$abc" {
			writeJSON(writer, http.StatusNotFound, map[string]string{"errcode": ErrCodeNotFound, "error": "no such event"})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]any{
			"origin": "remote.example",
			"pdus":   []any{map[string]any{"type": "m.room.message"}},
		})
	})

	event, err := client.GetEvent(context.Background(), remote, ref.MustParseEventID("$abc"))
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !strings.Contains(string(event), `"m.room.message"`) {
		t.Errorf("event = %s", event)
	}

	_, err = client.GetEvent(context.Background(), remote, ref.MustParseEventID("$missing"))
	if !IsError(err, ErrCodeNotFound) {
		t.Fatalf("error = %v, want M_NOT_FOUND", err)
	}
	if IsTransient(err) {
		t.Error("404 classified as transient")
	}
}

func TestGetStateIDsAndBackfill(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		switch {
		case strings.HasPrefix(request.URL.Path, "/_matrix/federation/v1/state_ids/"):
			if request.URL.Query().Get("event_id") != "$at" {
				t.Errorf("state_ids query = %s", request.URL.RawQuery)
			}
			writeJSON(writer, http.StatusOK, map[string]any{
				"pdu_ids":        []string{"$create", "$member"},
				"auth_chain_ids": []string{"$create"},
			})
		case strings.HasPrefix(request.URL.Path, "/_matrix/federation/v1/backfill/"):
			query := request.URL.Query()
			if query.Get("limit") != "5" || len(query["v"]) != 2 {
				t.Errorf("backfill query = %s", request.URL.RawQuery)
			}
			writeJSON(writer, http.StatusOK, map[string]any{
				"origin":           "remote.example",
				"origin_server_ts": 1700000000000,
				"pdus":             []any{map[string]any{}, map[string]any{}},
			})
		default:
			writeJSON(writer, http.StatusNotFound, map[string]string{"errcode": ErrCodeUnrecognized})
		}
	})
	ctx := context.Background()
	roomID := ref.MustParseRoomID("!room:remote.example")

	stateIDs, err := client.GetStateIDs(ctx, remote, roomID, ref.MustParseEventID("$at"))
	if err != nil {
		t.Fatalf("GetStateIDs: %v", err)
	}
	if len(stateIDs.PDUIDs) != 2 || stateIDs.AuthChainIDs[0] != ref.MustParseEventID("$create") {
		t.Errorf("state IDs = %+v", stateIDs)
	}

	backfill, err := client.Backfill(ctx, remote, roomID, []ref.EventID{ref.MustParseEventID("$a"), ref.MustParseEventID("$b")}, 5)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if len(backfill.PDUs) != 2 || backfill.Origin != "remote.example" {
		t.Errorf("backfill = %+v", backfill)
	}
}

func TestKeyRingFetchesThroughClient(t *testing.T) {
	t.Parallel()
	remotePair, err := signing.GenerateKeyPair("remote")
	if err != nil {
		t.Fatal(err)
	}
	document, err := signing.SignServerKeys(remote, remotePair, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/key/v2/server" {
			writeJSON(writer, http.StatusNotFound, map[string]string{"errcode": ErrCodeNotFound})
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write(document)
	})

	ring := signing.NewKeyRing(signing.KeyRingConfig{Fetcher: client, Logger: testutil.Logger(t)})
	keys, err := ring.Keys(context.Background(), remote, []string{remotePair.KeyID}, 1700000000000)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if !keys[remotePair.KeyID].Equal(remotePair.Public()) {
		t.Errorf("fetched key does not match the published key")
	}
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		transient bool
	}{
		{"forbidden", http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"acl"}`, ErrCodeForbidden, false},
		{"rate limited", http.StatusTooManyRequests, `{"errcode":"M_LIMIT_EXCEEDED"}`, ErrCodeLimitExceeded, true},
		{"server error without json", http.StatusBadGateway, `upstream down`, ErrCodeUnknown, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(test.status)
				fmt.Fprint(writer, test.body)
			})
			_, err := client.GetServerKeys(context.Background(), remote)
			var remoteErr *Error
			if !errors.As(err, &remoteErr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if remoteErr.Code != test.wantCode || remoteErr.StatusCode != test.status {
				t.Errorf("error = %+v, want %s/%d", remoteErr, test.wantCode, test.status)
			}
			if IsTransient(err) != test.transient {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), test.transient)
			}
		})
	}

	if !IsTransient(errors.New("dial tcp: connection refused")) {
		t.Error("network error not transient")
	}
	if IsTransient(ErrResponseTooLarge) || IsTransient(nil) {
		t.Error("oversized response or nil classified as transient")
	}
}

func TestReadResponseBound(t *testing.T) {
	t.Parallel()
	if _, err := readResponse(strings.NewReader(strings.Repeat("x", int(MaxResponseSize)+1))); !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("oversized body: error = %v", err)
	}
	data, err := readResponse(strings.NewReader(`{"ok":true}`))
	if err != nil || string(data) != `{"ok":true}` {
		t.Errorf("readResponse = %q, %v", data, err)
	}
}

func TestParseAuthorizationRejects(t *testing.T) {
	t.Parallel()
	for _, header := range []string{
		"",
		"Bearer token",
		`X-Matrix origin="remote.example"`,
		`X-Matrix origin="remote.example",key="ed25519:1",sig="!!!"`,
	} {
		if _, err := ParseAuthorization(header); err == nil {
			t.Errorf("ParseAuthorization(%q) succeeded", header)
		}
	}
}

func TestOfflineIsDefinitive(t *testing.T) {
	t.Parallel()
	var client Client = Offline{}
	_, err := client.GetEvent(context.Background(), remote, ref.MustParseEventID("$event"))
	if !IsError(err, ErrCodeForbidden) {
		t.Fatalf("GetEvent error = %v, want M_FORBIDDEN", err)
	}
	if IsTransient(err) {
		t.Error("offline failure reported as transient")
	}
	if _, err := client.Backfill(context.Background(), remote, ref.MustParseRoomID("!room:remote.example"), nil, 10); !IsError(err, ErrCodeForbidden) {
		t.Errorf("Backfill error = %v, want M_FORBIDDEN", err)
	}
}
