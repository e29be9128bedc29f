// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/ingest"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.ServerName = "example.org"
	cfg.Root = root
	cfg.SigningKeyPath = filepath.Join(root, "keys", "signing.key")
	cfg.Database.Path = filepath.Join(root, "data", "rooms.db")
	cfg.Federation.Enabled = false
	return cfg
}

func newServices(t *testing.T, cfg *config.Config, fakeClock *clock.FakeClock) *Services {
	t.Helper()
	services, err := New(cfg, Options{Logger: testutil.Logger(t), Clock: fakeClock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { services.Close() })
	return services
}

func TestNewGeneratesAndReusesSigningKey(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	first := newServices(t, cfg, fakeClock)
	if first.KeyPair.KeyID != "ed25519:a_20260301" {
		t.Errorf("generated key ID = %q", first.KeyPair.KeyID)
	}
	info, err := os.Stat(cfg.SigningKeyPath)
	if err != nil {
		t.Fatalf("signing key not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("signing key mode = %v, want 0600", info.Mode().Perm())
	}
	if _, ok := first.Federation.(federation.Offline); !ok {
		t.Errorf("federation client = %T, want Offline when disabled", first.Federation)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	second := newServices(t, cfg, fakeClock)
	if !bytes.Equal(second.KeyPair.Public(), first.KeyPair.Public()) {
		t.Error("restart generated a different signing key")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.ServerName = ""
	if _, err := New(cfg, Options{}); err == nil || !strings.Contains(err.Error(), "server_name") {
		t.Errorf("New error = %v, want a server_name complaint", err)
	}
}

func TestRunPrunesBackoff(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Backoff.Base = time.Minute
	cfg.Backoff.Max = 2 * time.Minute
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	services := newServices(t, cfg, fakeClock)

	services.Backoff.Failure(ref.MustParseEventID("$unreachable"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- services.Run(ctx) }()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(MaintenanceInterval)
	// The next timer is registered only after the prune.
	fakeClock.WaitForTimers(1)
	if services.Backoff.Len() != 0 {
		t.Errorf("backoff table has %d entries after maintenance", services.Backoff.Len())
	}

	cancel()
	err := testutil.RequireReceive(t, done, 5*time.Second, "Run did not stop")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
}

func TestReplayTransaction(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	services := newServices(t, cfg, clock.Fake(time.Unix(1_700_000_000, 0)))
	ctx := context.Background()

	roomID := ref.MustParseRoomID("!replay:example.org")
	alice := ref.MustParseUserID("@alice:example.org")
	builder, err := pdu.StateBuilder(schema.MatrixEventTypeCreate, "", map[string]any{"creator": alice.String(), "room_version": "10"})
	if err != nil {
		t.Fatal(err)
	}
	guard, err := services.StateLocks.Lock(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	createID, err := services.Timeline.BuildAndAppendPDU(ctx, builder, alice, roomID, guard)
	guard.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	createJSON, err := services.Store.GetPDUJSON(ctx, createID)
	if err != nil {
		t.Fatal(err)
	}

	body, err := json.Marshal(federation.Transaction{
		Origin: "example.org",
		PDUs: []json.RawMessage{
			createJSON,
			json.RawMessage(`{"room_id":"!nowhere:remote.example","type":"m.room.message"}`),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := services.ReplayTransaction(ctx, ref.ServerName{}, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("ReplayTransaction: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
	replayed, ok := result.PDUs[createID]
	if !ok || replayed.Err != nil || replayed.Outcome.Status != ingest.StatusAccepted {
		t.Errorf("known event replayed as %+v", replayed)
	}

	if _, err := services.ReplayTransaction(ctx, ref.ServerName{}, strings.NewReader("not json")); err == nil {
		t.Error("malformed transaction accepted")
	}
}
