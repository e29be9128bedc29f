// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/lib/appservice"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomlock"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/store"
	"github.com/bureau-foundation/roomserver/roomstate"
)

// DefaultBackfillLimit is the number of events requested per backfill.
const DefaultBackfillLimit = 100

// BackfillValidator validates an event received in a backfill
// response. The ingestion pipeline implements it.
type BackfillValidator interface {
	// ValidateBackfilled checks a raw event from origin as an outlier
	// and returns it with its canonical JSON, ready for insertion.
	ValidateBackfilled(ctx context.Context, origin ref.ServerName, roomID ref.RoomID, value json.RawMessage) (*pdu.PDU, []byte, error)
}

// Config configures a Timeline.
type Config struct {
	ServerName ref.ServerName
	KeyPair    signing.KeyPair

	Store store.Store
	State *roomstate.Service

	// StateLocks is the registry whose guards AppendPDU requires.
	StateLocks *roomlock.Registry
	Fence      *roomlock.Fence

	Federation     federation.Client
	TrustedServers []ref.ServerName
	BackfillLimit  int

	// Push evaluates notifications. Nil means DefaultPushEvaluator.
	Push PushEvaluator

	// Appservices and AppserviceQueue are optional; without them no
	// events are queued for application services.
	Appservices     *appservice.Registry
	AppserviceQueue *appservice.Queue

	Clock  clock.Clock
	Logger *slog.Logger
}

// Timeline is the room event log.
type Timeline struct {
	serverName ref.ServerName
	keyPair    signing.KeyPair

	store      store.Store
	state      *roomstate.Service
	stateLocks *roomlock.Registry
	fence      *roomlock.Fence

	federation     federation.Client
	trustedServers []ref.ServerName
	backfillLimit  int

	push            PushEvaluator
	appservices     *appservice.Registry
	appserviceQueue *appservice.Queue

	clock  clock.Clock
	logger *slog.Logger

	validatorMu sync.RWMutex
	validator   BackfillValidator
}

// New creates a Timeline.
func New(config Config) (*Timeline, error) {
	if config.Store == nil || config.State == nil {
		return nil, fmt.Errorf("timeline: Store and State are required")
	}
	if config.StateLocks == nil || config.Fence == nil {
		return nil, fmt.Errorf("timeline: StateLocks and Fence are required")
	}
	if config.ServerName.IsZero() {
		return nil, fmt.Errorf("timeline: ServerName is required")
	}
	if config.Push == nil {
		config.Push = DefaultPushEvaluator{}
	}
	if config.BackfillLimit <= 0 {
		config.BackfillLimit = DefaultBackfillLimit
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Timeline{
		serverName:      config.ServerName,
		keyPair:         config.KeyPair,
		store:           config.Store,
		state:           config.State,
		stateLocks:      config.StateLocks,
		fence:           config.Fence,
		federation:      config.Federation,
		trustedServers:  config.TrustedServers,
		backfillLimit:   config.BackfillLimit,
		push:            config.Push,
		appservices:     config.Appservices,
		appserviceQueue: config.AppserviceQueue,
		clock:           config.Clock,
		logger:          config.Logger,
	}, nil
}

// SetBackfillValidator installs the validator used for backfilled
// events. The pipeline that implements it depends on the timeline, so
// it is wired after construction.
func (t *Timeline) SetBackfillValidator(validator BackfillValidator) {
	t.validatorMu.Lock()
	defer t.validatorMu.Unlock()
	t.validator = validator
}

func (t *Timeline) backfillValidator() BackfillValidator {
	t.validatorMu.RLock()
	defer t.validatorMu.RUnlock()
	return t.validator
}

// isLocal reports whether a user belongs to this server.
func (t *Timeline) isLocal(userID ref.UserID) bool {
	return userID.Server() == t.serverName
}
