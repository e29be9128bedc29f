// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/lib/backoff"
	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomlock"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/store"
	"github.com/bureau-foundation/roomserver/roomstate"
	"github.com/bureau-foundation/roomserver/timeline"
)

// DefaultPrevEventLimit caps how many missing prev events one incoming
// event may pull in.
const DefaultPrevEventLimit = 100

// Config configures a Pipeline.
type Config struct {
	Store    store.Store
	State    *roomstate.Service
	Timeline *timeline.Timeline

	// StateLocks serializes state mutation per room; it must be the
	// registry the timeline checks guards against.
	StateLocks *roomlock.Registry

	// FederationLocks serializes transactions touching the same room.
	FederationLocks *roomlock.Registry

	Federation federation.Client
	KeyRing    *signing.KeyRing
	Backoff    *backoff.Table

	PrevEventLimit int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Pipeline ingests federated events. It is safe for concurrent use.
type Pipeline struct {
	store           store.Store
	state           *roomstate.Service
	timeline        *timeline.Timeline
	stateLocks      *roomlock.Registry
	federationLocks *roomlock.Registry
	federation      federation.Client
	keyRing         *signing.KeyRing
	backoff         *backoff.Table
	prevEventLimit  int
	clock           clock.Clock
	logger          *slog.Logger
}

// New creates a Pipeline and installs it as the timeline's backfill
// validator.
func New(config Config) (*Pipeline, error) {
	switch {
	case config.Store == nil || config.State == nil || config.Timeline == nil:
		return nil, fmt.Errorf("ingest: Store, State and Timeline are required")
	case config.StateLocks == nil:
		return nil, fmt.Errorf("ingest: StateLocks is required")
	case config.Federation == nil || config.KeyRing == nil:
		return nil, fmt.Errorf("ingest: Federation and KeyRing are required")
	}
	if config.FederationLocks == nil {
		config.FederationLocks = roomlock.NewRegistry("federation")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Backoff == nil {
		config.Backoff = backoff.New(backoff.Config{Clock: config.Clock})
	}
	if config.PrevEventLimit <= 0 {
		config.PrevEventLimit = DefaultPrevEventLimit
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	pipeline := &Pipeline{
		store:           config.Store,
		state:           config.State,
		timeline:        config.Timeline,
		stateLocks:      config.StateLocks,
		federationLocks: config.FederationLocks,
		federation:      config.Federation,
		keyRing:         config.KeyRing,
		backoff:         config.Backoff,
		prevEventLimit:  config.PrevEventLimit,
		clock:           config.Clock,
		logger:          config.Logger,
	}
	config.Timeline.SetBackfillValidator(pipeline)
	return pipeline, nil
}

// Backoff returns the table of events that recently failed to fetch.
func (p *Pipeline) Backoff() *backoff.Table { return p.backoff }

// roomContext is what every step of ingesting into one room needs.
type roomContext struct {
	roomID ref.RoomID
	origin ref.ServerName
	rules  roomversion.Rules
	create *pdu.PDU
}

// HandleIncomingPDU ingests one event received from origin. value is
// the event JSON without event_id; eventID is derived from it by the
// caller. A timeline event that is accepted reports its position.
//
// Known events return immediately: a timeline event with its existing
// position, anything else as an outlier. Failures are *Error values.
func (p *Pipeline) HandleIncomingPDU(ctx context.Context, origin ref.ServerName, eventID ref.EventID, roomID ref.RoomID, value json.RawMessage, isTimeline bool) (Outcome, error) {
	if count, ok, err := p.store.PDUCount(ctx, eventID); err != nil {
		return Outcome{}, err
	} else if ok {
		return accepted(count), nil
	}
	if softFailed, err := p.store.IsSoftFailed(ctx, eventID); err != nil {
		return Outcome{}, err
	} else if softFailed {
		return Outcome{Status: StatusSoftFailed}, nil
	}

	room, err := p.room(ctx, origin, eventID, roomID)
	if err != nil {
		return Outcome{}, err
	}

	if ok, retryAfter := p.backoff.Allowed(eventID); !ok {
		p.logger.Info("backing off from event", "event_id", eventID, "retry_after", retryAfter)
		return Outcome{Status: StatusDeferred, RetryAfter: retryAfter}, nil
	}

	event, canonical, err := p.storedOutlier(ctx, eventID)
	if err != nil {
		return Outcome{}, err
	}
	if event != nil && event.RoomID != roomID {
		return Outcome{}, newError(KindInvalid, eventID, origin, nil, "event belongs to %s, not %s", event.RoomID, roomID)
	}
	if event == nil {
		parsed, err := canonicaljson.Parse(value)
		if err != nil {
			return Outcome{}, newError(KindInvalid, eventID, origin, err, "event is not a JSON object")
		}
		event, canonical, err = p.handleOutlier(ctx, room, eventID, parsed, false)
		if err != nil {
			if IsKind(err, KindTransient) {
				p.backoff.Failure(eventID)
			}
			return Outcome{}, err
		}
	}
	if !isTimeline {
		return Outcome{Status: StatusOutlier}, nil
	}

	first, err := p.store.FirstPDU(ctx, roomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}
	if err == nil && event.OriginServerTS < first.Event.OriginServerTS {
		p.logger.Debug("ignoring event older than the room's first event", "event_id", eventID, "room_id", roomID)
		return Outcome{Status: StatusIgnored}, nil
	}

	p.replayMissingPrevEvents(ctx, room, event, first)

	outcome, err := p.upgradeOutlierToTimeline(ctx, room, event, canonical)
	if err != nil {
		if IsKind(err, KindTransient) {
			p.backoff.Failure(eventID)
		}
		return Outcome{}, err
	}
	p.backoff.Success(eventID)
	return outcome, nil
}

// room checks the preconditions for accepting anything from origin
// into roomID and loads the room's version and create event.
func (p *Pipeline) room(ctx context.Context, origin ref.ServerName, eventID ref.EventID, roomID ref.RoomID) (roomContext, error) {
	rules, err := p.state.RoomRules(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return roomContext{}, newError(KindNotFound, eventID, origin, err, "room %s is not known", roomID)
	}
	if err != nil {
		return roomContext{}, err
	}

	create, err := p.state.CreateEvent(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return roomContext{}, newError(KindBadDatabase, eventID, origin, err, "room %s has no create event", roomID)
	}
	if err != nil {
		return roomContext{}, err
	}

	disabled, err := p.state.FederationDisabled(ctx, roomID)
	if err != nil {
		return roomContext{}, err
	}
	if disabled {
		return roomContext{}, newError(KindForbidden, eventID, origin, nil, "federation is disabled in %s", roomID)
	}
	allowed, err := p.state.ServerAllowed(ctx, roomID, origin)
	if err != nil {
		return roomContext{}, err
	}
	if !allowed {
		return roomContext{}, newError(KindForbidden, eventID, origin, nil, "server is denied by the ACL of %s", roomID)
	}
	return roomContext{roomID: roomID, origin: origin, rules: rules, create: create}, nil
}

// replayMissingPrevEvents fetches the prev events of event that are not
// stored, oldest first, and runs each through the timeline path.
// Failures are recorded in the backoff table and do not stop the
// replay.
func (p *Pipeline) replayMissingPrevEvents(ctx context.Context, room roomContext, event *pdu.PDU, first store.TimelineEntry) {
	fetched := make(map[ref.EventID]*pdu.PDU)
	canonicalJSON := make(map[ref.EventID][]byte)

	visit := func(eventID ref.EventID) ([]ref.EventID, bool) {
		if eventID == event.EventID {
			return event.PrevEvents, true
		}
		if known, err := p.store.HasEvent(ctx, eventID); err != nil || known {
			if known {
				// An outlier may still need to join the timeline.
				return p.knownPrevEvent(ctx, eventID, fetched, canonicalJSON)
			}
			return nil, false
		}
		if ok, _ := p.backoff.Allowed(eventID); !ok {
			p.logger.Info("backing off from prev event", "event_id", eventID)
			return nil, false
		}
		prev, canonical, err := p.fetchOutlier(ctx, room, eventID)
		if err != nil {
			p.backoff.Failure(eventID)
			p.logger.Warn("could not fetch prev event", "event_id", eventID, "origin", room.origin, "error", err)
			return nil, false
		}
		fetched[eventID] = prev
		canonicalJSON[eventID] = canonical
		if first.Event != nil && prev.OriginServerTS < first.Event.OriginServerTS {
			return nil, true
		}
		return prev.PrevEvents, true
	}
	collectMissing([]ref.EventID{event.EventID}, visit, p.prevEventLimit+1)

	nodes := make([]causalNode, 0, len(fetched))
	for eventID, prev := range fetched {
		nodes = append(nodes, causalNode{EventID: eventID, Timestamp: prev.OriginServerTS, Parents: prev.PrevEvents})
	}
	for _, eventID := range sortCausally(nodes) {
		prev := fetched[eventID]
		if first.Event != nil && prev.OriginServerTS < first.Event.OriginServerTS {
			continue
		}
		if ok, _ := p.backoff.Allowed(eventID); !ok {
			continue
		}
		if _, err := p.upgradeOutlierToTimeline(ctx, room, prev, canonicalJSON[eventID]); err != nil {
			p.backoff.Failure(eventID)
			p.logger.Warn("prev event not accepted", "event_id", eventID, "room_id", room.roomID, "error", err)
			continue
		}
		p.backoff.Success(eventID)
	}
}

// knownPrevEvent queues a stored outlier for the timeline and stops
// the walk there. Events already on the timeline or soft-failed are
// left alone.
func (p *Pipeline) knownPrevEvent(ctx context.Context, eventID ref.EventID, fetched map[ref.EventID]*pdu.PDU, canonicalJSON map[ref.EventID][]byte) ([]ref.EventID, bool) {
	if _, onTimeline, err := p.store.PDUCount(ctx, eventID); err != nil || onTimeline {
		return nil, false
	}
	if softFailed, err := p.store.IsSoftFailed(ctx, eventID); err != nil || softFailed {
		return nil, false
	}
	event, err := p.store.GetPDU(ctx, eventID)
	if err != nil {
		return nil, false
	}
	canonical, err := p.store.GetPDUJSON(ctx, eventID)
	if err != nil {
		return nil, false
	}
	fetched[eventID] = event
	canonicalJSON[eventID] = canonical
	return nil, true
}

// storedOutlier returns an event already validated as an outlier, or
// nil when it is not stored.
func (p *Pipeline) storedOutlier(ctx context.Context, eventID ref.EventID) (*pdu.PDU, []byte, error) {
	event, err := p.store.GetPDU(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	canonical, err := p.store.GetPDUJSON(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	return event, canonical, nil
}
