// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"maps"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// handleOutlier validates an event on its own and persists it as an
// outlier. value is the event's generic JSON. Unless authResolved is
// set, missing auth events are fetched from the origin first.
func (p *Pipeline) handleOutlier(ctx context.Context, room roomContext, eventID ref.EventID, value map[string]any, authResolved bool) (*pdu.PDU, []byte, error) {
	value = maps.Clone(value)
	delete(value, "unsigned")
	delete(value, "event_id")

	if err := p.keyRing.VerifyEventSignatures(ctx, room.rules, value); err != nil {
		if errors.Is(err, signing.ErrKeyUnavailable) {
			return nil, nil, newError(KindTransient, eventID, room.origin, err, "signing key unavailable")
		}
		return nil, nil, newError(KindBadSignature, eventID, room.origin, err, "signature check failed")
	}

	if err := signing.CheckContentHash(room.rules, value); err != nil {
		if !errors.Is(err, signing.ErrContentHashMismatch) {
			return nil, nil, newError(KindInvalid, eventID, room.origin, err, "content hash")
		}
		known, err := p.store.HasEvent(ctx, eventID)
		if err != nil {
			return nil, nil, err
		}
		if known {
			return nil, nil, newError(KindInvalid, eventID, room.origin, nil, "hash mismatch on an event already stored")
		}
		p.logger.Warn("content hash mismatch, redacting event", "event_id", eventID, "origin", room.origin)
		value = room.rules.Redact(value)
	}

	value["event_id"] = eventID.String()
	event, err := pdu.FromValue(eventID, value)
	if err != nil {
		return nil, nil, newError(KindInvalid, eventID, room.origin, err, "malformed event")
	}
	if event.RoomID != room.roomID {
		return nil, nil, newError(KindInvalid, eventID, room.origin, nil, "event belongs to %s, not %s", event.RoomID, room.roomID)
	}

	if !authResolved {
		p.fetchAndHandleOutliers(ctx, room, event.AuthEvents)
	}

	authEvents := make([]*pdu.PDU, 0, len(event.AuthEvents))
	for _, authID := range event.AuthEvents {
		authEvent, err := p.store.GetPDU(ctx, authID)
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("auth event not available", "event_id", eventID, "auth_event", authID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		authEvents = append(authEvents, authEvent)
	}
	authState, err := eventauth.CheckAuthEvents(room.rules, event, authEvents)
	if err != nil {
		if reason, ok := eventauth.ReasonOf(err); ok && reason == eventauth.ReasonBadAuthEvents {
			return nil, nil, newError(KindInvalid, eventID, room.origin, err, "auth events")
		}
		return nil, nil, newError(KindForbidden, eventID, room.origin, err, "auth events")
	}
	if event.Type == schema.MatrixEventTypeCreate {
		if eventID != room.create.EventID {
			return nil, nil, newError(KindInvalid, eventID, room.origin, nil, "second create event for %s", room.roomID)
		}
	} else if create := authState.StateEvent(schema.MatrixEventTypeCreate, ""); create == nil || create.EventID != room.create.EventID {
		return nil, nil, newError(KindInvalid, eventID, room.origin, nil, "auth events name a different create event")
	}
	if err := eventauth.Allowed(room.rules, event, authState); err != nil {
		return nil, nil, newError(KindForbidden, eventID, room.origin, err, "not allowed by its auth events")
	}

	canonical, err := canonicaljson.Marshal(value)
	if err != nil {
		return nil, nil, newError(KindInvalid, eventID, room.origin, err, "canonical encoding")
	}
	if err := p.store.AddOutlier(ctx, event, canonical); err != nil {
		return nil, nil, err
	}
	p.logger.Debug("stored outlier", "event_id", eventID, "room_id", room.roomID, "type", event.Type)
	return event, canonical, nil
}

// remoteEvent is an event fetched from the origin and not yet
// validated.
type remoteEvent struct {
	value      map[string]any
	authEvents []ref.EventID
	timestamp  int64
}

// fetchAndHandleOutliers makes sure every event in eventIDs is stored,
// fetching unknown ones and their unknown auth ancestry from the origin
// and validating them dependencies first. It returns the events that
// are available afterwards; the rest are skipped and recorded in the
// backoff table.
func (p *Pipeline) fetchAndHandleOutliers(ctx context.Context, room roomContext, eventIDs []ref.EventID) []*pdu.PDU {
	pending := make(map[ref.EventID]remoteEvent)
	visit := func(eventID ref.EventID) ([]ref.EventID, bool) {
		if known, err := p.store.HasEvent(ctx, eventID); err != nil || known {
			return nil, false
		}
		if ok, retryAfter := p.backoff.Allowed(eventID); !ok {
			p.logger.Info("backing off from auth event", "event_id", eventID, "retry_after", retryAfter)
			return nil, false
		}
		fetched, err := p.fetchEvent(ctx, room, eventID)
		if err != nil {
			p.backoff.Failure(eventID)
			p.logger.Warn("could not fetch event", "event_id", eventID, "origin", room.origin, "error", err)
			return nil, false
		}
		pending[eventID] = fetched
		return fetched.authEvents, true
	}
	discovered := collectMissing(eventIDs, visit, 0)

	// Validate every event after the auth events it cites.
	nodes := make([]causalNode, 0, len(discovered))
	for _, eventID := range discovered {
		fetched := pending[eventID]
		nodes = append(nodes, causalNode{EventID: eventID, Timestamp: fetched.timestamp, Parents: fetched.authEvents})
	}
	for _, eventID := range sortCausally(nodes) {
		if _, _, err := p.handleOutlier(ctx, room, eventID, pending[eventID].value, true); err != nil {
			p.backoff.Failure(eventID)
			p.logger.Warn("fetched event rejected", "event_id", eventID, "origin", room.origin, "error", err)
			continue
		}
		p.backoff.Success(eventID)
	}

	events := make([]*pdu.PDU, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		event, err := p.store.GetPDU(ctx, eventID)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// fetchOutlier fetches one event with its auth ancestry and validates
// it as an outlier.
func (p *Pipeline) fetchOutlier(ctx context.Context, room roomContext, eventID ref.EventID) (*pdu.PDU, []byte, error) {
	fetched, err := p.fetchEvent(ctx, room, eventID)
	if err != nil {
		return nil, nil, err
	}
	return p.handleOutlier(ctx, room, eventID, fetched.value, false)
}

// fetchEvent requests an event from the origin and checks that its
// content matches the requested ID.
func (p *Pipeline) fetchEvent(ctx context.Context, room roomContext, eventID ref.EventID) (remoteEvent, error) {
	raw, err := p.federation.GetEvent(ctx, room.origin, eventID)
	if err != nil {
		kind := KindInvalid
		if federation.IsTransient(err) {
			kind = KindTransient
		}
		return remoteEvent{}, newError(kind, eventID, room.origin, err, "fetching event")
	}
	value, err := canonicaljson.Parse(raw)
	if err != nil {
		return remoteEvent{}, newError(KindInvalid, eventID, room.origin, err, "fetched event is not a JSON object")
	}
	delete(value, "event_id")
	computed, err := signing.EventIDFor(room.rules, value)
	if err != nil {
		return remoteEvent{}, newError(KindInvalid, eventID, room.origin, err, "deriving event ID")
	}
	if computed != eventID {
		return remoteEvent{}, newError(KindInvalid, eventID, room.origin, nil, "server returned %s instead", computed)
	}
	return remoteEvent{
		value:      value,
		authEvents: parseEventIDs(value["auth_events"]),
		timestamp:  parseTimestamp(value["origin_server_ts"]),
	}, nil
}

// parseTimestamp reads origin_server_ts, zero when it is missing or
// not an integer.
func parseTimestamp(raw any) int64 {
	number, ok := raw.(json.Number)
	if !ok {
		return 0
	}
	timestamp, err := number.Int64()
	if err != nil {
		return 0
	}
	return timestamp
}

// parseEventIDs reads a JSON array of event IDs, skipping malformed
// entries.
func parseEventIDs(raw any) []ref.EventID {
	list, _ := raw.([]any)
	eventIDs := make([]ref.EventID, 0, len(list))
	for _, item := range list {
		text, ok := item.(string)
		if !ok {
			continue
		}
		if eventID, err := ref.ParseEventID(text); err == nil {
			eventIDs = append(eventIDs, eventID)
		}
	}
	return eventIDs
}
