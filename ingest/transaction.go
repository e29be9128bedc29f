// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bureau-foundation/roomserver/federation"
	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/signing"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// PDUResult is the outcome of one event of a transaction.
type PDUResult struct {
	Outcome Outcome
	Err     error
}

// TransactionResult maps each event of a transaction whose ID could be
// derived to its outcome. Events that named an unknown room or were
// not parseable are counted in Skipped.
type TransactionResult struct {
	PDUs    map[ref.EventID]PDUResult
	Skipped int
}

// Response renders the result as the body of a /send response: an
// entry per event, carrying an error message for failures.
func (result TransactionResult) Response() map[string]any {
	pdus := make(map[string]any, len(result.PDUs))
	for eventID, pduResult := range result.PDUs {
		entry := map[string]string{}
		if pduResult.Err != nil {
			entry["error"] = pduResult.Err.Error()
		} else if pduResult.Outcome.Status == StatusSoftFailed {
			entry["error"] = "event soft-failed"
		}
		pdus[eventID.String()] = entry
	}
	return map[string]any{"pdus": pdus}
}

// HandleTransaction ingests the PDUs of a transaction from origin as
// timeline events. Events are grouped by room; each room's events are
// handled in transaction order while holding the room's federation
// lock.
func (p *Pipeline) HandleTransaction(ctx context.Context, origin ref.ServerName, transaction federation.Transaction) TransactionResult {
	result := TransactionResult{PDUs: make(map[ref.EventID]PDUResult, len(transaction.PDUs))}

	type parsedPDU struct {
		eventID ref.EventID
		value   json.RawMessage
	}
	var roomOrder []ref.RoomID
	byRoom := make(map[ref.RoomID][]parsedPDU)

	for _, raw := range transaction.PDUs {
		roomID, eventID, err := p.identify(ctx, raw)
		if err != nil {
			result.Skipped++
			p.logger.Info("skipping transaction event", "origin", origin, "error", err)
			continue
		}
		if _, ok := byRoom[roomID]; !ok {
			roomOrder = append(roomOrder, roomID)
		}
		byRoom[roomID] = append(byRoom[roomID], parsedPDU{eventID: eventID, value: raw})
	}

	for _, roomID := range roomOrder {
		guard, err := p.federationLocks.Lock(ctx, roomID)
		if err != nil {
			for _, parsed := range byRoom[roomID] {
				result.PDUs[parsed.eventID] = PDUResult{Err: err}
			}
			continue
		}
		for _, parsed := range byRoom[roomID] {
			outcome, err := p.HandleIncomingPDU(ctx, origin, parsed.eventID, roomID, parsed.value, true)
			if err != nil {
				p.logger.Warn("transaction event failed",
					"origin", origin,
					"event_id", parsed.eventID,
					"room_id", roomID,
					"error", err,
				)
			}
			result.PDUs[parsed.eventID] = PDUResult{Outcome: outcome, Err: err}
		}
		guard.Unlock()
	}

	p.logger.Info("handled transaction",
		"origin", origin,
		"pdus", len(transaction.PDUs),
		"rooms", len(roomOrder),
		"skipped", result.Skipped,
	)
	return result
}

// identify reads an event's room and derives its event ID under the
// room's version.
func (p *Pipeline) identify(ctx context.Context, raw json.RawMessage) (ref.RoomID, ref.EventID, error) {
	value, err := canonicaljson.Parse(raw)
	if err != nil {
		return ref.RoomID{}, ref.EventID{}, err
	}
	rawRoomID, _ := value["room_id"].(string)
	roomID, err := ref.ParseRoomID(rawRoomID)
	if err != nil {
		return ref.RoomID{}, ref.EventID{}, err
	}
	rules, err := p.state.RoomRules(ctx, roomID)
	if err != nil {
		return ref.RoomID{}, ref.EventID{}, err
	}
	delete(value, "event_id")
	eventID, err := signing.EventIDFor(rules, value)
	if err != nil {
		return ref.RoomID{}, ref.EventID{}, err
	}
	return roomID, eventID, nil
}

// ValidateBackfilled validates an event received in a backfill
// response as an outlier, fetching its auth events when needed.
func (p *Pipeline) ValidateBackfilled(ctx context.Context, origin ref.ServerName, roomID ref.RoomID, value json.RawMessage) (*pdu.PDU, []byte, error) {
	identifiedRoom, eventID, err := p.identify(ctx, value)
	if err != nil {
		return nil, nil, newError(KindInvalid, ref.EventID{}, origin, err, "backfilled event")
	}
	if identifiedRoom != roomID {
		return nil, nil, newError(KindInvalid, eventID, origin, nil, "backfilled event belongs to %s, not %s", identifiedRoom, roomID)
	}

	event, canonical, err := p.storedOutlier(ctx, eventID)
	if err != nil || event != nil {
		return event, canonical, err
	}

	room, err := p.room(ctx, origin, eventID, roomID)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := canonicaljson.Parse(value)
	if err != nil {
		return nil, nil, newError(KindInvalid, eventID, origin, err, "backfilled event")
	}
	event, canonical, err = p.handleOutlier(ctx, room, eventID, parsed, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, newError(KindBadDatabase, eventID, origin, err, "backfilled event")
		}
		return nil, nil, err
	}
	return event, canonical, nil
}
