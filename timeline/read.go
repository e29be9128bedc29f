// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"errors"

	"github.com/bureau-foundation/roomserver/lib/bm25"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// PDUsBefore returns up to limit events strictly before until, newest
// first. It waits for in-flight appends in the room to settle, so the
// result is a consistent prefix of the timeline.
func (t *Timeline) PDUsBefore(ctx context.Context, roomID ref.RoomID, until pdu.Count, limit int) ([]store.TimelineEntry, error) {
	if err := t.fence.Wait(ctx, roomID); err != nil {
		return nil, err
	}
	return t.store.PDUsBefore(ctx, roomID, until, limit)
}

// PDUsAfter returns up to limit events strictly after from, oldest
// first, once in-flight appends have settled.
func (t *Timeline) PDUsAfter(ctx context.Context, roomID ref.RoomID, from pdu.Count, limit int) ([]store.TimelineEntry, error) {
	if err := t.fence.Wait(ctx, roomID); err != nil {
		return nil, err
	}
	return t.store.PDUsAfter(ctx, roomID, from, limit)
}

const allPDUsBatch = 256

// AllPDUs returns the room's whole timeline in count order.
func (t *Timeline) AllPDUs(ctx context.Context, roomID ref.RoomID) ([]store.TimelineEntry, error) {
	if err := t.fence.Wait(ctx, roomID); err != nil {
		return nil, err
	}
	first, err := t.store.FirstPDU(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries := []store.TimelineEntry{first}
	cursor := first.Count
	for {
		batch, err := t.store.PDUsAfter(ctx, roomID, cursor, allPDUsBatch)
		if err != nil {
			return nil, err
		}
		entries = append(entries, batch...)
		if len(batch) < allPDUsBatch {
			return entries, nil
		}
		cursor = batch[len(batch)-1].Count
	}
}

// LatestEventIDs returns the room's forward extremities.
func (t *Timeline) LatestEventIDs(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	return t.store.ForwardExtremities(ctx, roomID)
}

// searchCandidates bounds how many matching events are scored for one
// search.
const searchCandidates = 500

// SearchMessages returns up to limit events in the room whose body
// contains every term of query, most relevant first. Equally relevant
// events are ordered newest first.
func (t *Timeline) SearchMessages(ctx context.Context, roomID ref.RoomID, query string, limit int) ([]ref.EventID, error) {
	if limit <= 0 {
		return nil, nil
	}
	candidates, err := t.store.SearchMessages(ctx, roomID, query, max(limit, searchCandidates))
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	messages := make([]bm25.Message, 0, len(candidates))
	for _, eventID := range candidates {
		event, err := t.store.GetPDU(ctx, eventID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, bm25.Message{EventID: eventID, Body: event.Body()})
	}
	ranked := bm25.New(messages).Rank(query, limit)
	found := make([]ref.EventID, len(ranked))
	for i, result := range ranked {
		found[i] = result.EventID
	}
	return found, nil
}
