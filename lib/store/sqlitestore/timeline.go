// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// Positions are stored as signed integers (backfilled counts
// negative), so SQL ordering on position is timeline order.

// PDUsBefore returns events strictly before until, newest first.
func (s *Store) PDUsBefore(ctx context.Context, roomID ref.RoomID, until pdu.Count, limit int) ([]store.TimelineEntry, error) {
	return s.timelineRange(ctx, roomID, `
		SELECT event_id, position, pdu FROM events
		WHERE short_room_id = ? AND position IS NOT NULL AND position < ?
		ORDER BY position DESC LIMIT ?`, limit, until.Position())
}

// PDUsAfter returns events strictly after from, oldest first.
func (s *Store) PDUsAfter(ctx context.Context, roomID ref.RoomID, from pdu.Count, limit int) ([]store.TimelineEntry, error) {
	return s.timelineRange(ctx, roomID, `
		SELECT event_id, position, pdu FROM events
		WHERE short_room_id = ? AND position IS NOT NULL AND position > ?
		ORDER BY position ASC LIMIT ?`, limit, from.Position())
}

// FirstPDU returns the earliest event of the room's timeline.
func (s *Store) FirstPDU(ctx context.Context, roomID ref.RoomID) (store.TimelineEntry, error) {
	return s.timelineEdge(ctx, roomID, "ASC")
}

// LatestPDU returns the most recent event of the room's timeline.
func (s *Store) LatestPDU(ctx context.Context, roomID ref.RoomID) (store.TimelineEntry, error) {
	return s.timelineEdge(ctx, roomID, "DESC")
}

func (s *Store) timelineEdge(ctx context.Context, roomID ref.RoomID, direction string) (store.TimelineEntry, error) {
	entries, err := s.timelineRange(ctx, roomID, `
		SELECT event_id, position, pdu FROM events
		WHERE short_room_id = ? AND position IS NOT NULL
		ORDER BY position `+direction+` LIMIT ?`, 1)
	if err != nil {
		return store.TimelineEntry{}, err
	}
	if len(entries) == 0 {
		return store.TimelineEntry{}, notFound("timeline of %s", roomID)
	}
	return entries[0], nil
}

// timelineRange runs a query whose parameters are the short room ID,
// then bounds, then the limit, and decodes the (event_id, position,
// pdu) rows.
func (s *Store) timelineRange(ctx context.Context, roomID ref.RoomID, query string, limit int, bounds ...int64) ([]store.TimelineEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var entries []store.TimelineEntry
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var shortRoomID uint64
		found, err := lookupShortRoomID(conn, roomID, &shortRoomID)
		if err != nil {
			return err
		}
		if !found {
			return notFound("room %s", roomID)
		}
		args := []any{int64(shortRoomID)}
		for _, bound := range bounds {
			args = append(args, bound)
		}
		args = append(args, int64(limit))
		_, err = queryRow(conn, query, args, func(stmt *sqlite.Stmt) error {
			eventID, err := ref.ParseEventID(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			event, err := decodeEvent(eventID, columnBlob(stmt, 2))
			if err != nil {
				return err
			}
			entries = append(entries, store.TimelineEntry{
				Count: pdu.CountFromPosition(stmt.ColumnInt64(1)),
				Event: event,
			})
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading timeline of %s: %w", roomID, err)
	}
	return entries, nil
}
