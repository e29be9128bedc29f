// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// MarkReferenced records that the given events are named as prev
// events by some later event in the room.
func (s *Store) MarkReferenced(ctx context.Context, roomID ref.RoomID, eventIDs []ref.EventID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		for _, eventID := range eventIDs {
			if err := execute(conn, `
				INSERT INTO referenced_events (room_id, event_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING`, roomID.String(), eventID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking references in %s: %w", roomID, err)
	}
	return nil
}

// IsReferenced reports whether a later event in the room names the
// event as a prev event.
func (s *Store) IsReferenced(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (bool, error) {
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT 1 FROM referenced_events WHERE room_id = ? AND event_id = ?",
			[]any{roomID.String(), eventID.String()}, func(*sqlite.Stmt) error { return nil })
		return err
	})
	if err != nil {
		return false, fmt.Errorf("checking reference to %s: %w", eventID, err)
	}
	return found, nil
}

// ForwardExtremities returns the room's current leaves, sorted.
func (s *Store) ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	var extremities []ref.EventID
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, "SELECT event_id FROM forward_extremities WHERE room_id = ? ORDER BY event_id",
			[]any{roomID.String()}, func(stmt *sqlite.Stmt) error {
				eventID, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				extremities = append(extremities, eventID)
				return nil
			})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading extremities of %s: %w", roomID, err)
	}
	return extremities, nil
}

// SetForwardExtremities replaces the room's leaves.
func (s *Store) SetForwardExtremities(ctx context.Context, roomID ref.RoomID, eventIDs []ref.EventID) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, "DELETE FROM forward_extremities WHERE room_id = ?", roomID.String()); err != nil {
			return err
		}
		for _, eventID := range eventIDs {
			if err := execute(conn, `
				INSERT INTO forward_extremities (room_id, event_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING`, roomID.String(), eventID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting extremities of %s: %w", roomID, err)
	}
	return nil
}
