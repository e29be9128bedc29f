// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// SetReadMarker moves the user's read marker and resets their
// notification counts for the room.
func (s *Store) SetReadMarker(ctx context.Context, roomID ref.RoomID, userID ref.UserID, count pdu.Count) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, `
			INSERT INTO read_markers (room_id, user_id, position) VALUES (?, ?, ?)
			ON CONFLICT (room_id, user_id) DO UPDATE SET position = excluded.position`,
			roomID.String(), userID.String(), count.Position()); err != nil {
			return err
		}
		return execute(conn, "DELETE FROM notification_counts WHERE room_id = ? AND user_id = ?",
			roomID.String(), userID.String())
	})
	if err != nil {
		return fmt.Errorf("setting read marker of %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// ReadMarker returns the user's read marker in the room.
func (s *Store) ReadMarker(ctx context.Context, roomID ref.RoomID, userID ref.UserID) (pdu.Count, error) {
	var count pdu.Count
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT position FROM read_markers WHERE room_id = ? AND user_id = ?",
			[]any{roomID.String(), userID.String()}, func(stmt *sqlite.Stmt) error {
				count = pdu.CountFromPosition(stmt.ColumnInt64(0))
				return nil
			})
		return err
	})
	if err != nil {
		return pdu.Count{}, fmt.Errorf("reading read marker of %s in %s: %w", userID, roomID, err)
	}
	if !found {
		return pdu.Count{}, notFound("read marker of %s in %s", userID, roomID)
	}
	return count, nil
}

// IncrementNotificationCounts bumps the user's notify count, and the
// highlight count when highlight is set.
func (s *Store) IncrementNotificationCounts(ctx context.Context, roomID ref.RoomID, userID ref.UserID, highlight bool) error {
	var highlightDelta int64
	if highlight {
		highlightDelta = 1
	}
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return execute(conn, `
			INSERT INTO notification_counts (room_id, user_id, notify, highlight) VALUES (?, ?, 1, ?)
			ON CONFLICT (room_id, user_id) DO UPDATE SET
				notify = notify + 1,
				highlight = highlight + excluded.highlight`,
			roomID.String(), userID.String(), highlightDelta)
	})
	if err != nil {
		return fmt.Errorf("counting notification for %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// NotificationCounts returns the unread notify and highlight counts.
// Users without counts have zero of each.
func (s *Store) NotificationCounts(ctx context.Context, roomID ref.RoomID, userID ref.UserID) (notify, highlight uint64, err error) {
	err = s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, "SELECT notify, highlight FROM notification_counts WHERE room_id = ? AND user_id = ?",
			[]any{roomID.String(), userID.String()}, func(stmt *sqlite.Stmt) error {
				notify = uint64(stmt.ColumnInt64(0))
				highlight = uint64(stmt.ColumnInt64(1))
				return nil
			})
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("reading notification counts of %s in %s: %w", userID, roomID, err)
	}
	return notify, highlight, nil
}
