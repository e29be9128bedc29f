// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// CreateRoom registers a room, returning its short room ID.
func (s *Store) CreateRoom(ctx context.Context, roomID ref.RoomID, version roomversion.ID) (uint64, error) {
	var shortRoomID uint64
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, `
			INSERT INTO rooms (room_id, room_version) VALUES (?, ?)
			ON CONFLICT (room_id) DO NOTHING`, roomID.String(), string(version)); err != nil {
			return err
		}
		found, err := queryRow(conn, "SELECT short_room_id FROM rooms WHERE room_id = ?", []any{roomID.String()}, func(stmt *sqlite.Stmt) error {
			shortRoomID = uint64(stmt.ColumnInt64(0))
			return nil
		})
		if err == nil && !found {
			err = fmt.Errorf("room %s vanished after insert", roomID)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("creating room %s: %w", roomID, err)
	}
	return shortRoomID, nil
}

// RoomVersion returns the version the room was created with.
func (s *Store) RoomVersion(ctx context.Context, roomID ref.RoomID) (roomversion.ID, error) {
	var version roomversion.ID
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT room_version FROM rooms WHERE room_id = ?", []any{roomID.String()}, func(stmt *sqlite.Stmt) error {
			version = roomversion.ID(stmt.ColumnText(0))
			return nil
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reading version of %s: %w", roomID, err)
	}
	if !found {
		return "", notFound("room %s", roomID)
	}
	return version, nil
}

// ShortRoomID returns the room's short ID.
func (s *Store) ShortRoomID(ctx context.Context, roomID ref.RoomID) (uint64, error) {
	var shortRoomID uint64
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = lookupShortRoomID(conn, roomID, &shortRoomID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reading short ID of %s: %w", roomID, err)
	}
	if !found {
		return 0, notFound("room %s", roomID)
	}
	return shortRoomID, nil
}

func lookupShortRoomID(conn *sqlite.Conn, roomID ref.RoomID, shortRoomID *uint64) (bool, error) {
	return queryRow(conn, "SELECT short_room_id FROM rooms WHERE room_id = ?", []any{roomID.String()}, func(stmt *sqlite.Stmt) error {
		*shortRoomID = uint64(stmt.ColumnInt64(0))
		return nil
	})
}

// SetAlias points a local alias at a room.
func (s *Store) SetAlias(ctx context.Context, alias ref.RoomAlias, roomID ref.RoomID) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return execute(conn, `
			INSERT INTO room_aliases (alias, room_id) VALUES (?, ?)
			ON CONFLICT (alias) DO UPDATE SET room_id = excluded.room_id`, alias.String(), roomID.String())
	})
	if err != nil {
		return fmt.Errorf("setting alias %s: %w", alias, err)
	}
	return nil
}

// LocalAliases returns every alias pointing at the room, sorted.
func (s *Store) LocalAliases(ctx context.Context, roomID ref.RoomID) ([]ref.RoomAlias, error) {
	var aliases []ref.RoomAlias
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, "SELECT alias FROM room_aliases WHERE room_id = ? ORDER BY alias", []any{roomID.String()}, func(stmt *sqlite.Stmt) error {
			alias, err := ref.ParseRoomAlias(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			aliases = append(aliases, alias)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing aliases of %s: %w", roomID, err)
	}
	return aliases, nil
}
