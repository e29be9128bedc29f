// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// EventStateHash returns the snapshot of the state before the event.
func (s *Store) EventStateHash(ctx context.Context, eventID ref.EventID) (uint64, error) {
	return s.readStateHash(ctx, "SELECT state_hash FROM events WHERE event_id = ?", eventID.String(), "event "+eventID.String())
}

// SetEventStateHash records the snapshot of the state before the event.
func (s *Store) SetEventStateHash(ctx context.Context, eventID ref.EventID, shortStateHash uint64) error {
	return s.writeStateHash(ctx, "UPDATE events SET state_hash = ? WHERE event_id = ?", eventID.String(), shortStateHash, "event "+eventID.String())
}

// RoomStateHash returns the snapshot of the room's current state.
func (s *Store) RoomStateHash(ctx context.Context, roomID ref.RoomID) (uint64, error) {
	return s.readStateHash(ctx, "SELECT state_hash FROM rooms WHERE room_id = ?", roomID.String(), "room "+roomID.String())
}

// SetRoomStateHash moves the room's current state to a snapshot.
func (s *Store) SetRoomStateHash(ctx context.Context, roomID ref.RoomID, shortStateHash uint64) error {
	return s.writeStateHash(ctx, "UPDATE rooms SET state_hash = ? WHERE room_id = ?", roomID.String(), shortStateHash, "room "+roomID.String())
}

func (s *Store) readStateHash(ctx context.Context, query, key, subject string) (uint64, error) {
	var shortStateHash uint64
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, query, []any{key}, func(stmt *sqlite.Stmt) error {
			if stmt.ColumnType(0) != sqlite.TypeNull {
				found = true
				shortStateHash = uint64(stmt.ColumnInt64(0))
			}
			return nil
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reading state hash of %s: %w", subject, err)
	}
	if !found {
		return 0, notFound("state hash of %s", subject)
	}
	return shortStateHash, nil
}

func (s *Store) writeStateHash(ctx context.Context, query, key string, shortStateHash uint64, subject string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, query, int64(shortStateHash), key); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return notFound("%s", subject)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting state hash of %s: %w", subject, err)
	}
	return nil
}

// GetOrCreateShortStateKey interns a (type, state_key) pair.
func (s *Store) GetOrCreateShortStateKey(ctx context.Context, key pdu.TypeStateKey) (uint64, error) {
	var short uint64
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, `
			INSERT INTO short_state_keys (event_type, state_key) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, string(key.Type), key.StateKey); err != nil {
			return err
		}
		_, err := queryRow(conn, "SELECT short FROM short_state_keys WHERE event_type = ? AND state_key = ?",
			[]any{string(key.Type), key.StateKey}, func(stmt *sqlite.Stmt) error {
				short = uint64(stmt.ColumnInt64(0))
				return nil
			})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("interning state key %s: %w", key, err)
	}
	return short, nil
}

// ShortStateKey returns the interned ID of a (type, state_key) pair.
func (s *Store) ShortStateKey(ctx context.Context, key pdu.TypeStateKey) (uint64, error) {
	var short uint64
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT short FROM short_state_keys WHERE event_type = ? AND state_key = ?",
			[]any{string(key.Type), key.StateKey}, func(stmt *sqlite.Stmt) error {
				short = uint64(stmt.ColumnInt64(0))
				return nil
			})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reading state key %s: %w", key, err)
	}
	if !found {
		return 0, notFound("state key %s", key)
	}
	return short, nil
}

// TypeStateKey resolves an interned state key.
func (s *Store) TypeStateKey(ctx context.Context, shortStateKey uint64) (pdu.TypeStateKey, error) {
	var key pdu.TypeStateKey
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT event_type, state_key FROM short_state_keys WHERE short = ?",
			[]any{int64(shortStateKey)}, func(stmt *sqlite.Stmt) error {
				key = pdu.TypeStateKey{Type: ref.EventType(stmt.ColumnText(0)), StateKey: stmt.ColumnText(1)}
				return nil
			})
		return err
	})
	if err != nil {
		return pdu.TypeStateKey{}, fmt.Errorf("resolving short state key %d: %w", shortStateKey, err)
	}
	if !found {
		return pdu.TypeStateKey{}, notFound("short state key %d", shortStateKey)
	}
	return key, nil
}

// GetOrCreateShortEventID interns an event ID.
func (s *Store) GetOrCreateShortEventID(ctx context.Context, eventID ref.EventID) (uint64, error) {
	var short uint64
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, `
			INSERT INTO short_event_ids (event_id) VALUES (?)
			ON CONFLICT DO NOTHING`, eventID.String()); err != nil {
			return err
		}
		_, err := queryRow(conn, "SELECT short FROM short_event_ids WHERE event_id = ?",
			[]any{eventID.String()}, func(stmt *sqlite.Stmt) error {
				short = uint64(stmt.ColumnInt64(0))
				return nil
			})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("interning %s: %w", eventID, err)
	}
	return short, nil
}

// EventIDForShort resolves an interned event ID.
func (s *Store) EventIDForShort(ctx context.Context, shortEventID uint64) (ref.EventID, error) {
	var eventID ref.EventID
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT event_id FROM short_event_ids WHERE short = ?",
			[]any{int64(shortEventID)}, func(stmt *sqlite.Stmt) error {
				eventID, err = ref.ParseEventID(stmt.ColumnText(0))
				return err
			})
		return err
	})
	if err != nil {
		return ref.EventID{}, fmt.Errorf("resolving short event ID %d: %w", shortEventID, err)
	}
	if !found {
		return ref.EventID{}, notFound("short event ID %d", shortEventID)
	}
	return eventID, nil
}

// PutStateLayer stores a layer as lz4-compressed CBOR, deduplicated by
// fingerprint.
func (s *Store) PutStateLayer(ctx context.Context, fingerprint [32]byte, layer store.StateLayer) (uint64, bool, error) {
	record, err := codec.Marshal(layer)
	if err != nil {
		return 0, false, fmt.Errorf("encoding state layer: %w", err)
	}
	bodyCodec, body, err := compressBlob(record, codecLZ4)
	if err != nil {
		return 0, false, fmt.Errorf("compressing state layer: %w", err)
	}

	var shortStateHash uint64
	var created bool
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		found, err := queryRow(conn, "SELECT short_state_hash FROM state_layers WHERE fingerprint = ?",
			[]any{fingerprint[:]}, func(stmt *sqlite.Stmt) error {
				shortStateHash = uint64(stmt.ColumnInt64(0))
				return nil
			})
		if err != nil || found {
			return err
		}
		if err := execute(conn, `
			INSERT INTO state_layers (fingerprint, codec, size, body) VALUES (?, ?, ?, ?)`,
			fingerprint[:], int64(bodyCodec), int64(len(record)), body); err != nil {
			return err
		}
		shortStateHash = uint64(conn.LastInsertRowID())
		created = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("storing state layer: %w", err)
	}
	return shortStateHash, created, nil
}

// StateLayer loads a stored layer.
func (s *Store) StateLayer(ctx context.Context, shortStateHash uint64) (store.StateLayer, error) {
	var (
		bodyCodec blobCodec
		size      int
		body      []byte
		found     bool
	)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT codec, size, body FROM state_layers WHERE short_state_hash = ?",
			[]any{int64(shortStateHash)}, func(stmt *sqlite.Stmt) error {
				bodyCodec = blobCodec(stmt.ColumnInt64(0))
				size = int(stmt.ColumnInt64(1))
				body = columnBlob(stmt, 2)
				return nil
			})
		return err
	})
	if err != nil {
		return store.StateLayer{}, fmt.Errorf("reading state layer %d: %w", shortStateHash, err)
	}
	if !found {
		return store.StateLayer{}, notFound("state layer %d", shortStateHash)
	}

	record, err := decompressBlob(bodyCodec, body, size)
	if err != nil {
		return store.StateLayer{}, fmt.Errorf("decompressing state layer %d: %w", shortStateHash, err)
	}
	var layer store.StateLayer
	if err := codec.Unmarshal(record, &layer); err != nil {
		return store.StateLayer{}, fmt.Errorf("decoding state layer %d: %w", shortStateHash, err)
	}
	return layer, nil
}
