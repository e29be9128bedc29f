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
)

const (
	pduCounter      = "pdu"
	backfillCounter = "backfill"
)

// encodedEvent is an event ready for an INSERT or UPDATE: the CBOR
// record and the compressed canonical JSON.
type encodedEvent struct {
	record    []byte
	jsonCodec blobCodec
	jsonSize  int
	json      []byte
}

func encodeEvent(event *pdu.PDU, canonical []byte) (encodedEvent, error) {
	record, err := codec.Marshal(event)
	if err != nil {
		return encodedEvent{}, fmt.Errorf("encoding %s: %w", event.EventID, err)
	}
	jsonCodec, compressed, err := compressBlob(canonical, codecZstd)
	if err != nil {
		return encodedEvent{}, fmt.Errorf("compressing %s: %w", event.EventID, err)
	}
	return encodedEvent{
		record:    record,
		jsonCodec: jsonCodec,
		jsonSize:  len(canonical),
		json:      compressed,
	}, nil
}

// AddOutlier stores an event without a timeline position.
func (s *Store) AddOutlier(ctx context.Context, event *pdu.PDU, canonical []byte) error {
	encoded, err := encodeEvent(event, canonical)
	if err != nil {
		return err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return execute(conn, `
			INSERT INTO events (event_id, room_id, pdu, json_codec, json_size, json)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id) DO NOTHING`,
			event.EventID.String(), event.RoomID.String(), encoded.record,
			int64(encoded.jsonCodec), int64(encoded.jsonSize), encoded.json)
	})
	if err != nil {
		return fmt.Errorf("storing outlier %s: %w", event.EventID, err)
	}
	return nil
}

// HasEvent reports whether the event is stored, as outlier or
// timeline event.
func (s *Store) HasEvent(ctx context.Context, eventID ref.EventID) (bool, error) {
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT 1 FROM events WHERE event_id = ?", []any{eventID.String()}, func(*sqlite.Stmt) error {
			return nil
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", eventID, err)
	}
	return found, nil
}

// GetPDU decodes the stored event.
func (s *Store) GetPDU(ctx context.Context, eventID ref.EventID) (*pdu.PDU, error) {
	var record []byte
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT pdu FROM events WHERE event_id = ?", []any{eventID.String()}, func(stmt *sqlite.Stmt) error {
			record = columnBlob(stmt, 0)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", eventID, err)
	}
	if !found {
		return nil, notFound("event %s", eventID)
	}
	return decodeEvent(eventID, record)
}

func decodeEvent(eventID ref.EventID, record []byte) (*pdu.PDU, error) {
	var event pdu.PDU
	if err := codec.Unmarshal(record, &event); err != nil {
		diagnostic, _ := codec.Diagnose(record)
		return nil, fmt.Errorf("decoding stored event %s (%s): %w", eventID, diagnostic, err)
	}
	return &event, nil
}

// GetPDUJSON returns the stored canonical JSON.
func (s *Store) GetPDUJSON(ctx context.Context, eventID ref.EventID) ([]byte, error) {
	var (
		jsonCodec blobCodec
		jsonSize  int
		body      []byte
		found     bool
	)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) (err error) {
		found, err = queryRow(conn, "SELECT json_codec, json_size, json FROM events WHERE event_id = ?", []any{eventID.String()}, func(stmt *sqlite.Stmt) error {
			jsonCodec = blobCodec(stmt.ColumnInt64(0))
			jsonSize = int(stmt.ColumnInt64(1))
			body = columnBlob(stmt, 2)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading JSON of %s: %w", eventID, err)
	}
	if !found {
		return nil, notFound("event %s", eventID)
	}
	canonical, err := decompressBlob(jsonCodec, body, jsonSize)
	if err != nil {
		return nil, fmt.Errorf("decompressing JSON of %s: %w", eventID, err)
	}
	return canonical, nil
}

// PDUCount returns the event's timeline position.
func (s *Store) PDUCount(ctx context.Context, eventID ref.EventID) (pdu.Count, bool, error) {
	var count pdu.Count
	var positioned bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, "SELECT position FROM events WHERE event_id = ?", []any{eventID.String()}, func(stmt *sqlite.Stmt) error {
			if stmt.ColumnType(0) == sqlite.TypeNull {
				return nil
			}
			positioned = true
			count = pdu.CountFromPosition(stmt.ColumnInt64(0))
			return nil
		})
		return err
	})
	if err != nil {
		return pdu.Count{}, false, fmt.Errorf("reading position of %s: %w", eventID, err)
	}
	return count, positioned, nil
}

// AppendPDU allocates a count and stores the event at it. The count
// allocation and the insert share one IMMEDIATE transaction, so counts
// are never handed out for events that were not stored.
func (s *Store) AppendPDU(ctx context.Context, event *pdu.PDU, canonical []byte, backfilled bool) (pdu.Count, error) {
	encoded, err := encodeEvent(event, canonical)
	if err != nil {
		return pdu.Count{}, err
	}

	var count pdu.Count
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var shortRoomID uint64
		found, err := lookupShortRoomID(conn, event.RoomID, &shortRoomID)
		if err != nil {
			return err
		}
		if !found {
			return notFound("room %s", event.RoomID)
		}

		var existing bool
		if _, err := queryRow(conn, "SELECT position IS NOT NULL FROM events WHERE event_id = ?", []any{event.EventID.String()}, func(stmt *sqlite.Stmt) error {
			existing = stmt.ColumnBool(0)
			return nil
		}); err != nil {
			return err
		}
		if existing {
			return fmt.Errorf("event %s already has a timeline position", event.EventID)
		}

		counter := pduCounter
		if backfilled {
			counter = backfillCounter
		}
		value, err := nextCounter(conn, counter)
		if err != nil {
			return err
		}
		if backfilled {
			count = pdu.Backfilled(value)
		} else {
			count = pdu.Normal(value)
		}

		return execute(conn, `
			INSERT INTO events (event_id, room_id, pdu, json_codec, json_size, json, short_room_id, position, pdu_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id) DO UPDATE SET
				pdu = excluded.pdu,
				json_codec = excluded.json_codec,
				json_size = excluded.json_size,
				json = excluded.json,
				short_room_id = excluded.short_room_id,
				position = excluded.position,
				pdu_key = excluded.pdu_key`,
			event.EventID.String(), event.RoomID.String(), encoded.record,
			int64(encoded.jsonCodec), int64(encoded.jsonSize), encoded.json,
			int64(shortRoomID), count.Position(), count.StorageKey(shortRoomID))
	})
	if err != nil {
		return pdu.Count{}, fmt.Errorf("appending %s: %w", event.EventID, err)
	}
	return count, nil
}

// ReplacePDU overwrites the stored body of an existing event.
func (s *Store) ReplacePDU(ctx context.Context, event *pdu.PDU, canonical []byte) error {
	encoded, err := encodeEvent(event, canonical)
	if err != nil {
		return err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, `
			UPDATE events SET pdu = ?, json_codec = ?, json_size = ?, json = ?
			WHERE event_id = ?`,
			encoded.record, int64(encoded.jsonCodec), int64(encoded.jsonSize), encoded.json,
			event.EventID.String()); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return notFound("event %s", event.EventID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replacing %s: %w", event.EventID, err)
	}
	return nil
}

// MarkSoftFailed flags a stored event as soft-failed.
func (s *Store) MarkSoftFailed(ctx context.Context, eventID ref.EventID) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, "UPDATE events SET soft_failed = 1 WHERE event_id = ?", eventID.String()); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return notFound("event %s", eventID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking %s soft-failed: %w", eventID, err)
	}
	return nil
}

// IsSoftFailed reports the soft-failed flag. Unknown events are not
// soft-failed.
func (s *Store) IsSoftFailed(ctx context.Context, eventID ref.EventID) (bool, error) {
	var softFailed bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, "SELECT soft_failed FROM events WHERE event_id = ?", []any{eventID.String()}, func(stmt *sqlite.Stmt) error {
			softFailed = stmt.ColumnBool(0)
			return nil
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reading soft-fail flag of %s: %w", eventID, err)
	}
	return softFailed, nil
}
