// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// AddRelation indexes eventID as related to relation.Target.
func (s *Store) AddRelation(ctx context.Context, eventID ref.EventID, relation pdu.Relation) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return execute(conn, `
			INSERT INTO relations (target, kind, event_id) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`,
			relation.Target.String(), string(relation.Kind), eventID.String())
	})
	if err != nil {
		return fmt.Errorf("indexing %s relation of %s: %w", relation.Kind, eventID, err)
	}
	return nil
}

// RelatedEvents returns events related to target by kind, in timeline
// order. Outliers sort last.
func (s *Store) RelatedEvents(ctx context.Context, target ref.EventID, kind pdu.RelationKind) ([]ref.EventID, error) {
	var related []ref.EventID
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, `
			SELECT relations.event_id FROM relations
			LEFT JOIN events ON events.event_id = relations.event_id
			WHERE relations.target = ? AND relations.kind = ?
			ORDER BY events.position IS NULL, events.position, relations.event_id`,
			[]any{target.String(), string(kind)}, func(stmt *sqlite.Stmt) error {
				eventID, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				related = append(related, eventID)
				return nil
			})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s relations of %s: %w", kind, target, err)
	}
	return related, nil
}

// searchTokens splits text into lower-cased letter/digit runs, without
// duplicates.
func searchTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]struct{}, len(fields))
	tokens := fields[:0]
	for _, field := range fields {
		if _, duplicate := seen[field]; duplicate {
			continue
		}
		seen[field] = struct{}{}
		tokens = append(tokens, field)
	}
	return tokens
}

// IndexMessage adds a message body to the room's search index.
func (s *Store) IndexMessage(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, body string) error {
	tokens := searchTokens(body)
	if len(tokens) == 0 {
		return nil
	}
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		for _, token := range tokens {
			if err := execute(conn, `
				INSERT INTO search_tokens (token, room_id, event_id) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING`, token, roomID.String(), eventID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing %s: %w", eventID, err)
	}
	return nil
}

// RemoveFromIndex drops every search token of the event.
func (s *Store) RemoveFromIndex(ctx context.Context, eventID ref.EventID) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return execute(conn, "DELETE FROM search_tokens WHERE event_id = ?", eventID.String())
	})
	if err != nil {
		return fmt.Errorf("removing %s from search index: %w", eventID, err)
	}
	return nil
}

// SearchMessages returns events in the room whose body contains every
// token of query, newest first.
func (s *Store) SearchMessages(ctx context.Context, roomID ref.RoomID, query string, limit int) ([]ref.EventID, error) {
	tokens := searchTokens(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tokens)), ", ")
	args := []any{roomID.String()}
	for _, token := range tokens {
		args = append(args, token)
	}
	args = append(args, int64(len(tokens)), int64(limit))

	var matches []ref.EventID
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		_, err := queryRow(conn, `
			SELECT search_tokens.event_id FROM search_tokens
			LEFT JOIN events ON events.event_id = search_tokens.event_id
			WHERE search_tokens.room_id = ? AND search_tokens.token IN (`+placeholders+`)
			GROUP BY search_tokens.event_id
			HAVING COUNT(*) = ?
			ORDER BY MAX(events.position) DESC
			LIMIT ?`, args, func(stmt *sqlite.Stmt) error {
			eventID, err := ref.ParseEventID(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			matches = append(matches, eventID)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", roomID, err)
	}
	return matches, nil
}
