// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/roomserver/lib/codec"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// EnqueueAppserviceEvent appends an entry to a registration's queue.
func (s *Store) EnqueueAppserviceEvent(ctx context.Context, registrationID string, entry store.AppserviceEntry) error {
	record, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding appservice entry for %s: %w", entry.EventID, err)
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return execute(conn, "INSERT INTO appservice_queue (registration_id, record) VALUES (?, ?)",
			registrationID, record)
	})
	if err != nil {
		return fmt.Errorf("enqueueing %s for appservice %s: %w", entry.EventID, registrationID, err)
	}
	return nil
}

// ClaimAppserviceTransaction assigns up to limit unclaimed entries to
// txnID, or returns the entries already assigned to it.
func (s *Store) ClaimAppserviceTransaction(ctx context.Context, registrationID, txnID string, limit int) ([]store.AppserviceEntry, error) {
	var entries []store.AppserviceEntry
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		existing, err := claimedEntries(conn, registrationID, txnID)
		if err != nil || len(existing) > 0 {
			entries = existing
			return err
		}
		if err := execute(conn, `
			UPDATE appservice_queue SET txn_id = ?
			WHERE sequence IN (
				SELECT sequence FROM appservice_queue
				WHERE registration_id = ? AND txn_id IS NULL
				ORDER BY sequence LIMIT ?
			)`, txnID, registrationID, int64(limit)); err != nil {
			return err
		}
		entries, err = claimedEntries(conn, registrationID, txnID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claiming appservice transaction %s for %s: %w", txnID, registrationID, err)
	}
	return entries, nil
}

func claimedEntries(conn *sqlite.Conn, registrationID, txnID string) ([]store.AppserviceEntry, error) {
	var entries []store.AppserviceEntry
	_, err := queryRow(conn, `
		SELECT sequence, record FROM appservice_queue
		WHERE registration_id = ? AND txn_id = ?
		ORDER BY sequence`, []any{registrationID, txnID}, func(stmt *sqlite.Stmt) error {
		var entry store.AppserviceEntry
		if err := codec.Unmarshal(columnBlob(stmt, 1), &entry); err != nil {
			return fmt.Errorf("decoding queue entry %d: %w", stmt.ColumnInt64(0), err)
		}
		entry.Sequence = stmt.ColumnInt64(0)
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

// CompleteAppserviceTransaction removes a delivered transaction's
// entries from the queue.
func (s *Store) CompleteAppserviceTransaction(ctx context.Context, registrationID, txnID string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return execute(conn, "DELETE FROM appservice_queue WHERE registration_id = ? AND txn_id = ?",
			registrationID, txnID)
	})
	if err != nil {
		return fmt.Errorf("completing appservice transaction %s for %s: %w", txnID, registrationID, err)
	}
	return nil
}
