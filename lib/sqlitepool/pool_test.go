// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
)

const testSchema = `
	CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
`

func TestOpenAppliesPragmasAndSchema(t *testing.T) {
	pool := openTestPool(t)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}

	err = sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"pdu", 0},
	})
	if err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestWriteCommitsAndRollsBack(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('pdu', 1)", nil)
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	failure := errors.New("abort")
	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "UPDATE counters SET value = 99 WHERE name = 'pdu'", nil); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write error = %v, want %v", err, failure)
	}

	var value int64
	err = pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM counters WHERE name = 'pdu'", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if value != 1 {
		t.Errorf("value = %d, want 1 (failed write must roll back)", value)
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	if err := pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO counters (name, value) VALUES ('pdu', 0)", nil)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 8
	var waitGroup sync.WaitGroup
	failures := make(chan error, writers)
	for range writers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			failures <- pool.Write(ctx, func(conn *sqlite.Conn) error {
				return sqlitex.Execute(conn, "UPDATE counters SET value = value + 1 WHERE name = 'pdu'", nil)
			})
		}()
	}
	waitGroup.Wait()
	close(failures)
	for err := range failures {
		if err != nil {
			t.Error(err)
		}
	}

	var value int64
	if err := pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM counters WHERE name = 'pdu'", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnInt64(0)
				return nil
			},
		})
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if value != writers {
		t.Errorf("value = %d, want %d", value, writers)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestOnConnectError(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "broken.db"),
		PoolSize:  1,
		OnConnect: func(*sqlite.Conn) error { return fmt.Errorf("refused") },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Take(context.Background()); err == nil {
		t.Fatal("Take succeeded although OnConnect failed")
	}
}

func TestContextCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// openTestPool creates a pool backed by a temporary database file with
// testSchema applied. The pool is closed when the test completes.
func openTestPool(t *testing.T) *sqlitepool.Pool {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 4,
		Schema:   testSchema,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
