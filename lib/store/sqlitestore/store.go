// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	short_room_id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id       TEXT NOT NULL UNIQUE,
	room_version  TEXT NOT NULL,
	state_hash    INTEGER
);

CREATE TABLE IF NOT EXISTS room_aliases (
	alias   TEXT PRIMARY KEY,
	room_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS room_aliases_by_room ON room_aliases (room_id);

CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id      TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL,
	pdu           BLOB NOT NULL,
	json_codec    INTEGER NOT NULL,
	json_size     INTEGER NOT NULL,
	json          BLOB NOT NULL,
	short_room_id INTEGER,
	position      INTEGER,
	pdu_key       BLOB UNIQUE,
	soft_failed   INTEGER NOT NULL DEFAULT 0,
	state_hash    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS events_timeline
	ON events (short_room_id, position) WHERE position IS NOT NULL;

CREATE TABLE IF NOT EXISTS referenced_events (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS forward_extremities (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS short_state_keys (
	short      INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	state_key  TEXT NOT NULL,
	UNIQUE (event_type, state_key)
);

CREATE TABLE IF NOT EXISTS short_event_ids (
	short    INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS state_layers (
	short_state_hash INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint      BLOB NOT NULL UNIQUE,
	codec            INTEGER NOT NULL,
	size             INTEGER NOT NULL,
	body             BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS read_markers (
	room_id  TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS notification_counts (
	room_id   TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	notify    INTEGER NOT NULL DEFAULT 0,
	highlight INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, user_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS relations (
	target   TEXT NOT NULL,
	kind     TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (target, kind, event_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS search_tokens (
	token    TEXT NOT NULL,
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (token, room_id, event_id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS search_tokens_by_event ON search_tokens (event_id);

CREATE TABLE IF NOT EXISTS appservice_queue (
	sequence        INTEGER PRIMARY KEY AUTOINCREMENT,
	registration_id TEXT NOT NULL,
	txn_id          TEXT,
	record          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS appservice_queue_by_registration
	ON appservice_queue (registration_id, txn_id, sequence);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Store is the SQLite implementation of store.Store.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		Schema:   schema,
	})
	if err != nil {
		return nil, fmt.Errorf("room store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// queryRow runs a query expected to yield at most one row and calls
// scan for it. found reports whether a row was produced.
func queryRow(conn *sqlite.Conn, query string, args []any, scan func(stmt *sqlite.Stmt) error) (found bool, err error) {
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return scan(stmt)
		},
	})
	return found, err
}

// execute runs a statement with no result rows.
func execute(conn *sqlite.Conn, query string, args ...any) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}

// columnBlob copies a BLOB column out of the statement; the
// statement's buffer is reused on the next step.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	destination := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, destination)
	return destination
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), store.ErrNotFound)
}

// nextCounter increments a named counter inside the caller's
// transaction and returns the new value.
func nextCounter(conn *sqlite.Conn, name string) (uint64, error) {
	err := execute(conn, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return 0, fmt.Errorf("advancing counter %s: %w", name, err)
	}
	var value int64
	if _, err := queryRow(conn, "SELECT value FROM counters WHERE name = ?", []any{name}, func(stmt *sqlite.Stmt) error {
		value = stmt.ColumnInt64(0)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", name, err)
	}
	return uint64(value), nil
}
