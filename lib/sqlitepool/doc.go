// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool the room
// store is built on.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, NORMAL synchronous, memory-mapped reads, and a busy
// timeout to absorb write contention. Callers [Pool.Take] a
// connection and [Pool.Put] it back, or hand a function to
// [Pool.Read] (deferred transaction, one consistent snapshot) or
// [Pool.Write] (IMMEDIATE transaction, committed when the function
// returns nil).
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=NORMAL: survives process crashes without an fsync
//     per commit.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock.
//   - foreign_keys=OFF: the store maintains referential integrity
//     itself.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=268435456: 256 MB memory-mapped I/O for reads.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/roomserver/rooms.db",
//	    Logger: logger,
//	    Schema: schema,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "INSERT ...", &sqlitex.ExecOptions{Args: args})
//	})
//
// The package is intentionally thin: it exposes the zombiezen types
// directly and adds no query builder.
package sqlitepool
