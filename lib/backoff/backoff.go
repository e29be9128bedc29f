// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff tracks failed attempts to fetch events from remote
// servers so unreachable events are not requested again on every
// incoming transaction.
//
// The delay after n consecutive failures is min(Max, Base × n²). The
// table is a cache: losing it only means a few redundant fetches, so
// it lives in memory and is pruned periodically with [Table.Prune].
package backoff

import (
	"sync"
	"time"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Defaults for Config.
const (
	DefaultBase = 5 * time.Minute
	DefaultMax  = 24 * time.Hour
)

// Config configures a Table.
type Config struct {
	Base  time.Duration
	Max   time.Duration
	Clock clock.Clock
}

type entry struct {
	lastAttempt time.Time
	attempts    uint32
}

// Table is the process-wide event backoff table. Safe for concurrent
// use.
type Table struct {
	base  time.Duration
	max   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[ref.EventID]entry
}

// New creates an empty table.
func New(config Config) *Table {
	if config.Base <= 0 {
		config.Base = DefaultBase
	}
	if config.Max <= 0 {
		config.Max = DefaultMax
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Table{
		base:    config.Base,
		max:     config.Max,
		clock:   config.Clock,
		entries: make(map[ref.EventID]entry),
	}
}

// Delay returns the wait after the given number of failures.
func (table *Table) Delay(attempts uint32) time.Duration {
	if attempts == 0 {
		return 0
	}
	limit := uint64(table.max / table.base)
	squared := uint64(attempts) * uint64(attempts)
	if squared >= limit {
		return table.max
	}
	return min(table.max, table.base*time.Duration(squared))
}

// Allowed reports whether eventID may be fetched now. When it may not,
// retryAfter is the remaining wait.
func (table *Table) Allowed(eventID ref.EventID) (ok bool, retryAfter time.Duration) {
	table.mu.Lock()
	defer table.mu.Unlock()

	current, found := table.entries[eventID]
	if !found {
		return true, 0
	}
	elapsed := table.clock.Now().Sub(current.lastAttempt)
	wait := table.Delay(current.attempts)
	if elapsed >= wait {
		return true, 0
	}
	return false, wait - elapsed
}

// Failure records a failed attempt.
func (table *Table) Failure(eventID ref.EventID) {
	table.mu.Lock()
	defer table.mu.Unlock()

	current := table.entries[eventID]
	current.attempts++
	current.lastAttempt = table.clock.Now()
	table.entries[eventID] = current
}

// Success forgets eventID.
func (table *Table) Success(eventID ref.EventID) {
	table.mu.Lock()
	defer table.mu.Unlock()
	delete(table.entries, eventID)
}

// Attempts returns the recorded failure count.
func (table *Table) Attempts(eventID ref.EventID) uint32 {
	table.mu.Lock()
	defer table.mu.Unlock()
	return table.entries[eventID].attempts
}

// Prune drops entries whose last attempt is older than olderThan and
// returns how many were removed.
func (table *Table) Prune(olderThan time.Duration) int {
	table.mu.Lock()
	defer table.mu.Unlock()

	cutoff := table.clock.Now().Add(-olderThan)
	removed := 0
	for eventID, current := range table.entries {
		if current.lastAttempt.Before(cutoff) {
			delete(table.entries, eventID)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked events.
func (table *Table) Len() int {
	table.mu.Lock()
	defer table.mu.Unlock()
	return len(table.entries)
}
