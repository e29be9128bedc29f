// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Count is a position in a room's timeline. The zero value is
// Normal(0), which sorts before every appended event and after every
// backfilled one.
type Count struct {
	backfilled bool
	value      uint64
}

// Normal returns the count for the n-th event appended going forward.
func Normal(n uint64) Count { return Count{value: n} }

// Backfilled returns the count for the n-th event inserted by
// backfill. Higher n sorts earlier.
func Backfilled(n uint64) Count { return Count{backfilled: true, value: n} }

// IsBackfilled reports whether the count came from backfill.
func (c Count) IsBackfilled() bool { return c.backfilled }

// Value returns the unsigned counter without its variant.
func (c Count) Value() uint64 { return c.value }

// Position maps the count onto a signed integer whose natural order is
// the count order: n for Normal(n), -n for Backfilled(n).
func (c Count) Position() int64 {
	if c.backfilled {
		return -int64(c.value)
	}
	return int64(c.value)
}

// CountFromPosition is the inverse of [Count.Position]. Position 0 is
// Normal(0).
func CountFromPosition(position int64) Count {
	if position < 0 {
		return Backfilled(uint64(-position))
	}
	return Normal(uint64(position))
}

// Compare returns -1, 0 or +1. Every Normal count is greater than
// every Backfilled count; Normal counts compare ascending, Backfilled
// counts descending.
func (c Count) Compare(other Count) int {
	switch {
	case c.backfilled && !other.backfilled:
		return -1
	case !c.backfilled && other.backfilled:
		return 1
	case c.value == other.value:
		return 0
	}
	less := c.value < other.value
	if c.backfilled {
		less = !less
	}
	if less {
		return -1
	}
	return 1
}

// Less reports whether c sorts before other.
func (c Count) Less(other Count) bool { return c.Compare(other) < 0 }

// String renders the pagination-token form: "n" for Normal, "-n" for
// Backfilled.
func (c Count) String() string {
	if c.backfilled {
		return "-" + strconv.FormatUint(c.value, 10)
	}
	return strconv.FormatUint(c.value, 10)
}

// ParseCount parses the pagination-token form produced by String.
func ParseCount(token string) (Count, error) {
	if rest, ok := strings.CutPrefix(token, "-"); ok {
		value, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return Count{}, fmt.Errorf("invalid backfilled count %q: %w", token, err)
		}
		return Backfilled(value), nil
	}
	value, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return Count{}, fmt.Errorf("invalid count %q: %w", token, err)
	}
	return Normal(value), nil
}

// MarshalText implements encoding.TextMarshaler using the token form.
func (c Count) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Count) UnmarshalText(data []byte) error {
	parsed, err := ParseCount(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// StorageKeySize is the length of a PDU storage key.
const StorageKeySize = 16

// StorageKey returns the PDU storage key: big-endian short room ID
// followed by the big-endian 64-bit count. Backfilled counts are
// written as the two's complement of -n, so a backfilled key never
// equals a normal key.
func (c Count) StorageKey(shortRoomID uint64) []byte {
	key := make([]byte, StorageKeySize)
	binary.BigEndian.PutUint64(key[:8], shortRoomID)
	binary.BigEndian.PutUint64(key[8:], uint64(c.Position()))
	return key
}

// ParseStorageKey splits a key produced by [Count.StorageKey].
func ParseStorageKey(key []byte) (shortRoomID uint64, count Count, err error) {
	if len(key) != StorageKeySize {
		return 0, Count{}, fmt.Errorf("PDU storage key is %d bytes, want %d", len(key), StorageKeySize)
	}
	shortRoomID = binary.BigEndian.Uint64(key[:8])
	count = CountFromPosition(int64(binary.BigEndian.Uint64(key[8:])))
	return shortRoomID, count, nil
}
