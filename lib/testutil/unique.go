// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with N increasing across the whole test
// binary. Tests that share a store use it for event IDs, message bodies
// and appservice transaction IDs that must not collide.
//
//	eventID := ref.MustParseEventID("$" + testutil.UniqueID("event"))
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
