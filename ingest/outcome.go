// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"time"

	"github.com/bureau-foundation/roomserver/lib/pdu"
)

// Status is what happened to an ingested event.
type Status int

const (
	// StatusAccepted: the event is part of the room timeline at
	// Outcome.Position.
	StatusAccepted Status = iota

	// StatusOutlier: the event was validated and stored outside the
	// timeline, as callers asked for a non-timeline event.
	StatusOutlier

	// StatusSoftFailed: the event is stored and referenced but will
	// never be visible.
	StatusSoftFailed

	// StatusDeferred: the event is in backoff after earlier failures;
	// retry after Outcome.RetryAfter.
	StatusDeferred

	// StatusIgnored: the event predates the room's first known event
	// and belongs to backfill.
	StatusIgnored
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusOutlier:
		return "outlier"
	case StatusSoftFailed:
		return "soft-failed"
	case StatusDeferred:
		return "deferred"
	case StatusIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Outcome is the result of ingesting one event.
type Outcome struct {
	Status Status

	// Position is set for StatusAccepted.
	Position pdu.Count

	// RetryAfter is set for StatusDeferred.
	RetryAfter time.Duration
}

func accepted(position pdu.Count) Outcome {
	return Outcome{Status: StatusAccepted, Position: position}
}
