// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline is the append-only, per-room ordered event log. It
// builds and signs local events, appends accepted events and performs
// the side effects of an append, and backfills history from remote
// servers.
//
// [Timeline.AppendPDU] is the only way an event becomes visible. The
// caller must hold the room's state lock (a [roomlock.Guard] from the
// state registry). In order, an append:
//
//  1. marks the event's prev_events as referenced and stores the new
//     forward extremities;
//  2. allocates the next count and persists the event with its
//     canonical JSON in one store transaction;
//  3. moves a local sender's read marker to the event;
//  4. counts notifications for other local members through the
//     [PushEvaluator];
//  5. indexes m.room.message bodies for search;
//  6. redacts the target of a redaction in place;
//  7. records reply and thread relations;
//  8. queues the event for interested application services.
//
// Appends are bracketed by a ticket from the room's [roomlock.Fence].
// Readers ([Timeline.PDUsBefore], [Timeline.PDUsAfter]) wait on the
// fence first, so a read that starts after an append began observes
// it.
//
// Backfilled events take Backfilled counts, which sort before all
// forward history, and do not trigger the append side effects beyond
// search indexing.
package timeline
