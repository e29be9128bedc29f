// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines the storage contract of the room core. The
// state, timeline and ingestion layers depend only on [Store]; the
// concrete engine lives in a subpackage (sqlitestore).
//
// Every method is safe for concurrent use. Methods that look up a
// single item return an error wrapping [ErrNotFound] when it does not
// exist. Operations that must be atomic (appending a PDU with its
// canonical JSON, position and index entries) are single methods, so
// an engine can make them one transaction.
package store

import (
	"context"
	"errors"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// ErrNotFound is returned (wrapped) when a requested item does not
// exist.
var ErrNotFound = errors.New("not found")

// TimelineEntry is one event at its timeline position.
type TimelineEntry struct {
	Count pdu.Count
	Event *pdu.PDU
}

// CompressedStateEvent packs one state slot as big-endian short state
// key followed by big-endian short event ID.
type CompressedStateEvent [16]byte

// StateLayer is one stored state snapshot: a diff against Parent, or a
// full snapshot when Parent is zero.
type StateLayer struct {
	Parent  uint64                 `cbor:"parent,omitempty"`
	Depth   int                    `cbor:"depth"`
	Added   []CompressedStateEvent `cbor:"added,omitempty"`
	Removed []CompressedStateEvent `cbor:"removed,omitempty"`
}

// AppserviceEntry is one event queued for an application service.
type AppserviceEntry struct {
	Sequence   int64       `cbor:"-"`
	EventID    ref.EventID `cbor:"event_id"`
	RoomID     ref.RoomID  `cbor:"room_id"`
	EnqueuedTS int64       `cbor:"enqueued_ts"`
}

// Rooms manages room registration and aliases.
type Rooms interface {
	// CreateRoom registers a room and returns its short room ID.
	// Registering an existing room returns its existing short ID and
	// leaves the version unchanged.
	CreateRoom(ctx context.Context, roomID ref.RoomID, version roomversion.ID) (uint64, error)
	RoomVersion(ctx context.Context, roomID ref.RoomID) (roomversion.ID, error)
	ShortRoomID(ctx context.Context, roomID ref.RoomID) (uint64, error)
	SetAlias(ctx context.Context, alias ref.RoomAlias, roomID ref.RoomID) error
	LocalAliases(ctx context.Context, roomID ref.RoomID) ([]ref.RoomAlias, error)
}

// Events stores PDUs, whether outliers or timeline events.
type Events interface {
	// AddOutlier persists a validated event outside any timeline. A
	// second call for the same event ID is a no-op.
	AddOutlier(ctx context.Context, event *pdu.PDU, canonical []byte) error
	HasEvent(ctx context.Context, eventID ref.EventID) (bool, error)
	GetPDU(ctx context.Context, eventID ref.EventID) (*pdu.PDU, error)

	// GetPDUJSON returns the canonical JSON kept next to the PDU.
	GetPDUJSON(ctx context.Context, eventID ref.EventID) ([]byte, error)

	// PDUCount returns the event's timeline position. The bool is
	// false for unknown events and outliers.
	PDUCount(ctx context.Context, eventID ref.EventID) (pdu.Count, bool, error)

	// AppendPDU allocates the next count (a backfilled count when
	// backfilled is set) and persists the event at that position
	// together with its canonical JSON, in one transaction. An event
	// previously stored as an outlier is promoted.
	AppendPDU(ctx context.Context, event *pdu.PDU, canonical []byte, backfilled bool) (pdu.Count, error)

	// ReplacePDU overwrites a stored event's body (used for
	// redaction). Its position is unchanged.
	ReplacePDU(ctx context.Context, event *pdu.PDU, canonical []byte) error

	MarkSoftFailed(ctx context.Context, eventID ref.EventID) error
	IsSoftFailed(ctx context.Context, eventID ref.EventID) (bool, error)
}

// Graph tracks the causal frontier of each room.
type Graph interface {
	MarkReferenced(ctx context.Context, roomID ref.RoomID, eventIDs []ref.EventID) error
	IsReferenced(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (bool, error)
	ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error)
	SetForwardExtremities(ctx context.Context, roomID ref.RoomID, eventIDs []ref.EventID) error
}

// Timeline reads events in count order.
type Timeline interface {
	// PDUsBefore returns up to limit events strictly before until,
	// newest first.
	PDUsBefore(ctx context.Context, roomID ref.RoomID, until pdu.Count, limit int) ([]TimelineEntry, error)

	// PDUsAfter returns up to limit events strictly after from,
	// oldest first.
	PDUsAfter(ctx context.Context, roomID ref.RoomID, from pdu.Count, limit int) ([]TimelineEntry, error)

	FirstPDU(ctx context.Context, roomID ref.RoomID) (TimelineEntry, error)
	LatestPDU(ctx context.Context, roomID ref.RoomID) (TimelineEntry, error)
}

// State stores state snapshots and the short-ID interning tables they
// are expressed in.
type State interface {
	// EventStateHash returns the snapshot of the room state before
	// the event.
	EventStateHash(ctx context.Context, eventID ref.EventID) (uint64, error)
	SetEventStateHash(ctx context.Context, eventID ref.EventID, shortStateHash uint64) error
	RoomStateHash(ctx context.Context, roomID ref.RoomID) (uint64, error)
	SetRoomStateHash(ctx context.Context, roomID ref.RoomID, shortStateHash uint64) error

	GetOrCreateShortStateKey(ctx context.Context, key pdu.TypeStateKey) (uint64, error)
	ShortStateKey(ctx context.Context, key pdu.TypeStateKey) (uint64, error)
	TypeStateKey(ctx context.Context, shortStateKey uint64) (pdu.TypeStateKey, error)
	GetOrCreateShortEventID(ctx context.Context, eventID ref.EventID) (uint64, error)
	EventIDForShort(ctx context.Context, shortEventID uint64) (ref.EventID, error)

	// PutStateLayer stores a layer under its content fingerprint. When
	// a layer with the same fingerprint exists its hash is returned
	// with created false.
	PutStateLayer(ctx context.Context, fingerprint [32]byte, layer StateLayer) (shortStateHash uint64, created bool, err error)
	StateLayer(ctx context.Context, shortStateHash uint64) (StateLayer, error)
}

// Users stores per-user room bookkeeping.
type Users interface {
	// SetReadMarker moves the user's read marker and clears their
	// notification counts for the room.
	SetReadMarker(ctx context.Context, roomID ref.RoomID, userID ref.UserID, count pdu.Count) error
	ReadMarker(ctx context.Context, roomID ref.RoomID, userID ref.UserID) (pdu.Count, error)
	IncrementNotificationCounts(ctx context.Context, roomID ref.RoomID, userID ref.UserID, highlight bool) error
	NotificationCounts(ctx context.Context, roomID ref.RoomID, userID ref.UserID) (notify, highlight uint64, err error)
}

// Indexes holds the relation and full-text indexes.
type Indexes interface {
	AddRelation(ctx context.Context, eventID ref.EventID, relation pdu.Relation) error
	RelatedEvents(ctx context.Context, target ref.EventID, kind pdu.RelationKind) ([]ref.EventID, error)
	IndexMessage(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, body string) error
	RemoveFromIndex(ctx context.Context, eventID ref.EventID) error

	// SearchMessages returns events whose indexed body contains every
	// term of query, newest first.
	SearchMessages(ctx context.Context, roomID ref.RoomID, query string, limit int) ([]ref.EventID, error)
}

// AppserviceQueue persists events awaiting delivery to application
// services.
type AppserviceQueue interface {
	EnqueueAppserviceEvent(ctx context.Context, registrationID string, entry AppserviceEntry) error

	// ClaimAppserviceTransaction assigns up to limit unclaimed entries
	// to txnID. Claiming an existing txnID again returns the entries
	// already assigned to it.
	ClaimAppserviceTransaction(ctx context.Context, registrationID, txnID string, limit int) ([]AppserviceEntry, error)
	CompleteAppserviceTransaction(ctx context.Context, registrationID, txnID string) error
}

// Store is the full storage contract.
type Store interface {
	Rooms
	Events
	Graph
	Timeline
	State
	Users
	Indexes
	AppserviceQueue

	Close() error
}
