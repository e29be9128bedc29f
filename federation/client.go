// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Client performs the federation requests the room core issues.
type Client interface {
	// GetEvent fetches one event's JSON from destination.
	GetEvent(ctx context.Context, destination ref.ServerName, eventID ref.EventID) (json.RawMessage, error)

	// GetStateIDs fetches the IDs of the room state before eventID
	// and of that state's auth chain.
	GetStateIDs(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, eventID ref.EventID) (*StateIDsResponse, error)

	// Backfill fetches up to limit events preceding from.
	Backfill(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, from []ref.EventID, limit int) (*Transaction, error)

	// GetServerKeys fetches destination's published key document.
	GetServerKeys(ctx context.Context, destination ref.ServerName) (json.RawMessage, error)
}
