// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Offline is the Client of a server with outbound federation turned
// off. Every request fails with a definitive M_FORBIDDEN answer, so
// events whose dependencies are not stored locally are rejected
// rather than retried.
type Offline struct{}

var _ Client = Offline{}

func offline(destination ref.ServerName) error {
	return &Error{
		Code:        ErrCodeForbidden,
		Message:     "outbound federation is disabled",
		StatusCode:  http.StatusForbidden,
		Destination: destination.String(),
	}
}

func (Offline) GetEvent(_ context.Context, destination ref.ServerName, _ ref.EventID) (json.RawMessage, error) {
	return nil, offline(destination)
}

func (Offline) GetStateIDs(_ context.Context, destination ref.ServerName, _ ref.RoomID, _ ref.EventID) (*StateIDsResponse, error) {
	return nil, offline(destination)
}

func (Offline) Backfill(_ context.Context, destination ref.ServerName, _ ref.RoomID, _ []ref.EventID, _ int) (*Transaction, error) {
	return nil, offline(destination)
}

func (Offline) GetServerKeys(_ context.Context, destination ref.ServerName) (json.RawMessage, error) {
	return nil, offline(destination)
}
