// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Transaction is the body of /send and of /backfill and /event
// responses: a batch of PDUs from one origin. PDUs stay raw; the
// receiver derives their event IDs under the room's version rules.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// StateIDsResponse is the /state_ids answer: the state before an event
// and that state's auth chain.
type StateIDsResponse struct {
	AuthChainIDs []ref.EventID `json:"auth_chain_ids"`
	PDUIDs       []ref.EventID `json:"pdu_ids"`
}
