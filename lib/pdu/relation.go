// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"encoding/json"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// RelationKind distinguishes the relations the timeline indexes.
type RelationKind string

const (
	RelationReply  RelationKind = "reply"
	RelationThread RelationKind = "thread"
)

// Relation links an event to the event it replies to or the root of
// the thread it belongs to.
type Relation struct {
	Kind   RelationKind
	Target ref.EventID
}

// Relations parses content["m.relates_to"]. A threaded reply yields
// both a thread and a reply relation. Unknown rel_types and malformed
// targets are ignored.
func (event *PDU) Relations() []Relation {
	var content struct {
		RelatesTo *schema.RelatesTo `json:"m.relates_to"`
	}
	if json.Unmarshal(event.Content, &content) != nil || content.RelatesTo == nil {
		return nil
	}
	relatesTo := content.RelatesTo

	var relations []Relation
	if relatesTo.RelType == schema.RelationThread {
		if root, err := ref.ParseEventID(relatesTo.EventID); err == nil {
			relations = append(relations, Relation{Kind: RelationThread, Target: root})
		}
	}
	if relatesTo.InReplyTo != nil && !relatesTo.IsFallingBack {
		if target, err := ref.ParseEventID(relatesTo.InReplyTo.EventID); err == nil {
			relations = append(relations, Relation{Kind: RelationReply, Target: target})
		}
	}
	return relations
}
