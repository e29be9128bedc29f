// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// RedactPDU replaces a stored event with its redacted form, records
// the redaction in unsigned.redacted_because and drops the event from
// the search index. A target that is not stored is ignored; the
// redaction may arrive before it.
func (t *Timeline) RedactPDU(ctx context.Context, targetID ref.EventID, redaction *pdu.PDU) error {
	canonical, err := t.store.GetPDUJSON(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		t.logger.Debug("redaction target not stored", "event_id", targetID, "redaction", redaction.EventID)
		return nil
	}
	if err != nil {
		return err
	}
	value, err := canonicaljson.Parse(canonical)
	if err != nil {
		return fmt.Errorf("parsing stored %s: %w", targetID, err)
	}
	roomID, _ := value["room_id"].(string)
	if roomID != redaction.RoomID.String() {
		return fmt.Errorf("redaction %s targets %s in another room", redaction.EventID, targetID)
	}
	rules, err := t.state.RoomRules(ctx, redaction.RoomID)
	if err != nil {
		return err
	}

	redactionJSON, err := t.store.GetPDUJSON(ctx, redaction.EventID)
	if err != nil {
		return err
	}
	because, err := canonicaljson.Parse(redactionJSON)
	if err != nil {
		return err
	}

	redacted := rules.Redact(value)
	redacted["unsigned"] = map[string]any{"redacted_because": because}

	data, err := canonicaljson.Marshal(redacted)
	if err != nil {
		return err
	}
	event, err := pdu.FromValue(targetID, redacted)
	if err != nil {
		return err
	}
	if err := t.store.ReplacePDU(ctx, event, data); err != nil {
		return err
	}
	if err := t.store.RemoveFromIndex(ctx, targetID); err != nil {
		return err
	}
	t.logger.Info("redacted event",
		"room_id", redaction.RoomID,
		"event_id", targetID,
		"redaction", redaction.EventID,
	)
	return nil
}
