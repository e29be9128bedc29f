// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// PushAction is the outcome of evaluating push rules for one user.
type PushAction struct {
	Notify    bool
	Highlight bool
}

// PushContext is what a push evaluator may consult about the room.
type PushContext struct {
	PowerLevels *schema.PowerLevels
	MemberCount int
}

// PushEvaluator decides whether an event notifies a user. Push rule
// storage and evaluation live outside the room core.
type PushEvaluator interface {
	Evaluate(ctx context.Context, event *pdu.PDU, userID ref.UserID, room PushContext) (PushAction, error)
}

// DefaultPushEvaluator approximates the default push rules: messages
// notify, and mention the user (by ID or localpart) to highlight.
// Invites to the user notify and highlight.
type DefaultPushEvaluator struct{}

// Evaluate implements PushEvaluator.
func (DefaultPushEvaluator) Evaluate(_ context.Context, event *pdu.PDU, userID ref.UserID, _ PushContext) (PushAction, error) {
	switch event.Type {
	case schema.MatrixEventTypeMessage:
		body := strings.ToLower(event.Body())
		mentioned := strings.Contains(body, strings.ToLower(userID.String())) ||
			strings.Contains(body, strings.ToLower(userID.Localpart()))
		return PushAction{Notify: true, Highlight: mentioned}, nil
	case schema.MatrixEventTypeMember:
		if event.StateKeyValue() == userID.String() && event.Membership() == schema.MembershipInvite {
			return PushAction{Notify: true, Highlight: true}, nil
		}
	}
	return PushAction{}, nil
}
