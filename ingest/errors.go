// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Kind classifies an ingestion failure.
type Kind int

const (
	// KindInvalid is a protocol violation by the event or its origin:
	// wrong room, malformed JSON, duplicate auth slots, a mismatched
	// create event.
	KindInvalid Kind = iota

	// KindBadSignature means a required signature is missing or wrong.
	KindBadSignature

	// KindForbidden means the authorization rules, the room's server
	// ACL or its federation setting reject the event.
	KindForbidden

	// KindNotFound means the room is not known locally.
	KindNotFound

	// KindTransient covers failures that may succeed later: an
	// unreachable origin, a missing signing key.
	KindTransient

	// KindBadDatabase is a broken local invariant, such as a room
	// without a create event or an event its own state rejects.
	KindBadDatabase
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindBadSignature:
		return "bad signature"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not found"
	case KindTransient:
		return "transient"
	case KindBadDatabase:
		return "bad database"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a failure to ingest one event. Callers can use errors.As
// to extract it:
//
//	var ingestErr *ingest.Error
//	if errors.As(err, &ingestErr) && ingestErr.Kind == ingest.KindForbidden { ... }
type Error struct {
	Kind    Kind
	EventID ref.EventID
	Origin  ref.ServerName
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	message := fmt.Sprintf("ingest %s from %s: %s: %s", e.EventID, e.Origin, e.Kind, e.Reason)
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the Matrix error code reported for this failure in a
// transaction response.
func (e *Error) Code() string {
	switch e.Kind {
	case KindForbidden:
		return "M_FORBIDDEN"
	case KindNotFound:
		return "M_NOT_FOUND"
	case KindInvalid, KindBadSignature:
		return "M_INVALID_PARAM"
	default:
		return "M_UNKNOWN"
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ingestErr *Error
	if errors.As(err, &ingestErr) {
		return ingestErr.Kind == kind
	}
	return false
}

func newError(kind Kind, eventID ref.EventID, origin ref.ServerName, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		EventID: eventID,
		Origin:  origin,
		Reason:  fmt.Sprintf(format, args...),
		Err:     err,
	}
}
