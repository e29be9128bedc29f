// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a structured error response from a remote server.
// Callers can use errors.As to extract it:
//
//	var remoteErr *federation.Error
//	if errors.As(err, &remoteErr) && remoteErr.Code == federation.ErrCodeNotFound { ... }
type Error struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN").
	Code string `json:"errcode"`
	// Message is the remote server's description.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// Destination is the server that answered.
	Destination string `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("federation: %s answered %s (%d): %s", e.Destination, e.Code, e.StatusCode, e.Message)
}

// Matrix error codes the core reacts to.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeBadJSON       = "M_BAD_JSON"
)

// ErrResponseTooLarge is returned when a response body exceeds
// MaxResponseSize.
var ErrResponseTooLarge = errors.New("federation: response body too large")

// IsError reports whether err is an *Error with the given code.
func IsError(err error, code string) bool {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Code == code
	}
	return false
}

// IsTransient reports whether a failed request may succeed if retried
// later. Definitive answers (not found, forbidden, malformed) are not
// transient; everything without a structured answer is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var remoteErr *Error
	if !errors.As(err, &remoteErr) {
		return !errors.Is(err, ErrResponseTooLarge)
	}
	return remoteErr.StatusCode >= http.StatusInternalServerError ||
		remoteErr.StatusCode == http.StatusTooManyRequests ||
		remoteErr.Code == ErrCodeLimitExceeded
}
