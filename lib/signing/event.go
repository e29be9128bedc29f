// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

var (
	// ErrContentHashMismatch reports that an event's content hash does
	// not match its body. Callers redact rather than reject.
	ErrContentHashMismatch = errors.New("content hash mismatch")

	// ErrBadSignature reports a missing or invalid signature.
	ErrBadSignature = errors.New("invalid event signature")
)

func encode(rules roomversion.Rules, value any) ([]byte, error) {
	if rules.StrictCanonicalJSON {
		return canonicaljson.MarshalStrict(value)
	}
	return canonicaljson.Marshal(value)
}

func without(value map[string]any, keys ...string) map[string]any {
	stripped := make(map[string]any, len(value))
	for key, element := range value {
		stripped[key] = element
	}
	for _, key := range keys {
		delete(stripped, key)
	}
	return stripped
}

// ContentHash computes the sha256 content hash of an event.
func ContentHash(rules roomversion.Rules, event map[string]any) ([]byte, error) {
	data, err := encode(rules, without(event, "unsigned", "signatures", "hashes", "event_id"))
	if err != nil {
		return nil, fmt.Errorf("encoding event for content hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// AddContentHash computes the content hash and stores it in
// event["hashes"]["sha256"].
func AddContentHash(rules roomversion.Rules, event map[string]any) error {
	hash, err := ContentHash(rules, event)
	if err != nil {
		return err
	}
	event["hashes"] = map[string]any{"sha256": EncodeBase64(hash)}
	return nil
}

// CheckContentHash returns ErrContentHashMismatch when the stored hash
// is missing, undecodable, or wrong.
func CheckContentHash(rules roomversion.Rules, event map[string]any) error {
	hashes, _ := event["hashes"].(map[string]any)
	encoded, _ := hashes["sha256"].(string)
	if encoded == "" {
		return fmt.Errorf("%w: no sha256 hash", ErrContentHashMismatch)
	}
	expected, err := DecodeBase64(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContentHashMismatch, err)
	}
	actual, err := ContentHash(rules, event)
	if err != nil {
		return err
	}
	if string(actual) != string(expected) {
		return ErrContentHashMismatch
	}
	return nil
}

// ReferenceHash computes the sha256 reference hash of an event.
func ReferenceHash(rules roomversion.Rules, event map[string]any) ([]byte, error) {
	redacted := rules.Redact(event)
	data, err := encode(rules, without(redacted, "signatures", "unsigned", "age_ts", "event_id"))
	if err != nil {
		return nil, fmt.Errorf("encoding event for reference hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// EventIDFor derives an event ID from the reference hash, in the
// encoding the room version specifies.
func EventIDFor(rules roomversion.Rules, event map[string]any) (ref.EventID, error) {
	hash, err := ReferenceHash(rules, event)
	if err != nil {
		return ref.EventID{}, err
	}
	var encoded string
	switch rules.EventIDFormat {
	case roomversion.EventIDFormatBase64:
		encoded = base64.RawStdEncoding.EncodeToString(hash)
	default:
		encoded = base64.RawURLEncoding.EncodeToString(hash)
	}
	return ref.ParseEventID("$" + encoded)
}

// signedBytes returns the bytes an event signature covers.
func signedBytes(rules roomversion.Rules, event map[string]any) ([]byte, error) {
	redacted := rules.Redact(event)
	data, err := encode(rules, without(redacted, "signatures", "unsigned", "event_id"))
	if err != nil {
		return nil, fmt.Errorf("encoding event for signing: %w", err)
	}
	return data, nil
}

// SignEvent signs the redacted form of the event with the server's key
// and merges the signature into event["signatures"].
func SignEvent(rules roomversion.Rules, event map[string]any, server ref.ServerName, pair KeyPair) error {
	data, err := signedBytes(rules, event)
	if err != nil {
		return err
	}
	signature := ed25519.Sign(pair.Private, data)

	signatures, _ := event["signatures"].(map[string]any)
	if signatures == nil {
		signatures = map[string]any{}
	}
	serverSignatures, _ := signatures[server.String()].(map[string]any)
	if serverSignatures == nil {
		serverSignatures = map[string]any{}
	}
	serverSignatures[pair.KeyID] = EncodeBase64(signature)
	signatures[server.String()] = serverSignatures
	event["signatures"] = signatures
	return nil
}

// SigningKeyIDs returns the key IDs a server signed the event with.
func SigningKeyIDs(event map[string]any, server ref.ServerName) []string {
	signatures, _ := event["signatures"].(map[string]any)
	serverSignatures, _ := signatures[server.String()].(map[string]any)
	keyIDs := make([]string, 0, len(serverSignatures))
	for keyID := range serverSignatures {
		keyIDs = append(keyIDs, keyID)
	}
	return keyIDs
}
