// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// RequiredSigners returns the servers whose signatures an event must
// carry: the sender's server, plus the authorising server of a
// restricted join.
func RequiredSigners(rules roomversion.Rules, event map[string]any) ([]ref.ServerName, error) {
	senderText, _ := event["sender"].(string)
	sender, err := ref.ParseUserID(senderText)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrBadSignature, err)
	}
	signers := []ref.ServerName{sender.Server()}

	if !rules.RestrictedJoins || event["type"] != "m.room.member" {
		return signers, nil
	}
	content, _ := event["content"].(map[string]any)
	if content["membership"] != "join" {
		return signers, nil
	}
	authoriser, _ := content["join_authorised_via_users_server"].(string)
	if authoriser == "" {
		return signers, nil
	}
	authoriserID, err := ref.ParseUserID(authoriser)
	if err != nil {
		return nil, fmt.Errorf("%w: join_authorised_via_users_server: %v", ErrBadSignature, err)
	}
	if authoriserID.Server() != sender.Server() {
		signers = append(signers, authoriserID.Server())
	}
	return signers, nil
}

// VerifyEventSignatures checks every required signature on an event.
// It returns an error wrapping ErrBadSignature for a signature that is
// missing or wrong, and one wrapping ErrKeyUnavailable when a key
// could not be obtained.
func (ring *KeyRing) VerifyEventSignatures(ctx context.Context, rules roomversion.Rules, event map[string]any) error {
	signers, err := RequiredSigners(rules, event)
	if err != nil {
		return err
	}
	data, err := signedBytes(rules, event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var validAtTS int64
	if rules.EnforceKeyValidity {
		switch ts := event["origin_server_ts"].(type) {
		case json.Number:
			validAtTS, _ = ts.Int64()
		case int64:
			validAtTS = ts
		}
	}

	for _, server := range signers {
		keyIDs := SigningKeyIDs(event, server)
		if len(keyIDs) == 0 {
			return fmt.Errorf("%w: no signature from %s", ErrBadSignature, server)
		}
		keys, err := ring.Keys(ctx, server, keyIDs, validAtTS)
		if err != nil {
			return err
		}
		if err := verifyServerSignature(data, event, server, keys); err != nil {
			return err
		}
	}
	return nil
}

// verifyServerSignature succeeds when any of server's signatures
// verifies with the matching key.
func verifyServerSignature(data []byte, event map[string]any, server ref.ServerName, keys map[string]ed25519.PublicKey) error {
	signatures, _ := event["signatures"].(map[string]any)
	serverSignatures, _ := signatures[server.String()].(map[string]any)
	for keyID, key := range keys {
		encoded, ok := serverSignatures[keyID].(string)
		if !ok {
			continue
		}
		signature, err := DecodeBase64(encoded)
		if err != nil {
			continue
		}
		if ed25519.Verify(key, data, signature) {
			return nil
		}
	}
	return fmt.Errorf("%w: no signature from %s verifies", ErrBadSignature, server)
}
