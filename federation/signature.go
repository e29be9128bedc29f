// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/signing"
)

// requestSigningObject is what both sides sign and verify for one
// request.
func requestSigningObject(origin, destination ref.ServerName, method, requestURI string, content json.RawMessage) ([]byte, error) {
	object := map[string]any{
		"method":      method,
		"uri":         requestURI,
		"origin":      origin.String(),
		"destination": destination.String(),
	}
	if len(content) > 0 {
		object["content"] = content
	}
	return canonicaljson.Marshal(object)
}

// SignRequest returns the X-Matrix Authorization header value for a
// request. requestURI is the path and query as sent.
func SignRequest(origin, destination ref.ServerName, pair signing.KeyPair, method, requestURI string, content json.RawMessage) (string, error) {
	data, err := requestSigningObject(origin, destination, method, requestURI, content)
	if err != nil {
		return "", fmt.Errorf("encoding request for signing: %w", err)
	}
	signature := signing.EncodeBase64(ed25519.Sign(pair.Private, data))
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		origin, destination, pair.KeyID, signature), nil
}

// Authorization is a parsed X-Matrix header.
type Authorization struct {
	Origin      ref.ServerName
	Destination ref.ServerName
	KeyID       string
	Signature   []byte
}

// ParseAuthorization decodes an X-Matrix Authorization header.
func ParseAuthorization(header string) (Authorization, error) {
	params, ok := strings.CutPrefix(header, "X-Matrix ")
	if !ok {
		return Authorization{}, fmt.Errorf("authorization scheme is not X-Matrix")
	}
	var authorization Authorization
	for _, param := range strings.Split(params, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found {
			return Authorization{}, fmt.Errorf("malformed X-Matrix parameter %q", param)
		}
		value = strings.Trim(value, `"`)
		var err error
		switch name {
		case "origin":
			authorization.Origin, err = ref.ParseServerName(value)
		case "destination":
			authorization.Destination, err = ref.ParseServerName(value)
		case "key":
			authorization.KeyID = value
		case "sig":
			authorization.Signature, err = signing.DecodeBase64(value)
		}
		if err != nil {
			return Authorization{}, fmt.Errorf("X-Matrix %s: %w", name, err)
		}
	}
	if authorization.Origin.IsZero() || authorization.KeyID == "" || authorization.Signature == nil {
		return Authorization{}, fmt.Errorf("incomplete X-Matrix header")
	}
	return authorization, nil
}

// Verify checks the signature against key for the given request.
func (authorization Authorization) Verify(key ed25519.PublicKey, method, requestURI string, content json.RawMessage) error {
	data, err := requestSigningObject(authorization.Origin, authorization.Destination, method, requestURI, content)
	if err != nil {
		return fmt.Errorf("encoding request for verification: %w", err)
	}
	if !ed25519.Verify(key, data, authorization.Signature) {
		return fmt.Errorf("X-Matrix signature from %s does not verify", authorization.Origin)
	}
	return nil
}
