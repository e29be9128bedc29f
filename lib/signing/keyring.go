// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// ErrKeyUnavailable reports that no usable verification key for a
// server could be found or fetched. It is a transient condition: the
// remote may be unreachable now and reachable later.
var ErrKeyUnavailable = errors.New("signing key unavailable")

// KeyFetcher retrieves a server's published signing keys (the
// /_matrix/key/v2/server response body). The federation client
// implements it.
type KeyFetcher interface {
	FetchServerKeys(ctx context.Context, server ref.ServerName) (json.RawMessage, error)
}

// ServerKeysResponse is the published key document of a server.
type ServerKeysResponse struct {
	ServerName    string                       `json:"server_name"`
	ValidUntilTS  int64                        `json:"valid_until_ts"`
	VerifyKeys    map[string]VerifyKeyJSON     `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKeyJSON  `json:"old_verify_keys,omitempty"`
	Signatures    map[string]map[string]string `json:"signatures,omitempty"`
}

// VerifyKeyJSON is one current key in a key document.
type VerifyKeyJSON struct {
	Key string `json:"key"`
}

// OldVerifyKeyJSON is one retired key in a key document.
type OldVerifyKeyJSON struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts"`
}

type cachedKey struct {
	key ed25519.PublicKey

	// validUntilTS is valid_until_ts for current keys and expired_ts
	// for retired ones (milliseconds).
	validUntilTS int64
}

// KeyRingConfig configures a KeyRing.
type KeyRingConfig struct {
	// Fetcher retrieves key documents for servers not in the cache.
	// Nil means only keys added with AddKey are known.
	Fetcher KeyFetcher

	Clock  clock.Clock
	Logger *slog.Logger
}

// KeyRing is the process-wide cache of remote signing keys. It is
// safe for concurrent use; concurrent lookups for the same uncached
// server share one fetch.
type KeyRing struct {
	fetcher KeyFetcher
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.RWMutex
	servers map[ref.ServerName]map[string]cachedKey

	fetches singleflight.Group
}

// NewKeyRing creates an empty key ring.
func NewKeyRing(config KeyRingConfig) *KeyRing {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &KeyRing{
		fetcher: config.Fetcher,
		clock:   config.Clock,
		logger:  config.Logger,
		servers: make(map[ref.ServerName]map[string]cachedKey),
	}
}

// AddKey inserts or replaces one key.
func (ring *KeyRing) AddKey(server ref.ServerName, keyID string, key ed25519.PublicKey, validUntilTS int64) {
	ring.mu.Lock()
	defer ring.mu.Unlock()
	keys := ring.servers[server]
	if keys == nil {
		keys = make(map[string]cachedKey)
		ring.servers[server] = keys
	}
	keys[keyID] = cachedKey{key: key, validUntilTS: validUntilTS}
}

// AddLocalKey registers this server's own key with no expiry.
func (ring *KeyRing) AddLocalKey(server ref.ServerName, pair KeyPair) {
	ring.AddKey(server, pair.KeyID, pair.Public(), math.MaxInt64)
}

// lookup returns the cached keys among keyIDs valid at validAtTS.
func (ring *KeyRing) lookup(server ref.ServerName, keyIDs []string, validAtTS int64) map[string]ed25519.PublicKey {
	ring.mu.RLock()
	defer ring.mu.RUnlock()
	found := make(map[string]ed25519.PublicKey)
	for _, keyID := range keyIDs {
		cached, ok := ring.servers[server][keyID]
		if ok && cached.validUntilTS >= validAtTS {
			found[keyID] = cached.key
		}
	}
	return found
}

// Keys returns the verification keys among keyIDs that server used and
// that were valid at validAtTS (0 disables the validity check). Missing
// keys trigger one fetch of the server's key document.
func (ring *KeyRing) Keys(ctx context.Context, server ref.ServerName, keyIDs []string, validAtTS int64) (map[string]ed25519.PublicKey, error) {
	found := ring.lookup(server, keyIDs, validAtTS)
	if len(found) > 0 {
		return found, nil
	}
	if ring.fetcher == nil {
		return nil, fmt.Errorf("%w: no cached key for %s", ErrKeyUnavailable, server)
	}

	_, err, _ := ring.fetches.Do(server.String(), func() (any, error) {
		return nil, ring.fetch(ctx, server)
	})
	if err != nil {
		return nil, err
	}

	found = ring.lookup(server, keyIDs, validAtTS)
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s published no key among %v valid at %d", ErrKeyUnavailable, server, keyIDs, validAtTS)
	}
	return found, nil
}

func (ring *KeyRing) fetch(ctx context.Context, server ref.ServerName) error {
	raw, err := ring.fetcher.FetchServerKeys(ctx, server)
	if err != nil {
		return fmt.Errorf("%w: fetching keys for %s: %v", ErrKeyUnavailable, server, err)
	}
	document, err := ParseServerKeys(server, raw)
	if err != nil {
		ring.logger.Warn("rejecting key document", "server", server, "error", err)
		return fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	ring.mu.Lock()
	defer ring.mu.Unlock()
	keys := ring.servers[server]
	if keys == nil {
		keys = make(map[string]cachedKey)
		ring.servers[server] = keys
	}
	for keyID, verifyKey := range document.VerifyKeys {
		decoded, _ := DecodeBase64(verifyKey.Key)
		keys[keyID] = cachedKey{key: decoded, validUntilTS: document.ValidUntilTS}
	}
	for keyID, oldKey := range document.OldVerifyKeys {
		decoded, err := DecodeBase64(oldKey.Key)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			continue
		}
		if _, current := keys[keyID]; !current {
			keys[keyID] = cachedKey{key: decoded, validUntilTS: oldKey.ExpiredTS}
		}
	}
	ring.logger.Debug("cached server keys",
		"server", server,
		"keys", len(document.VerifyKeys),
		"old_keys", len(document.OldVerifyKeys),
		"valid_until_ts", document.ValidUntilTS,
	)
	return nil
}

// ParseServerKeys decodes a key document and checks that it names the
// expected server and is signed by at least one of its own current
// keys.
func ParseServerKeys(server ref.ServerName, raw json.RawMessage) (*ServerKeysResponse, error) {
	var document ServerKeysResponse
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("parsing key document for %s: %w", server, err)
	}
	if document.ServerName != server.String() {
		return nil, fmt.Errorf("key document for %s names server %q", server, document.ServerName)
	}

	value, err := canonicaljson.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing key document for %s: %w", server, err)
	}
	delete(value, "signatures")
	signed, err := canonicaljson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding key document for %s: %w", server, err)
	}

	for keyID, verifyKey := range document.VerifyKeys {
		key, err := DecodeBase64(verifyKey.Key)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %s of %s is not a valid ed25519 key", keyID, server)
		}
		encoded, ok := document.Signatures[server.String()][keyID]
		if !ok {
			continue
		}
		signature, err := DecodeBase64(encoded)
		if err == nil && ed25519.Verify(key, signed, signature) {
			return &document, nil
		}
	}
	return nil, fmt.Errorf("key document for %s is not self-signed", server)
}

// SignServerKeys produces a self-signed key document for this server.
// Used by tests and by operators seeding a trusted key ring.
func SignServerKeys(server ref.ServerName, pair KeyPair, validUntilTS int64) (json.RawMessage, error) {
	document := map[string]any{
		"server_name":    server.String(),
		"valid_until_ts": validUntilTS,
		"verify_keys": map[string]any{
			pair.KeyID: map[string]any{"key": EncodeBase64(pair.Public())},
		},
		"old_verify_keys": map[string]any{},
	}
	signed, err := canonicaljson.Marshal(document)
	if err != nil {
		return nil, err
	}
	document["signatures"] = map[string]any{
		server.String(): map[string]any{pair.KeyID: EncodeBase64(ed25519.Sign(pair.Private, signed))},
	}
	return canonicaljson.Marshal(document)
}
