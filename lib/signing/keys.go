// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// KeyPair is a server's Ed25519 signing key and its key ID
// ("ed25519:<version>").
type KeyPair struct {
	KeyID   string
	Private ed25519.PrivateKey
}

// Public returns the verification half of the pair.
func (pair KeyPair) Public() ed25519.PublicKey {
	return pair.Private.Public().(ed25519.PublicKey)
}

// GenerateKeyPair creates a fresh key pair with the given version.
func GenerateKeyPair(version string) (KeyPair, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return KeyPair{KeyID: "ed25519:" + version, Private: private}, nil
}

// KeyPairFromSeed builds a key pair from a 32-byte seed.
func KeyPairFromSeed(version string, seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("ed25519 seed has wrong length: got %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return KeyPair{KeyID: "ed25519:" + version, Private: ed25519.NewKeyFromSeed(seed)}, nil
}

// LoadKeyFile reads a signing key file. The first ed25519 line wins.
func LoadKeyFile(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, fmt.Errorf("reading signing key: %w", err)
	}
	pair, err := ParseKeyFile(data)
	if err != nil {
		return KeyPair{}, fmt.Errorf("signing key %s: %w", path, err)
	}
	return pair, nil
}

// ParseKeyFile decodes the "ed25519 <version> <seed>" format.
func ParseKeyFile(data []byte) (KeyPair, error) {
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 3 {
			return KeyPair{}, fmt.Errorf("malformed key line: want 3 fields, got %d", len(fields))
		}
		if fields[0] != "ed25519" {
			continue
		}
		seed, err := DecodeBase64(fields[2])
		if err != nil {
			return KeyPair{}, fmt.Errorf("decoding seed for key %s: %w", fields[1], err)
		}
		return KeyPairFromSeed(fields[1], seed)
	}
	return KeyPair{}, fmt.Errorf("no ed25519 key found")
}

// FormatKeyFile renders a key pair in the format ParseKeyFile reads.
func FormatKeyFile(pair KeyPair) []byte {
	version := strings.TrimPrefix(pair.KeyID, "ed25519:")
	return []byte("ed25519 " + version + " " + EncodeBase64(pair.Private.Seed()) + "\n")
}

// EncodeBase64 renders unpadded standard base64, the encoding Matrix
// uses for keys, hashes and signatures.
func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeBase64 accepts standard or URL-safe base64, padded or not.
func DecodeBase64(text string) ([]byte, error) {
	text = strings.TrimRight(text, "=")
	if strings.ContainsAny(text, "-_") {
		return base64.RawURLEncoding.DecodeString(text)
	}
	return base64.RawStdEncoding.DecodeString(text)
}
