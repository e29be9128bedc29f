// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"net/netip"
	"strings"
)

// ServerName is a validated Matrix server name (e.g., "example.org",
// "matrix.example.com:8448", "[::1]:8448").
//
// Server names identify homeservers. They appear after the colon in
// user IDs, room IDs and room aliases, as the origin of federation
// transactions, and as the keys of an event's signatures object.
//
// ServerName is an immutable value type. The zero value is not valid;
// use IsZero to check.
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a raw Matrix server name string.
// Returns an error if the string is empty or contains invalid characters
// (control characters, Matrix sigils).
func ParseServerName(raw string) (ServerName, error) {
	if err := validateServer(raw); err != nil {
		return ServerName{}, err
	}
	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error. Use
// in tests and static initialization where the input is known-valid.
func MustParseServerName(raw string) ServerName {
	s, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseServerName(%q): %v", raw, err))
	}
	return s
}

// newServerName wraps a server name string that has already been
// validated. Package-private: external callers must use ParseServerName.
func newServerName(name string) ServerName {
	return ServerName{name: name}
}

// String returns the server name string (e.g., "example.org").
func (s ServerName) String() string { return s.name }

// IsZero reports whether the ServerName is the zero value (uninitialized).
func (s ServerName) IsZero() bool { return s.name == "" }

// Host returns the server name without any ":port" suffix. IPv6
// literals keep their brackets ("[::1]").
func (s ServerName) Host() string {
	if strings.HasPrefix(s.name, "[") {
		if end := strings.IndexByte(s.name, ']'); end >= 0 {
			return s.name[:end+1]
		}
		return s.name
	}
	if colon := strings.LastIndexByte(s.name, ':'); colon >= 0 {
		return s.name[:colon]
	}
	return s.name
}

// IsIPLiteral reports whether the host part of the server name is an
// IPv4 or bracketed IPv6 address rather than a DNS name. Server ACLs
// can reject IP literals wholesale.
func (s ServerName) IsIPLiteral() bool {
	host := strings.TrimSuffix(strings.TrimPrefix(s.Host(), "["), "]")
	_, err := netip.ParseAddr(host)
	return err == nil
}

// MarshalText implements encoding.TextMarshaler for JSON and other
// text-based serialization formats.
func (s ServerName) MarshalText() ([]byte, error) {
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON and other
// text-based serialization formats. Validates the server name.
// An empty input produces the zero value (unset server name).
func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
