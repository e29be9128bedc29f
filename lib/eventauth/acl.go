// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// ServerACL is a compiled m.room.server_acl.
type ServerACL struct {
	allow           []*regexp.Regexp
	deny            []*regexp.Regexp
	allowIPLiterals bool
}

// ParseServerACL compiles server ACL content. Absent allow_ip_literals
// means true; absent allow means nothing is allowed.
func ParseServerACL(content json.RawMessage) (*ServerACL, error) {
	var parsed schema.ServerACLContent
	if err := json.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("parsing server ACL: %w", err)
	}
	acl := &ServerACL{
		allowIPLiterals: parsed.AllowIPLiterals == nil || *parsed.AllowIPLiterals,
	}
	for _, pattern := range parsed.Allow {
		acl.allow = append(acl.allow, compileServerGlob(pattern))
	}
	for _, pattern := range parsed.Deny {
		acl.deny = append(acl.deny, compileServerGlob(pattern))
	}
	return acl, nil
}

// compileServerGlob turns an ACL pattern into an anchored regexp. "*"
// matches any run of characters, "?" exactly one; everything else is
// literal. Matching ignores case.
func compileServerGlob(pattern string) *regexp.Regexp {
	var expression strings.Builder
	expression.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			expression.WriteString(".*")
		case '?':
			expression.WriteString(".")
		default:
			expression.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	expression.WriteString("$")
	return regexp.MustCompile(expression.String())
}

// Allowed reports whether the ACL admits server. Only the host part is
// matched; ports are ignored. Deny entries take precedence over allow
// entries.
func (acl *ServerACL) Allowed(server ref.ServerName) bool {
	if !acl.allowIPLiterals && server.IsIPLiteral() {
		return false
	}
	host := server.Host()
	for _, pattern := range acl.deny {
		if pattern.MatchString(host) {
			return false
		}
	}
	for _, pattern := range acl.allow {
		if pattern.MatchString(host) {
			return true
		}
	}
	return false
}
