// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Namespace is one regex an application service claims.
type Namespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`

	pattern *regexp.Regexp
}

// Matches reports whether value is fully matched by the namespace
// regex.
func (namespace *Namespace) Matches(value string) bool {
	return namespace.pattern != nil && namespace.pattern.MatchString(value)
}

// Namespaces groups the three kinds of claim.
type Namespaces struct {
	Users   []Namespace `yaml:"users"`
	Aliases []Namespace `yaml:"aliases"`
	Rooms   []Namespace `yaml:"rooms"`
}

// Registration is one application service registration file.
type Registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	Namespaces      Namespaces `yaml:"namespaces"`
	RateLimited     *bool      `yaml:"rate_limited,omitempty"`
	Protocols       []string   `yaml:"protocols,omitempty"`
}

// ParseRegistration decodes and validates a registration document and
// compiles its namespace regexes.
func ParseRegistration(data []byte) (*Registration, error) {
	var registration Registration
	if err := yaml.Unmarshal(data, &registration); err != nil {
		return nil, fmt.Errorf("parsing registration: %w", err)
	}
	if err := registration.compile(); err != nil {
		return nil, err
	}
	return &registration, nil
}

// LoadRegistration reads one registration file.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registration: %w", err)
	}
	registration, err := ParseRegistration(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return registration, nil
}

func (registration *Registration) compile() error {
	var problems []error
	if registration.ID == "" {
		problems = append(problems, errors.New("id is required"))
	}
	if registration.ASToken == "" {
		problems = append(problems, errors.New("as_token is required"))
	}
	if registration.HSToken == "" {
		problems = append(problems, errors.New("hs_token is required"))
	}
	if registration.SenderLocalpart == "" {
		problems = append(problems, errors.New("sender_localpart is required"))
	}
	for _, group := range []struct {
		kind       string
		namespaces []Namespace
	}{
		{"users", registration.Namespaces.Users},
		{"aliases", registration.Namespaces.Aliases},
		{"rooms", registration.Namespaces.Rooms},
	} {
		kind, namespaces := group.kind, group.namespaces
		for i := range namespaces {
			// Registrations write regexes unanchored; they must match
			// the whole identifier.
			pattern, err := regexp.Compile("^(?:" + namespaces[i].Regex + ")$")
			if err != nil {
				problems = append(problems, fmt.Errorf("namespaces.%s[%d]: %w", kind, i, err))
				continue
			}
			namespaces[i].pattern = pattern
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("registration %q: %w", registration.ID, errors.Join(problems...))
	}
	return nil
}

// SenderUserID is the application service's own user on server.
func (registration *Registration) SenderUserID(server ref.ServerName) (ref.UserID, error) {
	return ref.ParseUserID("@" + registration.SenderLocalpart + ":" + server.String())
}

// MatchesUser reports whether a user ID falls in the users namespace.
func (registration *Registration) MatchesUser(userID string) bool {
	return matchesAny(registration.Namespaces.Users, userID, false)
}

// MatchesAlias reports whether an alias falls in the aliases namespace.
func (registration *Registration) MatchesAlias(alias string) bool {
	return matchesAny(registration.Namespaces.Aliases, alias, false)
}

// MatchesRoom reports whether a room ID falls in the rooms namespace.
func (registration *Registration) MatchesRoom(roomID string) bool {
	return matchesAny(registration.Namespaces.Rooms, roomID, false)
}

// ClaimsUserExclusively reports whether the user falls in an exclusive
// users namespace.
func (registration *Registration) ClaimsUserExclusively(userID string) bool {
	return matchesAny(registration.Namespaces.Users, userID, true)
}

func matchesAny(namespaces []Namespace, value string, exclusiveOnly bool) bool {
	for i := range namespaces {
		if exclusiveOnly && !namespaces[i].Exclusive {
			continue
		}
		if namespaces[i].Matches(value) {
			return true
		}
	}
	return false
}
