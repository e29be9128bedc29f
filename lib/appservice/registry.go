// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// Registry holds the registrations of one homeserver.
type Registry struct {
	server        ref.ServerName
	registrations []*Registration
}

// NewRegistry builds a registry. Registration IDs must be unique.
func NewRegistry(server ref.ServerName, registrations []*Registration) (*Registry, error) {
	seen := make(map[string]struct{}, len(registrations))
	for _, registration := range registrations {
		if _, duplicate := seen[registration.ID]; duplicate {
			return nil, fmt.Errorf("duplicate application service id %q", registration.ID)
		}
		seen[registration.ID] = struct{}{}
	}
	return &Registry{server: server, registrations: registrations}, nil
}

// LoadRegistry reads every registration file in paths.
func LoadRegistry(server ref.ServerName, paths []string) (*Registry, error) {
	registrations := make([]*Registration, 0, len(paths))
	for _, path := range paths {
		registration, err := LoadRegistration(path)
		if err != nil {
			return nil, err
		}
		registrations = append(registrations, registration)
	}
	return NewRegistry(server, registrations)
}

// Registrations returns every registration.
func (registry *Registry) Registrations() []*Registration {
	return registry.registrations
}

// Lookup returns the registration with the given ID.
func (registry *Registry) Lookup(id string) (*Registration, bool) {
	for _, registration := range registry.registrations {
		if registration.ID == id {
			return registration, true
		}
	}
	return nil, false
}

// Interested returns the registrations that should receive event.
// aliases are the room's local aliases and members the users joined
// to the room.
func (registry *Registry) Interested(event *pdu.PDU, aliases []ref.RoomAlias, members []ref.UserID) []*Registration {
	var interested []*Registration
	for _, registration := range registry.registrations {
		if registry.interestedIn(registration, event, aliases, members) {
			interested = append(interested, registration)
		}
	}
	return interested
}

func (registry *Registry) interestedIn(registration *Registration, event *pdu.PDU, aliases []ref.RoomAlias, members []ref.UserID) bool {
	sender := event.Sender.String()
	if registration.MatchesUser(sender) {
		return true
	}
	if own, err := registration.SenderUserID(registry.server); err == nil && own.String() == sender {
		return true
	}
	if event.Type == schema.MatrixEventTypeMember && event.IsState() && registration.MatchesUser(event.StateKeyValue()) {
		return true
	}
	if registration.MatchesRoom(event.RoomID.String()) {
		return true
	}
	for _, alias := range aliases {
		if registration.MatchesAlias(alias.String()) {
			return true
		}
	}
	for _, member := range members {
		if registration.MatchesUser(member.String()) {
			return true
		}
	}
	return false
}

// ExclusiveOwner returns the registration that claims userID in an
// exclusive namespace.
func (registry *Registry) ExclusiveOwner(userID ref.UserID) (*Registration, bool) {
	for _, registration := range registry.registrations {
		if registration.ClaimsUserExclusively(userID.String()) {
			return registration, true
		}
	}
	return nil, false
}
