// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/stateres"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// AuthChain returns the transitive auth_events ancestry of eventIDs,
// not including eventIDs themselves unless one is an ancestor of
// another. Ancestors missing from the store are skipped and logged.
func (s *Service) AuthChain(ctx context.Context, eventIDs []ref.EventID) (stateres.AuthChain, error) {
	chain := make(stateres.AuthChain)
	pending := make([]ref.EventID, len(eventIDs))
	copy(pending, eventIDs)
	expanded := make(map[ref.EventID]struct{}, len(eventIDs))

	for len(pending) > 0 {
		eventID := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, done := expanded[eventID]; done {
			continue
		}
		expanded[eventID] = struct{}{}

		event, err := s.store.GetPDU(ctx, eventID)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("auth chain references unknown event", "event_id", eventID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("walking auth chain at %s: %w", eventID, err)
		}
		for _, authID := range event.AuthEvents {
			chain[authID] = struct{}{}
			if _, done := expanded[authID]; !done {
				pending = append(pending, authID)
			}
		}
	}
	return chain, nil
}

// ResolveForks merges the state of several forks of a room. A single
// fork is returned unchanged.
func (s *Service) ResolveForks(ctx context.Context, roomID ref.RoomID, rules roomversion.Rules, forks []pdu.StateMap) (pdu.StateMap, error) {
	if len(forks) == 1 {
		return forks[0].Clone(), nil
	}

	authChains := make([]stateres.AuthChain, len(forks))
	for i, fork := range forks {
		chain, err := s.AuthChain(ctx, fork.EventIDs())
		if err != nil {
			return nil, err
		}
		authChains[i] = chain
	}

	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	started := s.clock.Now()
	resolved, err := stateres.Resolve(ctx, rules, forks, authChains, storeLoader{s.store})
	if err != nil {
		return nil, fmt.Errorf("resolving state of %s: %w", roomID, err)
	}
	s.logger.Info("resolved state forks",
		"room_id", roomID,
		"forks", len(forks),
		"state_size", len(resolved),
		"elapsed", s.clock.Now().Sub(started),
	)
	return resolved, nil
}

// storeLoader serves state resolution from the store.
type storeLoader struct {
	store store.Events
}

func (loader storeLoader) LoadEvent(ctx context.Context, eventID ref.EventID) (*pdu.PDU, error) {
	event, err := loader.store.GetPDU(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return event, err
}
