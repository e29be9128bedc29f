// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// EventLoader reads events for resolution.
type EventLoader interface {
	// LoadEvent returns the event, or nil without error when it is
	// not stored. Events that cannot be loaded are left out of the
	// resolution.
	LoadEvent(ctx context.Context, eventID ref.EventID) (*pdu.PDU, error)
}

// AuthChain is the set of event IDs in the auth chain of one fork's
// state.
type AuthChain map[ref.EventID]struct{}

// Resolve merges forkStates. authChains[i] must be the auth chain of
// forkStates[i].
func Resolve(ctx context.Context, rules roomversion.Rules, forkStates []pdu.StateMap, authChains []AuthChain, loader EventLoader) (pdu.StateMap, error) {
	if len(forkStates) != len(authChains) {
		return nil, fmt.Errorf("resolving state: %d forks but %d auth chains", len(forkStates), len(authChains))
	}
	switch len(forkStates) {
	case 0:
		return pdu.StateMap{}, nil
	case 1:
		return forkStates[0].Clone(), nil
	}

	unconflicted, conflicted := separate(forkStates)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	resolver := &resolver{
		rules:  rules,
		loader: loader,
		events: make(map[ref.EventID]*pdu.PDU),
	}

	fullConflicted := make(map[ref.EventID]struct{})
	for _, eventIDs := range conflicted {
		for _, eventID := range eventIDs {
			fullConflicted[eventID] = struct{}{}
		}
	}
	for eventID := range authDifference(authChains) {
		fullConflicted[eventID] = struct{}{}
	}

	// Drop what cannot be loaded.
	var loaded []ref.EventID
	for eventID := range fullConflicted {
		event, err := resolver.event(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			delete(fullConflicted, eventID)
			continue
		}
		loaded = append(loaded, eventID)
	}

	var powerEvents []ref.EventID
	for _, eventID := range loaded {
		if isPowerEvent(resolver.events[eventID]) {
			powerEvents = append(powerEvents, eventID)
		}
	}

	sortedPower, err := resolver.reverseTopologicalPowerSort(ctx, powerEvents, fullConflicted)
	if err != nil {
		return nil, err
	}

	partial, err := resolver.iterativeAuthChecks(ctx, sortedPower, unconflicted)
	if err != nil {
		return nil, err
	}

	inPowerOrder := make(map[ref.EventID]struct{}, len(sortedPower))
	for _, eventID := range sortedPower {
		inPowerOrder[eventID] = struct{}{}
	}
	var remaining []ref.EventID
	for _, eventID := range loaded {
		if _, ok := inPowerOrder[eventID]; !ok {
			remaining = append(remaining, eventID)
		}
	}

	powerLevelsID, _ := partial.Get(schema.MatrixEventTypePowerLevels, "")
	sortedRemaining, err := resolver.mainlineSort(ctx, remaining, powerLevelsID)
	if err != nil {
		return nil, err
	}

	resolved, err := resolver.iterativeAuthChecks(ctx, sortedRemaining, partial)
	if err != nil {
		return nil, err
	}

	for key, eventID := range unconflicted {
		resolved[key] = eventID
	}
	return resolved, nil
}

// separate splits the forks into the slots they agree on and, for
// every other slot, the distinct events the forks put there.
func separate(forkStates []pdu.StateMap) (pdu.StateMap, map[pdu.TypeStateKey][]ref.EventID) {
	unconflicted := make(pdu.StateMap)
	conflicted := make(map[pdu.TypeStateKey][]ref.EventID)

	keys := make(map[pdu.TypeStateKey]struct{})
	for _, state := range forkStates {
		for key := range state {
			keys[key] = struct{}{}
		}
	}

	for key := range keys {
		var distinct []ref.EventID
		seen := make(map[ref.EventID]struct{})
		missing := false
		for _, state := range forkStates {
			eventID, ok := state[key]
			if !ok {
				missing = true
				continue
			}
			if _, duplicate := seen[eventID]; !duplicate {
				seen[eventID] = struct{}{}
				distinct = append(distinct, eventID)
			}
		}
		if !missing && len(distinct) == 1 {
			unconflicted[key] = distinct[0]
			continue
		}
		conflicted[key] = distinct
	}
	return unconflicted, conflicted
}

// authDifference returns the events in some but not all auth chains.
func authDifference(authChains []AuthChain) map[ref.EventID]struct{} {
	counts := make(map[ref.EventID]int)
	for _, chain := range authChains {
		for eventID := range chain {
			counts[eventID]++
		}
	}
	difference := make(map[ref.EventID]struct{})
	for eventID, count := range counts {
		if count < len(authChains) {
			difference[eventID] = struct{}{}
		}
	}
	return difference
}

// isPowerEvent reports whether an event can change who may do what:
// power levels, join rules, create, and memberships that remove
// someone else.
func isPowerEvent(event *pdu.PDU) bool {
	if !event.IsState() {
		return false
	}
	switch event.Type {
	case schema.MatrixEventTypePowerLevels, schema.MatrixEventTypeJoinRules, schema.MatrixEventTypeCreate:
		return event.StateKeyValue() == ""
	case schema.MatrixEventTypeMember:
		membership := event.Membership()
		if membership == schema.MembershipLeave || membership == schema.MembershipBan {
			return event.Sender.String() != event.StateKeyValue()
		}
	}
	return false
}

type resolver struct {
	rules  roomversion.Rules
	loader EventLoader
	events map[ref.EventID]*pdu.PDU
}

// event loads through the per-resolution cache. A nil event means it
// is not stored.
func (r *resolver) event(ctx context.Context, eventID ref.EventID) (*pdu.PDU, error) {
	if event, ok := r.events[eventID]; ok {
		return event, nil
	}
	event, err := r.loader.LoadEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading %s for state resolution: %w", eventID, err)
	}
	r.events[eventID] = event
	return event, nil
}

// iterativeAuthChecks authorizes events in order against the state
// built so far, starting from base. Each allowed event takes its slot.
func (r *resolver) iterativeAuthChecks(ctx context.Context, eventIDs []ref.EventID, base pdu.StateMap) (pdu.StateMap, error) {
	resolved := base.Clone()
	for _, eventID := range eventIDs {
		event, err := r.event(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil || !event.IsState() {
			continue
		}

		authState := make(eventauth.StateEvents)
		for _, authID := range event.AuthEvents {
			authEvent, err := r.event(ctx, authID)
			if err != nil {
				return nil, err
			}
			if authEvent != nil {
				authState.Add(authEvent)
			}
		}
		for _, key := range eventauth.AuthTypesForEvent(r.rules, event.Type, event.StateKey, event.Sender, event.Content) {
			resolvedID, ok := resolved[key]
			if !ok {
				continue
			}
			resolvedEvent, err := r.event(ctx, resolvedID)
			if err != nil {
				return nil, err
			}
			if resolvedEvent != nil {
				authState[key] = resolvedEvent
			}
		}

		if eventauth.Allowed(r.rules, event, authState) == nil {
			resolved[event.TypeStateKey()] = eventID
		}
	}
	return resolved, nil
}
