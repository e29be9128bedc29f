// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/eventauth"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/schema"
	"github.com/bureau-foundation/roomserver/lib/statecompressor"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// Config configures a Service.
type Config struct {
	Store      store.Store
	Compressor *statecompressor.Compressor
	Logger     *slog.Logger

	// Clock times resolutions. Defaults to the real clock.
	Clock clock.Clock
}

// Service reads and resolves room state.
type Service struct {
	store      store.Store
	compressor *statecompressor.Compressor
	logger     *slog.Logger
	clock      clock.Clock

	// resolveMu serializes every state resolution in the process.
	resolveMu sync.Mutex
}

// New creates a Service.
func New(config Config) *Service {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Service{
		store:      config.Store,
		compressor: config.Compressor,
		logger:     logger,
		clock:      config.Clock,
	}
}

// Compressor returns the state compressor the service reads through.
func (s *Service) Compressor() *statecompressor.Compressor { return s.compressor }

// RoomRules returns the version rules of a known room.
func (s *Service) RoomRules(ctx context.Context, roomID ref.RoomID) (roomversion.Rules, error) {
	version, err := s.store.RoomVersion(ctx, roomID)
	if err != nil {
		return roomversion.Rules{}, err
	}
	rules, ok := roomversion.Lookup(version)
	if !ok {
		return roomversion.Rules{}, fmt.Errorf("room %s has unsupported version %q", roomID, version)
	}
	return rules, nil
}

// StateBeforeEvent returns the state recorded for an event, which is
// the room state before it.
func (s *Service) StateBeforeEvent(ctx context.Context, eventID ref.EventID) (pdu.StateMap, error) {
	hash, err := s.store.EventStateHash(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return s.compressor.LoadState(ctx, hash)
}

// StateAfterEvent is the state before the event with the event applied
// when it is a state event.
func (s *Service) StateAfterEvent(ctx context.Context, event *pdu.PDU) (pdu.StateMap, error) {
	state, err := s.StateBeforeEvent(ctx, event.EventID)
	if err != nil {
		return nil, err
	}
	if event.IsState() {
		state[event.TypeStateKey()] = event.EventID
	}
	return state, nil
}

// CurrentStateHash returns the room's current snapshot, or 0 when the
// room has no state yet.
func (s *Service) CurrentStateHash(ctx context.Context, roomID ref.RoomID) (uint64, error) {
	hash, err := s.store.RoomStateHash(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return hash, err
}

// CurrentState returns the room's current state.
func (s *Service) CurrentState(ctx context.Context, roomID ref.RoomID) (pdu.StateMap, error) {
	hash, err := s.CurrentStateHash(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.compressor.LoadState(ctx, hash)
}

// SetCurrentState makes hash the room's current state.
func (s *Service) SetCurrentState(ctx context.Context, roomID ref.RoomID, hash uint64) error {
	return s.store.SetRoomStateHash(ctx, roomID, hash)
}

// CurrentStateEvent returns the event in a slot of the current state,
// or nil when the slot is empty.
func (s *Service) CurrentStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (*pdu.PDU, error) {
	state, err := s.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.StateEvent(ctx, state, eventType, stateKey)
}

// StateEvent loads the event in one slot of state, or nil when the
// slot is empty.
func (s *Service) StateEvent(ctx context.Context, state pdu.StateMap, eventType ref.EventType, stateKey string) (*pdu.PDU, error) {
	eventID, ok := state.Get(eventType, stateKey)
	if !ok {
		return nil, nil
	}
	event, err := s.store.GetPDU(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading %s (%s %q): %w", eventID, eventType, stateKey, err)
	}
	return event, nil
}

// AuthState loads the events of state that the authorization rules
// consult for event.
func (s *Service) AuthState(ctx context.Context, rules roomversion.Rules, state pdu.StateMap, event *pdu.PDU) (eventauth.StateEvents, error) {
	authState := make(eventauth.StateEvents)
	for _, key := range eventauth.AuthTypesForEvent(rules, event.Type, event.StateKey, event.Sender, event.Content) {
		stateEvent, err := s.StateEvent(ctx, state, key.Type, key.StateKey)
		if err != nil {
			return nil, err
		}
		if stateEvent != nil {
			authState[key] = stateEvent
		}
	}
	return authState, nil
}

// CreateEvent returns the room's create event. A room without one is
// reported as store.ErrNotFound.
func (s *Service) CreateEvent(ctx context.Context, roomID ref.RoomID) (*pdu.PDU, error) {
	event, err := s.CurrentStateEvent(ctx, roomID, schema.MatrixEventTypeCreate, "")
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("room %s has no create event: %w", roomID, store.ErrNotFound)
	}
	return event, nil
}

// FederationDisabled reports whether the room's create event sets
// m.federate to false.
func (s *Service) FederationDisabled(ctx context.Context, roomID ref.RoomID) (bool, error) {
	event, err := s.CreateEvent(ctx, roomID)
	if err != nil {
		return false, err
	}
	var content schema.CreateContent
	if err := event.DecodeContent(&content); err != nil {
		return false, fmt.Errorf("create event %s: %w", event.EventID, err)
	}
	return !content.Federated(), nil
}

// PowerLevels returns the current power levels, or nil when the room
// has none.
func (s *Service) PowerLevels(ctx context.Context, roomID ref.RoomID, rules roomversion.Rules) (*schema.PowerLevels, error) {
	event, err := s.CurrentStateEvent(ctx, roomID, schema.MatrixEventTypePowerLevels, "")
	if err != nil || event == nil {
		return nil, err
	}
	return schema.DecodePowerLevels(event.Content, rules.IntegerPowerLevels)
}

// ServerACL returns the current server ACL, or nil when the room has
// none.
func (s *Service) ServerACL(ctx context.Context, roomID ref.RoomID) (*eventauth.ServerACL, error) {
	event, err := s.CurrentStateEvent(ctx, roomID, schema.MatrixEventTypeServerACL, "")
	if err != nil || event == nil {
		return nil, err
	}
	return eventauth.ParseServerACL(event.Content)
}

// ServerAllowed reports whether the room's ACL lets server participate.
func (s *Service) ServerAllowed(ctx context.Context, roomID ref.RoomID, server ref.ServerName) (bool, error) {
	acl, err := s.ServerACL(ctx, roomID)
	if err != nil {
		return false, err
	}
	return acl == nil || acl.Allowed(server), nil
}

// Membership returns the user's current membership, "leave" when the
// user has none.
func (s *Service) Membership(ctx context.Context, roomID ref.RoomID, userID ref.UserID) (string, error) {
	event, err := s.CurrentStateEvent(ctx, roomID, schema.MatrixEventTypeMember, userID.String())
	if err != nil {
		return "", err
	}
	if event == nil {
		return schema.MembershipLeave, nil
	}
	return event.Membership(), nil
}

// JoinedMembers returns the users currently joined, sorted.
func (s *Service) JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	state, err := s.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var members []ref.UserID
	for key, eventID := range state {
		if key.Type != schema.MatrixEventTypeMember {
			continue
		}
		event, err := s.store.GetPDU(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("loading member event %s: %w", eventID, err)
		}
		if event.Membership() != schema.MembershipJoin {
			continue
		}
		userID, err := ref.ParseUserID(key.StateKey)
		if err != nil {
			s.logger.Warn("member event with invalid state_key", "room_id", roomID, "event_id", eventID, "state_key", key.StateKey)
			continue
		}
		members = append(members, userID)
	}
	slices.SortFunc(members, func(a, b ref.UserID) int {
		return cmp.Compare(a.String(), b.String())
	})
	return members, nil
}

// ServersInRoom returns the servers of joined members, sorted.
func (s *Service) ServersInRoom(ctx context.Context, roomID ref.RoomID) ([]ref.ServerName, error) {
	members, err := s.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	seen := make(map[ref.ServerName]struct{})
	var servers []ref.ServerName
	for _, member := range members {
		server := member.Server()
		if _, ok := seen[server]; !ok {
			seen[server] = struct{}{}
			servers = append(servers, server)
		}
	}
	slices.SortFunc(servers, func(a, b ref.ServerName) int {
		return cmp.Compare(a.String(), b.String())
	})
	return servers, nil
}
