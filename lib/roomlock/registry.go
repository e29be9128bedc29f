// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomlock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Registry is a lazily populated map of per-room mutexes.
type Registry struct {
	name string

	mu    sync.Mutex
	rooms map[ref.RoomID]chan struct{}
}

// NewRegistry creates a registry. The name appears in error messages.
func NewRegistry(name string) *Registry {
	return &Registry{name: name, rooms: make(map[ref.RoomID]chan struct{})}
}

func (registry *Registry) slot(roomID ref.RoomID) chan struct{} {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	slot, ok := registry.rooms[roomID]
	if !ok {
		slot = make(chan struct{}, 1)
		registry.rooms[roomID] = slot
	}
	return slot
}

// Lock acquires the room's mutex, or returns ctx.Err() if the context
// ends first.
func (registry *Registry) Lock(ctx context.Context, roomID ref.RoomID) (*Guard, error) {
	slot := registry.slot(roomID)
	select {
	case slot <- struct{}{}:
		return &Guard{registry: registry, roomID: roomID, slot: slot}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquiring %s lock for %s: %w", registry.name, roomID, ctx.Err())
	}
}

// TryLock acquires the room's mutex if it is free.
func (registry *Registry) TryLock(roomID ref.RoomID) (*Guard, bool) {
	slot := registry.slot(roomID)
	select {
	case slot <- struct{}{}:
		return &Guard{registry: registry, roomID: roomID, slot: slot}, true
	default:
		return nil, false
	}
}

// Len returns the number of rooms that have ever been locked.
func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.rooms)
}

// Guard is proof that a room's lock in one registry is held.
type Guard struct {
	registry *Registry
	roomID   ref.RoomID
	slot     chan struct{}
	released atomic.Bool
}

// RoomID returns the room the guard locks.
func (guard *Guard) RoomID() ref.RoomID { return guard.roomID }

// Unlock releases the lock. Calling Unlock more than once is a no-op.
func (guard *Guard) Unlock() {
	if guard.released.CompareAndSwap(false, true) {
		<-guard.slot
	}
}

// Check returns an error unless the guard holds registry's lock for
// roomID.
func (guard *Guard) Check(registry *Registry, roomID ref.RoomID) error {
	switch {
	case guard == nil:
		return fmt.Errorf("%s lock for %s not held", registry.name, roomID)
	case guard.registry != registry:
		return fmt.Errorf("guard is for the %s registry, need %s", guard.registry.name, registry.name)
	case guard.roomID != roomID:
		return fmt.Errorf("guard locks %s, need %s", guard.roomID, roomID)
	case guard.released.Load():
		return fmt.Errorf("%s lock for %s already released", registry.name, roomID)
	}
	return nil
}
