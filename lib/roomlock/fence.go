// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Fence tracks in-flight insertions per room as numbered generations.
type Fence struct {
	mu    sync.Mutex
	rooms map[ref.RoomID]*fenceRoom
}

type fenceRoom struct {
	// begun is the highest generation handed out.
	begun uint64

	// settledThrough is the highest generation g such that every
	// generation <= g has settled.
	settledThrough uint64

	// settledAhead holds settled generations above settledThrough.
	settledAhead map[uint64]bool

	waiters []fenceWaiter
}

type fenceWaiter struct {
	target uint64
	ready  chan struct{}
}

// NewFence creates an empty fence.
func NewFence() *Fence {
	return &Fence{rooms: make(map[ref.RoomID]*fenceRoom)}
}

func (fence *Fence) roomLocked(roomID ref.RoomID) *fenceRoom {
	room, ok := fence.rooms[roomID]
	if !ok {
		room = &fenceRoom{settledAhead: make(map[uint64]bool)}
		fence.rooms[roomID] = room
	}
	return room
}

// Ticket is one in-flight insertion.
type Ticket struct {
	fence      *Fence
	roomID     ref.RoomID
	generation uint64
	once       sync.Once
}

// Begin starts a new generation for the room.
func (fence *Fence) Begin(roomID ref.RoomID) *Ticket {
	fence.mu.Lock()
	defer fence.mu.Unlock()
	room := fence.roomLocked(roomID)
	room.begun++
	return &Ticket{fence: fence, roomID: roomID, generation: room.begun}
}

// Generation returns the ticket's generation number.
func (ticket *Ticket) Generation() uint64 { return ticket.generation }

// Settle marks the generation finished, successfully or not. Settling
// twice is a no-op.
func (ticket *Ticket) Settle() {
	ticket.once.Do(func() {
		ticket.fence.settle(ticket.roomID, ticket.generation)
	})
}

func (fence *Fence) settle(roomID ref.RoomID, generation uint64) {
	fence.mu.Lock()
	defer fence.mu.Unlock()

	room := fence.roomLocked(roomID)
	room.settledAhead[generation] = true
	for room.settledAhead[room.settledThrough+1] {
		delete(room.settledAhead, room.settledThrough+1)
		room.settledThrough++
	}

	remaining := room.waiters[:0]
	for _, waiter := range room.waiters {
		if waiter.target <= room.settledThrough {
			close(waiter.ready)
		} else {
			remaining = append(remaining, waiter)
		}
	}
	room.waiters = remaining
}

// Wait blocks until every generation begun for the room before the
// call has settled.
func (fence *Fence) Wait(ctx context.Context, roomID ref.RoomID) error {
	fence.mu.Lock()
	target := fence.roomLocked(roomID).begun
	fence.mu.Unlock()
	return fence.WaitFor(ctx, roomID, target)
}

// WaitFor blocks until every generation up to and including target
// has settled for the room.
func (fence *Fence) WaitFor(ctx context.Context, roomID ref.RoomID, target uint64) error {
	fence.mu.Lock()
	room := fence.roomLocked(roomID)
	if room.settledThrough >= target {
		fence.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	room.waiters = append(room.waiters, fenceWaiter{target: target, ready: ready})
	fence.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for insertions in %s to settle: %w", roomID, ctx.Err())
	}
}

// InFlight returns the number of generations begun but not settled.
func (fence *Fence) InFlight(roomID ref.RoomID) int {
	fence.mu.Lock()
	defer fence.mu.Unlock()
	room := fence.roomLocked(roomID)
	return int(room.begun-room.settledThrough) - len(room.settledAhead)
}
