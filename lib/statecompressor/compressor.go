// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statecompressor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// MaxLayerDepth is the longest diff chain written before a full
// snapshot is stored.
const MaxLayerDepth = 8

// fingerprintKey separates snapshot fingerprints from any other
// BLAKE3 use. ASCII, zero-padded to 32 bytes.
var fingerprintKey = [32]byte{
	'r', 'o', 'o', 'm', 's', 'e', 'r', 'v', 'e', 'r', '.', 's', 't', 'a', 't', 'e',
	'.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', 0, 0, 0, 0, 0, 0, 0,
}

// Compressor saves and loads state snapshots through a store.
type Compressor struct {
	store  store.State
	logger *slog.Logger

	mu         sync.RWMutex
	stateKeys  map[uint64]pdu.TypeStateKey
	shortKeys  map[pdu.TypeStateKey]uint64
	eventIDs   map[uint64]ref.EventID
	shortEvent map[ref.EventID]uint64
}

// New creates a Compressor. A nil logger discards output.
func New(stateStore store.State, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compressor{
		store:      stateStore,
		logger:     logger,
		stateKeys:  make(map[uint64]pdu.TypeStateKey),
		shortKeys:  make(map[pdu.TypeStateKey]uint64),
		eventIDs:   make(map[uint64]ref.EventID),
		shortEvent: make(map[ref.EventID]uint64),
	}
}

// Compress packs a short state key and short event ID.
func Compress(shortStateKey, shortEventID uint64) store.CompressedStateEvent {
	var entry store.CompressedStateEvent
	binary.BigEndian.PutUint64(entry[:8], shortStateKey)
	binary.BigEndian.PutUint64(entry[8:], shortEventID)
	return entry
}

// Split unpacks a compressed state event.
func Split(entry store.CompressedStateEvent) (shortStateKey, shortEventID uint64) {
	return binary.BigEndian.Uint64(entry[:8]), binary.BigEndian.Uint64(entry[8:])
}

// CompressStateEvent interns the slot and event and packs them.
func (c *Compressor) CompressStateEvent(ctx context.Context, key pdu.TypeStateKey, eventID ref.EventID) (store.CompressedStateEvent, error) {
	shortStateKey, err := c.shortStateKey(ctx, key)
	if err != nil {
		return store.CompressedStateEvent{}, err
	}
	shortEventID, err := c.shortEventID(ctx, eventID)
	if err != nil {
		return store.CompressedStateEvent{}, err
	}
	return Compress(shortStateKey, shortEventID), nil
}

// ParseCompressedStateEvent resolves a packed entry back to its slot
// and event.
func (c *Compressor) ParseCompressedStateEvent(ctx context.Context, entry store.CompressedStateEvent) (pdu.TypeStateKey, ref.EventID, error) {
	shortStateKey, shortEventID := Split(entry)

	c.mu.RLock()
	key, keyCached := c.stateKeys[shortStateKey]
	eventID, eventCached := c.eventIDs[shortEventID]
	c.mu.RUnlock()

	var err error
	if !keyCached {
		key, err = c.store.TypeStateKey(ctx, shortStateKey)
		if err != nil {
			return pdu.TypeStateKey{}, ref.EventID{}, err
		}
		c.rememberStateKey(shortStateKey, key)
	}
	if !eventCached {
		eventID, err = c.store.EventIDForShort(ctx, shortEventID)
		if err != nil {
			return pdu.TypeStateKey{}, ref.EventID{}, err
		}
		c.rememberEventID(shortEventID, eventID)
	}
	return key, eventID, nil
}

func (c *Compressor) shortStateKey(ctx context.Context, key pdu.TypeStateKey) (uint64, error) {
	c.mu.RLock()
	short, ok := c.shortKeys[key]
	c.mu.RUnlock()
	if ok {
		return short, nil
	}
	short, err := c.store.GetOrCreateShortStateKey(ctx, key)
	if err != nil {
		return 0, err
	}
	c.rememberStateKey(short, key)
	return short, nil
}

func (c *Compressor) shortEventID(ctx context.Context, eventID ref.EventID) (uint64, error) {
	c.mu.RLock()
	short, ok := c.shortEvent[eventID]
	c.mu.RUnlock()
	if ok {
		return short, nil
	}
	short, err := c.store.GetOrCreateShortEventID(ctx, eventID)
	if err != nil {
		return 0, err
	}
	c.rememberEventID(short, eventID)
	return short, nil
}

func (c *Compressor) rememberStateKey(short uint64, key pdu.TypeStateKey) {
	c.mu.Lock()
	c.stateKeys[short] = key
	c.shortKeys[key] = short
	c.mu.Unlock()
}

func (c *Compressor) rememberEventID(short uint64, eventID ref.EventID) {
	c.mu.Lock()
	c.eventIDs[short] = eventID
	c.shortEvent[eventID] = short
	c.mu.Unlock()
}

// compressedSet is a snapshot in interned form: short state key to
// short event ID.
type compressedSet map[uint64]uint64

func (set compressedSet) sorted() []store.CompressedStateEvent {
	entries := make([]store.CompressedStateEvent, 0, len(set))
	for shortStateKey, shortEventID := range set {
		entries = append(entries, Compress(shortStateKey, shortEventID))
	}
	slices.SortFunc(entries, func(a, b store.CompressedStateEvent) int {
		return bytes.Compare(a[:], b[:])
	})
	return entries
}

func fingerprint(entries []store.CompressedStateEvent) [32]byte {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("statecompressor: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, entry := range entries {
		hasher.Write(entry[:])
	}
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// SaveState stores state as the room's next snapshot, diffed against
// the room's current snapshot when it has one. It does not move the
// room's current state.
func (c *Compressor) SaveState(ctx context.Context, roomID ref.RoomID, state pdu.StateMap) (uint64, error) {
	parent, err := c.store.RoomStateHash(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		parent = 0
	} else if err != nil {
		return 0, fmt.Errorf("saving state of %s: %w", roomID, err)
	}
	return c.SaveStateFrom(ctx, parent, state)
}

// SaveStateFrom stores state as a layer over parent (zero for none)
// and returns its short state hash.
func (c *Compressor) SaveStateFrom(ctx context.Context, parent uint64, state pdu.StateMap) (uint64, error) {
	next := make(compressedSet, len(state))
	for key, eventID := range state {
		entry, err := c.CompressStateEvent(ctx, key, eventID)
		if err != nil {
			return 0, fmt.Errorf("compressing %s: %w", key, err)
		}
		shortStateKey, shortEventID := Split(entry)
		next[shortStateKey] = shortEventID
	}
	entries := next.sorted()
	sum := fingerprint(entries)

	layer := store.StateLayer{Added: entries}
	if parent != 0 {
		parentSet, depth, err := c.loadCompressed(ctx, parent)
		if err != nil {
			return 0, fmt.Errorf("loading parent snapshot %d: %w", parent, err)
		}
		added, removed := diff(parentSet, next)
		if depth+1 < MaxLayerDepth && len(added)+len(removed) <= len(next)/2 {
			layer = store.StateLayer{Parent: parent, Depth: depth + 1, Added: added, Removed: removed}
		}
	}

	shortStateHash, created, err := c.store.PutStateLayer(ctx, sum, layer)
	if err != nil {
		return 0, err
	}
	if created {
		c.logger.Debug("stored state layer",
			"short_state_hash", shortStateHash,
			"parent", layer.Parent,
			"depth", layer.Depth,
			"added", len(layer.Added),
			"removed", len(layer.Removed),
		)
	}
	return shortStateHash, nil
}

// diff returns the entries to add and remove to turn from into to.
func diff(from, to compressedSet) (added, removed []store.CompressedStateEvent) {
	for shortStateKey, shortEventID := range to {
		if previous, ok := from[shortStateKey]; !ok || previous != shortEventID {
			added = append(added, Compress(shortStateKey, shortEventID))
		}
	}
	for shortStateKey, shortEventID := range from {
		if current, ok := to[shortStateKey]; !ok || current != shortEventID {
			removed = append(removed, Compress(shortStateKey, shortEventID))
		}
	}
	compare := func(a, b store.CompressedStateEvent) int { return bytes.Compare(a[:], b[:]) }
	slices.SortFunc(added, compare)
	slices.SortFunc(removed, compare)
	return added, removed
}

// LayerInfo describes one layer of a snapshot's chain.
type LayerInfo struct {
	ShortStateHash uint64
	Parent         uint64
	Depth          int
	Added          int
	Removed        int
}

// LoadStateHashInfo returns the layer chain of a snapshot, the
// snapshot's own layer first and the full snapshot at its root last.
func (c *Compressor) LoadStateHashInfo(ctx context.Context, shortStateHash uint64) ([]LayerInfo, error) {
	var chain []LayerInfo
	for current := shortStateHash; current != 0; {
		layer, err := c.store.StateLayer(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("loading state layer %d: %w", current, err)
		}
		chain = append(chain, LayerInfo{
			ShortStateHash: current,
			Parent:         layer.Parent,
			Depth:          layer.Depth,
			Added:          len(layer.Added),
			Removed:        len(layer.Removed),
		})
		if len(chain) > MaxLayerDepth+1 {
			return nil, fmt.Errorf("state layer %d: chain longer than %d", shortStateHash, MaxLayerDepth)
		}
		current = layer.Parent
	}
	return chain, nil
}

// loadCompressed resolves a snapshot to its interned form and returns
// its layer depth.
func (c *Compressor) loadCompressed(ctx context.Context, shortStateHash uint64) (compressedSet, int, error) {
	var layers []store.StateLayer
	for current := shortStateHash; current != 0; {
		layer, err := c.store.StateLayer(ctx, current)
		if err != nil {
			return nil, 0, err
		}
		layers = append(layers, layer)
		if len(layers) > MaxLayerDepth+1 {
			return nil, 0, fmt.Errorf("state layer %d: chain longer than %d", shortStateHash, MaxLayerDepth)
		}
		current = layer.Parent
	}
	if len(layers) == 0 {
		return compressedSet{}, 0, nil
	}

	set := make(compressedSet)
	for i := len(layers) - 1; i >= 0; i-- {
		for _, entry := range layers[i].Removed {
			shortStateKey, shortEventID := Split(entry)
			if set[shortStateKey] == shortEventID {
				delete(set, shortStateKey)
			}
		}
		for _, entry := range layers[i].Added {
			shortStateKey, shortEventID := Split(entry)
			set[shortStateKey] = shortEventID
		}
	}
	return set, layers[0].Depth, nil
}

// LoadState resolves a snapshot to a state map. Zero is the empty
// state.
func (c *Compressor) LoadState(ctx context.Context, shortStateHash uint64) (pdu.StateMap, error) {
	set, _, err := c.loadCompressed(ctx, shortStateHash)
	if err != nil {
		return nil, fmt.Errorf("loading state %d: %w", shortStateHash, err)
	}
	state := make(pdu.StateMap, len(set))
	for shortStateKey, shortEventID := range set {
		key, eventID, err := c.ParseCompressedStateEvent(ctx, Compress(shortStateKey, shortEventID))
		if err != nil {
			return nil, fmt.Errorf("loading state %d: %w", shortStateHash, err)
		}
		state[key] = eventID
	}
	return state, nil
}
