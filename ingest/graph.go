// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"cmp"
	"container/heap"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// visitFunc examines one event during a traversal. It returns the
// event's parents to continue with, and false when the event is
// already known locally or could not be obtained, in which case the
// traversal does not descend into it.
type visitFunc func(ref.EventID) (parents []ref.EventID, ok bool)

// collectMissing walks the graph from roots with an explicit stack and
// returns the events visit accepted, in discovery order. Every event
// is visited at most once, so cycles terminate. At most limit events
// are collected; zero means no limit.
func collectMissing(roots []ref.EventID, visit visitFunc, limit int) []ref.EventID {
	seen := make(map[ref.EventID]bool, len(roots))
	stack := make([]ref.EventID, 0, len(roots))
	// Push in reverse so roots are visited in the given order.
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}

	var collected []ref.EventID
	for len(stack) > 0 {
		if limit > 0 && len(collected) >= limit {
			break
		}
		eventID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[eventID] {
			continue
		}
		seen[eventID] = true

		parents, ok := visit(eventID)
		if !ok {
			continue
		}
		collected = append(collected, eventID)
		for i := len(parents) - 1; i >= 0; i-- {
			if !seen[parents[i]] {
				stack = append(stack, parents[i])
			}
		}
	}
	return collected
}

// causalNode is one event in a causal sort.
type causalNode struct {
	EventID   ref.EventID
	Timestamp int64
	Parents   []ref.EventID
}

// sortCausally orders nodes so every event follows its parents that
// are part of the set. Among events whose parents are all placed, the
// lower (origin_server_ts, event ID) goes first.
func sortCausally(nodes []causalNode) []ref.EventID {
	byID := make(map[ref.EventID]causalNode, len(nodes))
	for _, node := range nodes {
		byID[node.EventID] = node
	}
	pending := make(map[ref.EventID]int, len(nodes))
	children := make(map[ref.EventID][]ref.EventID)
	for _, node := range nodes {
		for _, parent := range node.Parents {
			if _, ok := byID[parent]; !ok || parent == node.EventID {
				continue
			}
			pending[node.EventID]++
			children[parent] = append(children[parent], node.EventID)
		}
	}

	ready := &causalQueue{}
	for _, node := range nodes {
		if pending[node.EventID] == 0 {
			heap.Push(ready, node)
		}
	}
	order := make([]ref.EventID, 0, len(nodes))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(causalNode)
		order = append(order, node.EventID)
		for _, child := range children[node.EventID] {
			pending[child]--
			if pending[child] == 0 {
				heap.Push(ready, byID[child])
			}
		}
	}
	return order
}

type causalQueue []causalNode

func (q causalQueue) Len() int { return len(q) }

func (q causalQueue) Less(i, j int) bool {
	if q[i].Timestamp != q[j].Timestamp {
		return q[i].Timestamp < q[j].Timestamp
	}
	return cmp.Compare(q[i].EventID.String(), q[j].EventID.String()) < 0
}

func (q causalQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *causalQueue) Push(x any) { *q = append(*q, x.(causalNode)) }

func (q *causalQueue) Pop() any {
	old := *q
	node := old[len(old)-1]
	*q = old[:len(old)-1]
	return node
}
