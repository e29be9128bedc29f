// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"slices"
	"testing"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

func ids(names ...string) []ref.EventID {
	out := make([]ref.EventID, len(names))
	for i, name := range names {
		out[i] = ref.MustParseEventID("$" + name)
	}
	return out
}

// graphVisitor serves parents from a fixed graph and refuses events
// listed as known.
func graphVisitor(graph map[string][]string, known ...string) (visitFunc, *[]ref.EventID) {
	var visited []ref.EventID
	return func(eventID ref.EventID) ([]ref.EventID, bool) {
		visited = append(visited, eventID)
		name := eventID.String()[1:]
		if slices.Contains(known, name) {
			return nil, false
		}
		return ids(graph[name]...), true
	}, &visited
}

func TestCollectMissing(t *testing.T) {
	t.Parallel()

	graph := map[string][]string{
		"d": {"b", "c"},
		"c": {"a"},
		"b": {"a"},
		"a": {"root"},
	}

	t.Run("discovery order", func(t *testing.T) {
		visit, _ := graphVisitor(graph, "root")
		got := collectMissing(ids("d"), visit, 0)
		if want := ids("d", "b", "a", "c"); !slices.Equal(got, want) {
			t.Errorf("collected %v, want %v", got, want)
		}
	})

	t.Run("each event visited once", func(t *testing.T) {
		visit, visited := graphVisitor(graph, "root")
		collectMissing(ids("d", "c"), visit, 0)
		if len(*visited) != 5 {
			t.Errorf("visited %v, want each of d b a root c once", *visited)
		}
	})

	t.Run("cycle terminates", func(t *testing.T) {
		cyclic := map[string][]string{"x": {"y"}, "y": {"x"}}
		visit, _ := graphVisitor(cyclic)
		got := collectMissing(ids("x"), visit, 0)
		if want := ids("x", "y"); !slices.Equal(got, want) {
			t.Errorf("collected %v, want %v", got, want)
		}
	})

	t.Run("limit", func(t *testing.T) {
		visit, _ := graphVisitor(graph, "root")
		got := collectMissing(ids("d"), visit, 2)
		if want := ids("d", "b"); !slices.Equal(got, want) {
			t.Errorf("collected %v, want %v", got, want)
		}
	})

	t.Run("known events stop the walk", func(t *testing.T) {
		visit, visited := graphVisitor(graph, "b", "c")
		got := collectMissing(ids("d"), visit, 0)
		if want := ids("d"); !slices.Equal(got, want) {
			t.Errorf("collected %v, want %v", got, want)
		}
		if slices.Contains(*visited, ref.MustParseEventID("$a")) {
			t.Error("walked past a known event")
		}
	})
}

func TestSortCausally(t *testing.T) {
	t.Parallel()

	node := func(name string, ts int64, parents ...string) causalNode {
		return causalNode{EventID: ref.MustParseEventID("$" + name), Timestamp: ts, Parents: ids(parents...)}
	}

	t.Run("parents first despite timestamps", func(t *testing.T) {
		got := sortCausally([]causalNode{
			node("child", 10, "parent"),
			node("parent", 50, "outside"),
		})
		if want := ids("parent", "child"); !slices.Equal(got, want) {
			t.Errorf("order %v, want %v", got, want)
		}
	})

	t.Run("timestamp then ID among ready events", func(t *testing.T) {
		got := sortCausally([]causalNode{
			node("late", 30),
			node("zz", 20),
			node("aa", 20),
			node("merge", 5, "late", "aa"),
		})
		if want := ids("aa", "zz", "late", "merge"); !slices.Equal(got, want) {
			t.Errorf("order %v, want %v", got, want)
		}
	})

	t.Run("diamond", func(t *testing.T) {
		got := sortCausally([]causalNode{
			node("d", 4, "b", "c"),
			node("c", 2, "a"),
			node("b", 3, "a"),
			node("a", 1),
		})
		if want := ids("a", "c", "b", "d"); !slices.Equal(got, want) {
			t.Errorf("order %v, want %v", got, want)
		}
	})
}
