// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stateres implements Matrix State Resolution v2, the
// algorithm every room version from 2 on uses to merge divergent
// state.
//
// [Resolve] takes the state maps of the forks being merged and the
// auth chain of each fork and returns the merged state:
//
//  1. Slots on which every fork agrees form the unconflicted state.
//     The remaining slots' events, plus the auth difference (events in
//     some but not all auth chains), form the full conflicted set.
//  2. Power events (power levels, join rules, create, and kicks or
//     bans) in the full conflicted set, with their auth ancestors that
//     are also in the set, are sorted in reverse topological power
//     order: ancestors first, ties broken by higher sender power
//     level, then earlier origin_server_ts, then lower event ID.
//  3. Those events are authorized one by one against the state built
//     so far (starting from the unconflicted state), each accepted
//     event taking its slot.
//  4. The rest of the full conflicted set is sorted by mainline
//     position (distance of the event's power levels ancestry from the
//     resolved power levels event), then origin_server_ts, then event
//     ID, and authorized the same way.
//  5. The unconflicted state is applied on top.
//
// The package performs no storage access of its own; events are read
// through an [EventLoader] and results are cached for the duration of
// one resolution.
package stateres
