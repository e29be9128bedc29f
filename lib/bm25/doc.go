// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bm25 ranks message bodies against a search query with the
// Okapi BM25 function.
//
// The store's token index answers "which events contain every query
// term"; this package orders those candidates by relevance. An [Index]
// is built per query over the candidate bodies and discarded after
// [Index.Rank]. Candidates with equal scores keep the order they were
// given in, so a newest-first candidate list stays newest-first among
// ties.
package bm25
