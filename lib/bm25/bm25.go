// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bm25

import (
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// Okapi parameters.
const (
	k1 = 1.2
	b  = 0.75

	// epsilon replaces the IDF of terms present in most documents.
	epsilon = 0.25
)

// Message is one candidate: an event and the text to score.
type Message struct {
	EventID ref.EventID
	Body    string
}

// Result is a ranked candidate.
type Result struct {
	EventID ref.EventID
	Score   float64
}

// Index holds term statistics over a set of messages.
type Index struct {
	messages    []Message
	frequencies []map[string]int
	lengths     []int
	averageLen  float64
	idf         map[string]float64
}

// New indexes messages.
func New(messages []Message) *Index {
	index := &Index{
		messages:    messages,
		frequencies: make([]map[string]int, len(messages)),
		lengths:     make([]int, len(messages)),
		idf:         make(map[string]float64),
	}

	containing := make(map[string]int)
	total := 0
	for i, message := range messages {
		tokens := Tokenize(message.Body)
		index.lengths[i] = len(tokens)
		total += len(tokens)

		frequency := make(map[string]int, len(tokens))
		for _, token := range tokens {
			if frequency[token] == 0 {
				containing[token]++
			}
			frequency[token]++
		}
		index.frequencies[i] = frequency
	}
	if len(messages) > 0 {
		index.averageLen = float64(total) / float64(len(messages))
	}

	count := float64(len(messages))
	for term, n := range containing {
		idf := math.Log(1 + (count-float64(n)+0.5)/(float64(n)+0.5))
		if idf < epsilon {
			idf = epsilon
		}
		index.idf[term] = idf
	}
	return index
}

// Rank returns up to limit messages with a positive score against
// query, best first. limit <= 0 returns every match.
func (index *Index) Rank(query string, limit int) []Result {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var results []Result
	for i, message := range index.messages {
		if score := index.score(i, terms); score > 0 {
			results = append(results, Result{EventID: message.EventID, Score: score})
		}
	}
	slices.SortStableFunc(results, func(x, y Result) int {
		switch {
		case x.Score > y.Score:
			return -1
		case x.Score < y.Score:
			return 1
		}
		return 0
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (index *Index) score(i int, terms []string) float64 {
	if index.averageLen == 0 {
		return 0
	}
	length := float64(index.lengths[i])
	var score float64
	for _, term := range terms {
		tf := float64(index.frequencies[i][term])
		if tf == 0 {
			continue
		}
		score += index.idf[term] * tf * (k1 + 1) / (tf + k1*(1-b+b*length/index.averageLen))
	}
	return score
}

// Tokenize lowercases text and splits it into runs of letters and
// digits. Scripts without spaces come back as one token per run.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
