// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package seqtrack implements the Sequence Tracker: process-wide,
// per-origin memory_seq/durable_seq watermarks, recovered from table
// commit metadata on startup.
package seqtrack

import (
	"sync"

	"github.com/seafowldb/seafowl-sync/internal/engineerr"
)

const shardCount = 32

type watermark struct {
	memorySeq  uint64
	durableSeq uint64
	seen       bool
}

type shard struct {
	mu   sync.Mutex
	rows map[string]*watermark
}

// Tracker maintains, per origin, memory_seq and durable_seq
// watermarks. The zero value is not usable; construct with New.
type Tracker struct {
	shards [shardCount]*shard
}

// New returns an empty Tracker.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{rows: map[string]*watermark{}}
	}
	return t
}

func (t *Tracker) shardFor(origin string) *shard {
	h := fnv32(origin)
	return t.shards[h%uint32(shardCount)]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func (s *shard) row(origin string) *watermark {
	w, ok := s.rows[origin]
	if !ok {
		w = &watermark{}
		s.rows[origin] = w
	}
	return w
}

// NoteInMemory advances memory_seq[origin] to seq if seq is greater
// than the current value. Commutative with concurrent calls for other
// origins; calls for the same origin are serialized by the shard lock.
func (t *Tracker) NoteInMemory(origin string, seq uint64) {
	s := t.shardFor(origin)
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.row(origin)
	if seq > w.memorySeq || !w.seen {
		w.memorySeq = seq
	}
	w.seen = true
}

// NoteDurable advances durable_seq[origin] to seq if seq is greater
// than the current value. Returns a Fatal-kind error if seq would
// exceed the current memory_seq, which would violate the
// durable_seq <= memory_seq invariant.
func (t *Tracker) NoteDurable(origin string, seq uint64) error {
	s := t.shardFor(origin)
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.row(origin)
	if seq > w.memorySeq {
		return engineerr.Newf(engineerr.Fatal,
			"durable_seq %d would exceed memory_seq %d for origin %q", seq, w.memorySeq, origin)
	}
	if seq > w.durableSeq || !w.seen {
		w.durableSeq = seq
	}
	w.seen = true
	return nil
}

// Snapshot returns the current watermarks for origin, as optional
// values: both are nil if the origin has never been observed.
func (t *Tracker) Snapshot(origin string) (memorySeq, durableSeq *uint64) {
	s := t.shardFor(origin)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.rows[origin]
	if !ok || !w.seen {
		return nil, nil
	}
	m, d := w.memorySeq, w.durableSeq
	return &m, &d
}

// Seed sets both watermarks for origin, used by Recover to prime the
// tracker from a table format's commit metadata. Seeding never moves
// a watermark backwards.
func (t *Tracker) Seed(origin string, durableSeq uint64) {
	s := t.shardFor(origin)
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.row(origin)
	if durableSeq > w.durableSeq || !w.seen {
		w.durableSeq = durableSeq
	}
	if durableSeq > w.memorySeq || !w.seen {
		w.memorySeq = durableSeq
	}
	w.seen = true
}

// Recover seeds the tracker from a map of origin -> durable sequence
// number read from the latest table-format version's commit metadata
// (seqtrack itself does not read object storage; the writer gateway
// decodes the metadata and calls Recover with the result). Tables
// whose metadata lacks an origin map contribute nothing, leaving
// durable_seq = 0 for all origins, per spec.md §6.
func (t *Tracker) Recover(originSeqs map[string]uint64) {
	for origin, seq := range originSeqs {
		t.Seed(origin, seq)
	}
}
