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

// Package staging implements the Per-Table Staging Buffer: an
// in-memory accumulator of squashed row-change batches, keyed by
// (table_path, storage_location), drained by a successful flush.
package staging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seafowldb/seafowl-sync/internal/decode"
	"github.com/seafowldb/seafowl-sync/internal/squash"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
	"github.com/seafowldb/seafowl-sync/internal/util/lockset"
)

// entry is the mutable state of one staging key. Every field except
// the atomics is only ever touched from inside a callback scheduled
// through Buffer.set for this key, which lockset guarantees is
// mutually exclusive with any other callback for the same key.
type entry struct {
	batches []*squash.Net

	bytesBuffered  atomic.Int64
	oldestArrival  atomic.Int64 // UnixNano; 0 means empty
	pendingMu      sync.Mutex
	pendingOrigins map[string]uint64
}

func newEntry() *entry {
	return &entry{pendingOrigins: map[string]uint64{}}
}

func (e *entry) notePending(origin string, seq uint64) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if cur, ok := e.pendingOrigins[origin]; !ok || seq > cur {
		e.pendingOrigins[origin] = seq
	}
}

func (e *entry) pendingSnapshot() map[string]uint64 {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := make(map[string]uint64, len(e.pendingOrigins))
	for k, v := range e.pendingOrigins {
		out[k] = v
	}
	return out
}

// Stats is a point-in-time, lock-free view of a staging key.
type Stats struct {
	Exists        bool
	BytesBuffered int64
	OldestArrival time.Time
}

// FlushJob is the result handed to the Table Writer Gateway by a
// successful Flush call: the fully re-squashed net effects for a key
// plus the highest in-memory sequence number observed per origin.
type FlushJob struct {
	Key        tablepath.Key
	Net        *squash.Net
	OriginSeqs map[string]uint64
}

// Buffer is the Per-Table Staging Buffer. The zero value is not
// usable; construct with New.
type Buffer struct {
	resquashThreshold int64

	set lockset.Set[tablepath.Key]

	mu      sync.Mutex
	entries map[tablepath.Key]*entry

	totalBytes atomic.Int64
}

// New returns an empty Buffer. Once an entry holds more than one
// per-message squashed batch and its buffered bytes exceed
// resquashThreshold, its batches are folded together in place.
func New(resquashThreshold int64) *Buffer {
	return &Buffer{
		resquashThreshold: resquashThreshold,
		entries:           map[tablepath.Key]*entry{},
	}
}

func (b *Buffer) getOrCreate(key tablepath.Key) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		e = newEntry()
		b.entries[key] = e
	}
	return e
}

func (b *Buffer) forget(key tablepath.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Append schedules batch's squashed form onto key's staging entry.
// Append calls for the same key never run concurrently with each
// other or with a Flush of that key (spec.md §5).
func (b *Buffer) Append(ctx context.Context, key tablepath.Key, batch *decode.Batch) error {
	outcome, _ := b.set.Schedule([]tablepath.Key{key}, func([]tablepath.Key) error {
		e := b.getOrCreate(key)

		net := squash.NewNet()
		squash.Apply(net, batch)
		e.batches = append(e.batches, net)

		delta := estimateBytes(batch)
		if e.bytesBuffered.Load() == 0 && e.oldestArrival.Load() == 0 {
			e.oldestArrival.Store(time.Now().UnixNano())
		}
		e.bytesBuffered.Add(delta)
		b.totalBytes.Add(delta)

		if batch.SequenceNumber != nil {
			e.notePending(batch.Origin, *batch.SequenceNumber)
		}

		if e.bytesBuffered.Load() > b.resquashThreshold && len(e.batches) > 1 {
			b.resquash(e)
		}
		return nil
	})
	return lockset.Wait(ctx, []lockset.Outcome{outcome})
}

// resquash folds an entry's accumulated batches into one, shrinking
// memory use once duplicate-PK churn has been collapsed. Must be
// called from within the entry's scheduled callback.
func (b *Buffer) resquash(e *entry) {
	merged := squash.NewNet()
	for _, batch := range e.batches {
		squash.Merge(merged, batch)
	}
	before := e.bytesBuffered.Load()
	after := estimateNetBytes(merged)
	e.batches = []*squash.Net{merged}
	e.bytesBuffered.Store(after)
	b.totalBytes.Add(after - before)
}

// Flush removes and returns key's staging entry, fully re-squashed,
// for the Table Writer Gateway to commit. Returns nil if the key has
// no buffered changes. The caller must hold no other outstanding
// Append for this key; Flush enforces mutual exclusion itself via the
// same per-key lockset token Append uses.
func (b *Buffer) Flush(ctx context.Context, key tablepath.Key) (*FlushJob, error) {
	var job *FlushJob
	outcome, _ := b.set.Schedule([]tablepath.Key{key}, func([]tablepath.Key) error {
		b.mu.Lock()
		e, ok := b.entries[key]
		b.mu.Unlock()
		if !ok || len(e.batches) == 0 {
			return nil
		}

		merged := squash.NewNet()
		for _, batch := range e.batches {
			squash.Merge(merged, batch)
		}
		job = &FlushJob{Key: key, Net: merged, OriginSeqs: e.pendingSnapshot()}

		b.totalBytes.Add(-e.bytesBuffered.Load())
		b.forget(key)
		return nil
	})
	if err := lockset.Wait(ctx, []lockset.Outcome{outcome}); err != nil {
		return nil, err
	}
	return job, nil
}

// Stats returns a point-in-time view of key's buffered bytes and
// oldest-arrival time, without going through the per-key lock. Used
// by the flush planner on its hot path.
func (b *Buffer) Stats(key tablepath.Key) Stats {
	b.mu.Lock()
	e, ok := b.entries[key]
	b.mu.Unlock()
	if !ok {
		return Stats{}
	}
	nanos := e.oldestArrival.Load()
	bytes := e.bytesBuffered.Load()
	if nanos == 0 {
		return Stats{Exists: bytes > 0, BytesBuffered: bytes}
	}
	return Stats{Exists: true, BytesBuffered: bytes, OldestArrival: time.Unix(0, nanos)}
}

// Keys returns a snapshot of the currently-populated staging keys.
func (b *Buffer) Keys() []tablepath.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]tablepath.Key, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	return out
}

// TotalBytes returns the sum of BytesBuffered across every staging
// key, read without locking.
func (b *Buffer) TotalBytes() int64 {
	return b.totalBytes.Load()
}

// estimateBytes gives a rough, allocation-free-enough size for one
// decoded batch's row changes, used only to drive flush and admission
// thresholds.
func estimateBytes(batch *decode.Batch) int64 {
	var total int64
	for _, c := range batch.Changes {
		total += 32 // fixed overhead for keys + tags
		for k, v := range c.Payload {
			total += int64(len(k))
			total += cellSize(v)
		}
	}
	return total
}

func estimateNetBytes(n *squash.Net) int64 {
	var total int64
	for _, e := range n.Entries() {
		total += 32
		for k, v := range e.Entry.Payload {
			total += int64(len(k))
			total += cellSize(v)
		}
	}
	return total
}

func cellSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	default:
		return 8
	}
}
