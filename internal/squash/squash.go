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

// Package squash implements the Row-Change Squasher: it collapses
// multiple changes to the same terminal primary key, within a batch
// or across batches in the same transaction, into one net effect.
package squash

import (
	"github.com/seafowldb/seafowl-sync/internal/decode"
)

// Kind is the tagged-variant discriminant of a net row effect.
type Kind int

// Net effect kinds, per spec.md §4.B / §9.
const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

// Entry is the net effect recorded for one terminal primary key.
type Entry struct {
	Kind Kind
	// FromKey is the primary key under which the affected row
	// currently exists in the target table. Only meaningful for
	// KindUpdate; the writer gateway uses it to emit a delete-of-old-PK
	// alongside the append-of-new-row.
	FromKey decode.Key
	// Payload carries every VALUE column. ChangedMask records which of
	// them were actually flagged CHANGED=true by the source; columns
	// with ChangedMask[name]==false are "unchanged" and are carried
	// opaquely only to preserve the row across a PK rewrite.
	Payload     map[string]any
	ChangedMask map[string]bool
}

// Net is the insertion-ordered pk -> net-effect map produced by
// folding a sequence of decode.RowChange values. The zero value is an
// empty Net ready to use.
type Net struct {
	order   []decode.Key
	entries map[decode.Key]*Entry
}

// NewNet returns an empty Net.
func NewNet() *Net {
	return &Net{entries: map[decode.Key]*Entry{}}
}

// Len returns the number of distinct terminal keys currently tracked.
func (n *Net) Len() int { return len(n.order) }

// Entries returns the net effects in insertion order. The returned
// slice must not be mutated by the caller.
func (n *Net) Entries() []KeyedEntry {
	out := make([]KeyedEntry, 0, len(n.order))
	for _, k := range n.order {
		out = append(out, KeyedEntry{Key: k, Entry: n.entries[k]})
	}
	return out
}

// KeyedEntry pairs a terminal key with its net effect.
type KeyedEntry struct {
	Key   decode.Key
	Entry *Entry
}

func (n *Net) lazyInit() {
	if n.entries == nil {
		n.entries = map[decode.Key]*Entry{}
	}
}

// set records entry at key, appending to the insertion order only if
// key is new.
func (n *Net) set(key decode.Key, entry *Entry) {
	n.lazyInit()
	if _, exists := n.entries[key]; !exists {
		n.order = append(n.order, key)
	}
	n.entries[key] = entry
}

// remove drops key from the map and the insertion order.
func (n *Net) remove(key decode.Key) {
	if _, exists := n.entries[key]; !exists {
		return
	}
	delete(n.entries, key)
	for i, k := range n.order {
		if k == key {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// mergeMasks merges a previous (payload, mask) pair with a newly
// arrived (payload, mask), new values and new CHANGED flags winning
// on conflict, per spec.md §4.B's merge() helper.
func mergeMasks(prevPayload map[string]any, prevMask map[string]bool, mask map[string]bool, v map[string]any) (map[string]any, map[string]bool) {
	payload := make(map[string]any, len(prevPayload)+len(v))
	changed := make(map[string]bool, len(prevMask)+len(mask))
	for k, val := range prevPayload {
		payload[k] = val
	}
	for k, flag := range prevMask {
		changed[k] = flag
	}
	for k, val := range v {
		payload[k] = val
		if mask[k] {
			changed[k] = true
		} else if _, ok := changed[k]; !ok {
			changed[k] = false
		}
	}
	return payload, changed
}

// discardCollision implements the tie-break rule for a rekey step that
// would land on an already-occupied terminal key: the incumbent entry
// is discarded if it never reached the table (KindInsert); if it
// tracked a pre-existing physical row (KindUpdate), that row's current
// location must still be deleted so it is not orphaned.
func (n *Net) discardCollision(to decode.Key) {
	incumbent, ok := n.entries[to]
	if !ok {
		return
	}
	n.remove(to)
	if incumbent.Kind == KindUpdate {
		n.set(incumbent.FromKey, &Entry{Kind: KindDelete})
	}
}

// Apply folds one decoded batch's row changes into n, left to right,
// per the algorithm in spec.md §4.B. It mutates n in place so the
// squasher can be invoked once per message and again at flush time.
func Apply(n *Net, batch *decode.Batch) {
	for _, c := range batch.Changes {
		applyChange(n, c)
	}
}

func applyChange(n *Net, c decode.RowChange) {
	n.lazyInit()
	switch c.Op {
	case decode.OpInsert:
		applyInsert(n, c)
	case decode.OpDelete:
		applyDelete(n, c)
	case decode.OpUpdate:
		applyUpdate(n, c)
	}
}

func applyInsert(n *Net, c decode.RowChange) {
	// Last-write-wins: whether k is absent, a pending Delete, or a
	// prior Insert/Update, a fresh INSERT simply overwrites it.
	n.set(c.NewKey, &Entry{Kind: KindInsert, Payload: c.Payload, ChangedMask: c.ChangedMask})
}

func applyDelete(n *Net, c decode.RowChange) {
	k := c.OldKey
	existing, ok := n.entries[k]
	if !ok {
		n.set(k, &Entry{Kind: KindDelete})
		return
	}
	switch existing.Kind {
	case KindInsert:
		// insert + delete within the same fold window is a no-op.
		n.remove(k)
	case KindUpdate:
		from := existing.FromKey
		n.remove(k)
		n.set(from, &Entry{Kind: KindDelete})
	case KindDelete:
		// already deleted; idempotent.
	}
}

func applyUpdate(n *Net, c decode.RowChange) {
	from, to := c.OldKey, c.NewKey

	if from == to {
		existing, ok := n.entries[to]
		if !ok {
			n.set(to, &Entry{
				Kind:        KindUpdate,
				FromKey:     from,
				Payload:     c.Payload,
				ChangedMask: c.ChangedMask,
			})
			return
		}
		payload, mask := mergeMasks(existing.Payload, existing.ChangedMask, c.ChangedMask, c.Payload)
		n.entries[to] = &Entry{
			Kind:        existing.Kind,
			FromKey:     existing.FromKey,
			Payload:     payload,
			ChangedMask: mask,
		}
		return
	}

	existing, hasFrom := n.entries[from]
	var newEntry *Entry
	switch {
	case hasFrom && existing.Kind == KindInsert:
		payload, mask := mergeMasks(existing.Payload, existing.ChangedMask, c.ChangedMask, c.Payload)
		newEntry = &Entry{Kind: KindInsert, Payload: payload, ChangedMask: mask}
	case hasFrom && existing.Kind == KindUpdate:
		payload, mask := mergeMasks(existing.Payload, existing.ChangedMask, c.ChangedMask, c.Payload)
		newEntry = &Entry{Kind: KindUpdate, FromKey: existing.FromKey, Payload: payload, ChangedMask: mask}
	case hasFrom && existing.Kind == KindDelete:
		// A delete followed by a rekey of the same source key within
		// the same fold window: the row is gone, the update targets a
		// fresh key.
		newEntry = &Entry{Kind: KindUpdate, FromKey: from, Payload: c.Payload, ChangedMask: c.ChangedMask}
	default:
		newEntry = &Entry{Kind: KindUpdate, FromKey: from, Payload: c.Payload, ChangedMask: c.ChangedMask}
	}

	if hasFrom {
		n.remove(from)
	}
	n.discardCollision(to)
	n.set(to, newEntry)
}
