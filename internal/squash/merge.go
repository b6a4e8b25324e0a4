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

package squash

import "github.com/seafowldb/seafowl-sync/internal/decode"

// toChange re-expresses a net entry as the decode.RowChange that would
// have produced it, so Merge can re-run the fold over it.
func (e KeyedEntry) toChange() decode.RowChange {
	switch e.Entry.Kind {
	case KindInsert:
		return decode.RowChange{Op: decode.OpInsert, NewKey: e.Key, Payload: e.Entry.Payload, ChangedMask: e.Entry.ChangedMask}
	case KindUpdate:
		return decode.RowChange{Op: decode.OpUpdate, OldKey: e.Entry.FromKey, NewKey: e.Key, Payload: e.Entry.Payload, ChangedMask: e.Entry.ChangedMask}
	default:
		return decode.RowChange{Op: decode.OpDelete, OldKey: e.Key}
	}
}

// Merge folds src's net effects into dst, in src's insertion order,
// using the same rules Apply uses for a decoded batch. This is how
// the staging buffer collapses several per-message squashed batches
// into one at the re-squash threshold and at flush time; associativity
// (spec.md §4.B) guarantees the result equals folding all the
// underlying row changes in one pass.
func Merge(dst, src *Net) {
	for _, e := range src.Entries() {
		applyChange(dst, e.toChange())
	}
}
