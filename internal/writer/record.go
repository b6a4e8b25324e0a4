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

package writer

import (
	"encoding/json"
	"fmt"

	"github.com/seafowldb/seafowl-sync/internal/decode"
	"github.com/seafowldb/seafowl-sync/internal/squash"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
)

// commitRecord is the JSON body of one log entry, whichever table
// format it belongs to. It carries exactly the state a restart needs
// to recover: the schema in force as of this version, the per-origin
// sequence numbers durable as of this version, and a pointer to the
// data file holding this commit's row diff.
type commitRecord struct {
	Version      int64                      `json:"version"`
	Columns      []syncrpc.ColumnDescriptor `json:"columns"`
	OriginSeqs   map[string]uint64          `json:"origin_seq_map"`
	RowCount     int                        `json:"row_count"`
	NativeSchema json.RawMessage            `json:"native_schema,omitempty"`
	DataFile     string                     `json:"data_file,omitempty"`
}

// rowDiff is the JSON form of one squash.Entry: the unit a commit's
// data file is made of. Delta and Iceberg both model a commit as a
// set of actions against the previous snapshot rather than a full
// restated table, so a data file carries only what changed.
type rowDiff struct {
	Kind    squash.Kind    `json:"kind"`
	Key     decode.Key     `json:"key"`
	FromKey decode.Key     `json:"from_key,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// encodeRowDiffs serializes net's entries in insertion order.
func encodeRowDiffs(net *squash.Net) []byte {
	entries := net.Entries()
	diffs := make([]rowDiff, 0, len(entries))
	for _, e := range entries {
		diffs = append(diffs, rowDiff{
			Kind:    e.Entry.Kind,
			Key:     e.Key,
			FromKey: e.Entry.FromKey,
			Payload: e.Entry.Payload,
		})
	}
	b, err := json.Marshal(diffs)
	if err != nil {
		// rowDiff's fields are all plain JSON-safe values already
		// decoded off the wire; a marshal failure here would be a
		// programming error.
		panic(err)
	}
	return b
}

func decodeRowDiffs(b []byte) ([]rowDiff, error) {
	var diffs []rowDiff
	if err := json.Unmarshal(b, &diffs); err != nil {
		return nil, err
	}
	return diffs, nil
}

// applyRowDiffs folds diffs onto rows in order, per spec.md §4.E(b):
// Delete removes the row at its key, Insert sets it, and an Update
// that moved to a new key removes the row at its old one before
// setting the new one.
func applyRowDiffs(rows map[decode.Key]map[string]any, diffs []rowDiff) {
	for _, d := range diffs {
		switch d.Kind {
		case squash.KindDelete:
			delete(rows, d.Key)
		case squash.KindInsert:
			rows[d.Key] = d.Payload
		case squash.KindUpdate:
			if d.FromKey != "" && d.FromKey != d.Key {
				delete(rows, d.FromKey)
			}
			rows[d.Key] = d.Payload
		}
	}
}

func encodeCommitRecord(r commitRecord) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// commitRecord's fields are all plain JSON-safe values; a
		// marshal failure here would be a programming error.
		panic(err)
	}
	return b
}

func decodeCommitRecord(b []byte) (commitRecord, error) {
	var r commitRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return commitRecord{}, err
	}
	return r, nil
}

// deltaLogKey returns the path of a Delta _delta_log entry for
// version, zero-padded to 20 digits as the Delta transaction log spec
// requires so that lexicographic and numeric order coincide.
func deltaLogKey(tablePrefix string, version int64) string {
	return fmt.Sprintf("%s/_delta_log/%020d.json", tablePrefix, version)
}

// icebergMetadataKey returns the path of an Iceberg metadata file for
// version, following the "vN.metadata.json" convention Iceberg
// catalogs use to identify the current table state.
func icebergMetadataKey(tablePrefix string, version int64) string {
	return fmt.Sprintf("%s/metadata/v%d.metadata.json", tablePrefix, version)
}

// deltaDataKey and icebergDataKey name the sibling object each commit
// record's DataFile points at. parseVersionSuffix's ".json" trimming
// never matches these (the trailing ".data" segment leaves a
// non-numeric remainder), so they never get mistaken for a log entry
// when a directory is listed for recovery.
func deltaDataKey(tablePrefix string, version int64) string {
	return fmt.Sprintf("%s/_delta_log/%020d.data.json", tablePrefix, version)
}

func icebergDataKey(tablePrefix string, version int64) string {
	return fmt.Sprintf("%s/metadata/v%d.data.json", tablePrefix, version)
}
