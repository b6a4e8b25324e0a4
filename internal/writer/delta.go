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
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/seafowldb/seafowl-sync/internal/decode"
	"github.com/seafowldb/seafowl-sync/internal/objstore"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
)

// DeltaWriter commits to a table laid out as a Delta log: a
// _delta_log directory of zero-padded, numbered JSON commit entries.
type DeltaWriter struct {
	pool                        *objstore.Pool
	materializeUnchangedOnRekey bool
}

// NewDeltaWriter constructs a DeltaWriter.
func NewDeltaWriter(pool *objstore.Pool, materializeUnchangedOnRekey bool) *DeltaWriter {
	return &DeltaWriter{pool: pool, materializeUnchangedOnRekey: materializeUnchangedOnRekey}
}

func (w *DeltaWriter) Recover(ctx context.Context, store syncrpc.Store, path string) (RecoverResult, error) {
	client, err := w.pool.Get(ctx, store)
	if err != nil {
		return RecoverResult{}, err
	}
	tablePrefix := objstore.Key(client.Prefix(), path)
	return recoverLatest(ctx, client, tablePrefix+"/_delta_log/")
}

func (w *DeltaWriter) Commit(ctx context.Context, plan CommitPlan, prev RecoverResult) (Version, error) {
	client, err := w.pool.Get(ctx, plan.Store)
	if err != nil {
		return 0, err
	}
	tablePrefix := objstore.Key(client.Prefix(), plan.Key.Path.String())

	nativeSchema, err := json.Marshal(toDeltaSchema(plan.Columns))
	if err != nil {
		return 0, errors.Wrap(err, "marshaling delta schema")
	}

	if w.materializeUnchangedOnRekey {
		if n := rekeysNeedingPreImage(plan.Net); n > 0 {
			log.WithField("key", plan.Key.String()).
				Warnf("%d rekeyed row(s) need a pre-image lookup this gateway does not yet perform", n)
		}
	}

	next := int64(prev.Version) + 1
	dataKey := deltaDataKey(tablePrefix, next)
	if err := client.PutIfAbsent(ctx, dataKey, encodeRowDiffs(plan.Net)); err != nil {
		return 0, err
	}

	record := commitRecord{
		Version:      next,
		Columns:      plan.Columns,
		OriginSeqs:   mergeOriginSeqs(prev.OriginSeqs, plan.OriginSeqs),
		RowCount:     plan.Net.Len(),
		NativeSchema: nativeSchema,
		DataFile:     dataKey,
	}
	body := encodeCommitRecord(record)
	if err := client.PutIfAbsent(ctx, deltaLogKey(tablePrefix, next), body); err != nil {
		return 0, err
	}
	return Version(next), nil
}

// recoverLatest scans a log directory and folds every commit's data
// file forward in version order, oldest first, so the returned
// RecoverResult's Rows reflects the table's current materialized
// state rather than just the latest commit's schema and row count. A
// table with no log entries yet is reported as RecoverResult{Exists:
// false}.
func recoverLatest(ctx context.Context, client *objstore.Client, logDirPrefix string) (RecoverResult, error) {
	keys, err := client.List(ctx, logDirPrefix)
	if err != nil {
		return RecoverResult{}, err
	}

	type versioned struct {
		version int64
		key     string
	}
	var entries []versioned
	for _, k := range keys {
		if v, ok := parseVersionSuffix(k); ok {
			entries = append(entries, versioned{v, k})
		}
	}
	if len(entries) == 0 {
		return RecoverResult{Exists: false}, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].version < entries[j].version })

	rows := map[decode.Key]map[string]any{}
	var latest commitRecord
	for _, e := range entries {
		body, err := client.Get(ctx, e.key)
		if err != nil {
			return RecoverResult{}, err
		}
		record, err := decodeCommitRecord(body)
		if err != nil {
			return RecoverResult{}, errors.Wrapf(err, "decoding commit record %q", e.key)
		}
		if record.DataFile != "" {
			diffBody, err := client.Get(ctx, record.DataFile)
			if err != nil {
				return RecoverResult{}, errors.Wrapf(err, "reading data file %q", record.DataFile)
			}
			diffs, err := decodeRowDiffs(diffBody)
			if err != nil {
				return RecoverResult{}, errors.Wrapf(err, "decoding data file %q", record.DataFile)
			}
			applyRowDiffs(rows, diffs)
		}
		latest = record
	}
	return RecoverResult{
		Version:    Version(latest.Version),
		Exists:     true,
		Columns:    latest.Columns,
		OriginSeqs: latest.OriginSeqs,
		Rows:       rows,
	}, nil
}

// parseVersionSuffix extracts the version number encoded in a log
// entry's file name, for either Delta's "%020d.json" or Iceberg's
// "vN.metadata.json" convention.
func parseVersionSuffix(key string) (int64, bool) {
	name := key
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".json")
	name = strings.TrimSuffix(name, ".metadata")
	name = strings.TrimPrefix(name, "v")
	v, err := strconv.ParseInt(strings.TrimLeft(name, "0"), 10, 64)
	if err != nil {
		if name == strings.Repeat("0", len(name)) {
			return 0, true
		}
		return 0, false
	}
	return v, true
}
