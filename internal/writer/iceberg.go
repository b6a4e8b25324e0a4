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

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/seafowldb/seafowl-sync/internal/objstore"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
)

// IcebergWriter commits to a table laid out as an Iceberg metadata
// directory: numbered "vN.metadata.json" snapshots.
type IcebergWriter struct {
	pool                        *objstore.Pool
	materializeUnchangedOnRekey bool
}

// NewIcebergWriter constructs an IcebergWriter.
func NewIcebergWriter(pool *objstore.Pool, materializeUnchangedOnRekey bool) *IcebergWriter {
	return &IcebergWriter{pool: pool, materializeUnchangedOnRekey: materializeUnchangedOnRekey}
}

func (w *IcebergWriter) Recover(ctx context.Context, store syncrpc.Store, path string) (RecoverResult, error) {
	client, err := w.pool.Get(ctx, store)
	if err != nil {
		return RecoverResult{}, err
	}
	tablePrefix := objstore.Key(client.Prefix(), path)
	return recoverLatest(ctx, client, tablePrefix+"/metadata/")
}

func (w *IcebergWriter) Commit(ctx context.Context, plan CommitPlan, prev RecoverResult) (Version, error) {
	client, err := w.pool.Get(ctx, plan.Store)
	if err != nil {
		return 0, err
	}
	tablePrefix := objstore.Key(client.Prefix(), plan.Key.Path.String())

	nativeSchema, err := json.Marshal(toIcebergSchema(plan.Columns))
	if err != nil {
		return 0, errors.Wrap(err, "marshaling iceberg schema")
	}

	if w.materializeUnchangedOnRekey {
		if n := rekeysNeedingPreImage(plan.Net); n > 0 {
			log.WithField("key", plan.Key.String()).
				Warnf("%d rekeyed row(s) need a pre-image lookup this gateway does not yet perform", n)
		}
	}

	next := int64(prev.Version) + 1
	dataKey := icebergDataKey(tablePrefix, next)
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
	if err := client.PutIfAbsent(ctx, icebergMetadataKey(tablePrefix, next), body); err != nil {
		return 0, err
	}
	return Version(next), nil
}
