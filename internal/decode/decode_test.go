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

package decode

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/seafowldb/seafowl-sync/internal/engineerr"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
	"github.com/stretchr/testify/require"
)

// buildBatch encodes rows of (oldPK, newPK, value, changed) int64/string
// cells into an Arrow IPC stream with schema
// {old_pk int64, new_pk int64, val string, val_changed bool}.
func buildBatch(t *testing.T, oldPK, newPK []*int64, val []*string, changed []bool) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "old_pk", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "new_pk", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "val", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "val_changed", Type: arrow.FixedWidthTypes.Boolean, Nullable: false},
	}, nil)

	oldB := array.NewInt64Builder(mem)
	newB := array.NewInt64Builder(mem)
	valB := array.NewStringBuilder(mem)
	chB := array.NewBooleanBuilder(mem)
	defer oldB.Release()
	defer newB.Release()
	defer valB.Release()
	defer chB.Release()

	for i := range oldPK {
		if oldPK[i] == nil {
			oldB.AppendNull()
		} else {
			oldB.Append(*oldPK[i])
		}
		if newPK[i] == nil {
			newB.AppendNull()
		} else {
			newB.Append(*newPK[i])
		}
		if val[i] == nil {
			valB.AppendNull()
		} else {
			valB.Append(*val[i])
		}
		chB.Append(changed[i])
	}

	cols := []arrow.Array{oldB.NewArray(), newB.NewArray(), valB.NewArray(), chB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	rec := array.NewRecord(schema, cols, int64(len(oldPK)))
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func descriptors() []syncrpc.ColumnDescriptor {
	return []syncrpc.ColumnDescriptor{
		{Role: syncrpc.RoleOldPK, Name: "old_pk"},
		{Role: syncrpc.RoleNewPK, Name: "new_pk"},
		{Role: syncrpc.RoleValue, Name: "val"},
		{Role: syncrpc.RoleChanged, Name: "val"},
	}
}

func ip(v int64) *int64  { return &v }
func sp(v string) *string { return &v }

func TestDecodeInsert(t *testing.T) {
	r := require.New(t)
	payload := buildBatch(t, []*int64{nil}, []*int64{ip(1)}, []*string{sp("a")}, []bool{true})

	req := &syncrpc.SyncRequest{
		Path: "t1", Store: syncrpc.Store{Name: "s3"}, Origin: "o1",
		Format: syncrpc.FormatDelta, ColumnDescriptors: descriptors(), RecordBatch: payload,
	}
	batch, err := Decode(req)
	r.NoError(err)
	r.Len(batch.Changes, 1)
	r.Equal(OpInsert, batch.Changes[0].Op)
	r.Equal("a", batch.Changes[0].Payload["val"])
	r.True(batch.Changes[0].ChangedMask["val"])
}

func TestDecodeDelete(t *testing.T) {
	r := require.New(t)
	payload := buildBatch(t, []*int64{ip(1)}, []*int64{nil}, []*string{nil}, []bool{false})

	req := &syncrpc.SyncRequest{
		Path: "t1", Store: syncrpc.Store{Name: "s3"}, Origin: "o1",
		Format: syncrpc.FormatDelta, ColumnDescriptors: descriptors(), RecordBatch: payload,
	}
	batch, err := Decode(req)
	r.NoError(err)
	r.Len(batch.Changes, 1)
	r.Equal(OpDelete, batch.Changes[0].Op)
}

func TestDecodeUpdate(t *testing.T) {
	r := require.New(t)
	payload := buildBatch(t, []*int64{ip(1)}, []*int64{ip(2)}, []*string{sp("b")}, []bool{true})

	req := &syncrpc.SyncRequest{
		Path: "t1", Store: syncrpc.Store{Name: "s3"}, Origin: "o1",
		Format: syncrpc.FormatDelta, ColumnDescriptors: descriptors(), RecordBatch: payload,
	}
	batch, err := Decode(req)
	r.NoError(err)
	r.Len(batch.Changes, 1)
	r.Equal(OpUpdate, batch.Changes[0].Op)
	r.NotEqual(batch.Changes[0].OldKey, batch.Changes[0].NewKey)
}

func TestDecodeMalformedBothNull(t *testing.T) {
	r := require.New(t)
	payload := buildBatch(t, []*int64{nil}, []*int64{nil}, []*string{nil}, []bool{false})

	req := &syncrpc.SyncRequest{
		Path: "t1", Store: syncrpc.Store{Name: "s3"}, Origin: "o1",
		Format: syncrpc.FormatDelta, ColumnDescriptors: descriptors(), RecordBatch: payload,
	}
	_, err := Decode(req)
	r.Error(err)
	r.Equal(engineerr.MalformedBatch, engineerr.Classify(err))
}

func TestResolveProjectionRejectsMismatchedPKSets(t *testing.T) {
	cols := []syncrpc.ColumnDescriptor{
		{Role: syncrpc.RoleOldPK, Name: "a"},
		{Role: syncrpc.RoleNewPK, Name: "b"},
	}
	_, err := resolveProjection(cols)
	require.Error(t, err)
	require.Equal(t, engineerr.MalformedBatch, engineerr.Classify(err))
}

func TestResolveProjectionRejectsDuplicateNameInRole(t *testing.T) {
	cols := []syncrpc.ColumnDescriptor{
		{Role: syncrpc.RoleOldPK, Name: "a"},
		{Role: syncrpc.RoleOldPK, Name: "a"},
		{Role: syncrpc.RoleNewPK, Name: "a"},
	}
	_, err := resolveProjection(cols)
	require.Error(t, err)
}

func TestDecodeEmptyRecordBatchIsAccepted(t *testing.T) {
	r := require.New(t)
	req := &syncrpc.SyncRequest{
		Path: "t1", Store: syncrpc.Store{Name: "s3"}, Origin: "o1",
		Format: syncrpc.FormatDelta, ColumnDescriptors: descriptors(),
	}
	batch, err := Decode(req)
	r.NoError(err)
	r.Empty(batch.Changes)
}

func TestDecodeRejectsEmptyOrigin(t *testing.T) {
	req := &syncrpc.SyncRequest{Path: "t1", Store: syncrpc.Store{Name: "s3"}, ColumnDescriptors: descriptors()}
	_, err := Decode(req)
	require.Error(t, err)
}
