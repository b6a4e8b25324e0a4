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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seafowldb/seafowl-sync/internal/decode"
	"github.com/seafowldb/seafowl-sync/internal/engineerr"
	"github.com/seafowldb/seafowl-sync/internal/squash"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
	"github.com/seafowldb/seafowl-sync/internal/util/retry"
)

func mustKey(t *testing.T, id string) decode.Key {
	t.Helper()
	return decode.NewKey(map[string]any{"id": id}, []string{"id"})
}

func cols(names ...string) []syncrpc.ColumnDescriptor {
	out := make([]syncrpc.ColumnDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, syncrpc.ColumnDescriptor{Role: syncrpc.RoleValue, Name: n})
	}
	return out
}

func TestSameColumnSetIgnoresOrder(t *testing.T) {
	a := cols("a", "b", "c")
	b := cols("c", "a", "b")
	require.True(t, sameColumnSet(a, b))
}

func TestSameColumnSetDetectsMismatch(t *testing.T) {
	require.False(t, sameColumnSet(cols("a", "b"), cols("a", "c")))
	require.False(t, sameColumnSet(cols("a"), cols("a", "b")))
}

func TestCheckSchemaCompatibleAllowsFirstCommit(t *testing.T) {
	err := checkSchemaCompatible(RecoverResult{Exists: false}, cols("a", "b"))
	require.NoError(t, err)
}

func TestCheckSchemaCompatibleRejectsDrift(t *testing.T) {
	prev := RecoverResult{Exists: true, Columns: cols("a", "b")}
	err := checkSchemaCompatible(prev, cols("a", "c"))
	require.Error(t, err)
	require.Equal(t, engineerr.SchemaConflict, engineerr.Classify(err))
}

func TestMergeOriginSeqsTakesHigherPerOrigin(t *testing.T) {
	prev := map[string]uint64{"o1": 10, "o2": 3}
	next := map[string]uint64{"o1": 5, "o3": 7}
	merged := mergeOriginSeqs(prev, next)
	require.Equal(t, uint64(10), merged["o1"])
	require.Equal(t, uint64(3), merged["o2"])
	require.Equal(t, uint64(7), merged["o3"])
}

func TestRekeysNeedingPreImageCountsOnlyUnchangedColumnsOnRekey(t *testing.T) {
	net := squash.NewNet()
	batch := &decode.Batch{Changes: []decode.RowChange{
		{
			Op:          decode.OpUpdate,
			OldKey:      mustKey(t, "1"),
			NewKey:      mustKey(t, "2"),
			Payload:     map[string]any{"a": 1, "b": 2},
			ChangedMask: map[string]bool{"a": true, "b": false},
		},
		{
			Op:          decode.OpUpdate,
			OldKey:      mustKey(t, "3"),
			NewKey:      mustKey(t, "3"),
			Payload:     map[string]any{"a": 1},
			ChangedMask: map[string]bool{"a": false},
		},
	}}
	squash.Apply(net, batch)
	// Only the rekeyed entry (key "1" -> "2") with an unchanged column
	// counts; the same-key update is not a rekey.
	require.Equal(t, 1, rekeysNeedingPreImage(net))
}

func TestParseVersionSuffixDelta(t *testing.T) {
	v, ok := parseVersionSuffix("tbl/_delta_log/00000000000000000007.json")
	require.True(t, ok)
	require.Equal(t, int64(7), v)
}

func TestParseVersionSuffixIceberg(t *testing.T) {
	v, ok := parseVersionSuffix("tbl/metadata/v3.metadata.json")
	require.True(t, ok)
	require.Equal(t, int64(3), v)
}

func TestParseVersionSuffixZero(t *testing.T) {
	v, ok := parseVersionSuffix("tbl/_delta_log/00000000000000000000.json")
	require.True(t, ok)
	require.Equal(t, int64(0), v)
}

func TestParseVersionSuffixRejectsGarbage(t *testing.T) {
	_, ok := parseVersionSuffix("tbl/_delta_log/_commit_lock.json")
	require.False(t, ok)
}

func TestDeltaLogKeyZeroPads20Digits(t *testing.T) {
	require.Equal(t, "tbl/_delta_log/00000000000000000042.json", deltaLogKey("tbl", 42))
}

func TestIcebergMetadataKey(t *testing.T) {
	require.Equal(t, "tbl/metadata/v42.metadata.json", icebergMetadataKey("tbl", 42))
}

func TestCommitRecordRoundTrip(t *testing.T) {
	r := commitRecord{
		Version:    5,
		Columns:    cols("a", "b"),
		OriginSeqs: map[string]uint64{"o1": 9},
		RowCount:   3,
		DataFile:   "tbl/_delta_log/00000000000000000005.data.json",
	}
	out, err := decodeCommitRecord(encodeCommitRecord(r))
	require.NoError(t, err)
	require.Equal(t, r.Version, out.Version)
	require.Equal(t, r.Columns, out.Columns)
	require.Equal(t, r.OriginSeqs, out.OriginSeqs)
	require.Equal(t, r.RowCount, out.RowCount)
	require.Equal(t, r.DataFile, out.DataFile)
}

func TestDeltaDataKeyZeroPads20Digits(t *testing.T) {
	require.Equal(t, "tbl/_delta_log/00000000000000000042.data.json", deltaDataKey("tbl", 42))
}

func TestIcebergDataKey(t *testing.T) {
	require.Equal(t, "tbl/metadata/v42.data.json", icebergDataKey("tbl", 42))
}

func TestParseVersionSuffixRejectsDataFile(t *testing.T) {
	_, ok := parseVersionSuffix("tbl/_delta_log/00000000000000000005.data.json")
	require.False(t, ok)
	_, ok = parseVersionSuffix("tbl/metadata/v5.data.json")
	require.False(t, ok)
}

func TestEncodeDecodeRowDiffsRoundTrip(t *testing.T) {
	net := squash.NewNet()
	squash.Apply(net, &decode.Batch{Changes: []decode.RowChange{
		{Op: decode.OpInsert, NewKey: mustKey(t, "1"), Payload: map[string]any{"v": "a"}, ChangedMask: map[string]bool{"v": true}},
	}})
	diffs, err := decodeRowDiffs(encodeRowDiffs(net))
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, squash.KindInsert, diffs[0].Kind)
	require.Equal(t, mustKey(t, "1"), diffs[0].Key)
	require.Equal(t, "a", diffs[0].Payload["v"])
}

// TestApplyRowDiffsFoldsInsertUpdateDeleteAcrossCommits mirrors the
// end-to-end scenario of a row inserted in one commit, rekeyed in the
// next, and having an unrelated row deleted in a third: exactly the
// sequence recoverLatest folds across several commits' data files.
func TestApplyRowDiffsFoldsInsertUpdateDeleteAcrossCommits(t *testing.T) {
	k1, k2, k3 := mustKey(t, "1"), mustKey(t, "2"), mustKey(t, "3")
	rows := map[decode.Key]map[string]any{}

	// Commit 1: insert k1="a", insert k3="c".
	applyRowDiffs(rows, []rowDiff{
		{Kind: squash.KindInsert, Key: k1, Payload: map[string]any{"v": "a"}},
		{Kind: squash.KindInsert, Key: k3, Payload: map[string]any{"v": "c"}},
	})
	require.Equal(t, map[string]any{"v": "a"}, rows[k1])
	require.Equal(t, map[string]any{"v": "c"}, rows[k3])

	// Commit 2: k1 rekeyed to k2, carrying its value forward.
	applyRowDiffs(rows, []rowDiff{
		{Kind: squash.KindUpdate, Key: k2, FromKey: k1, Payload: map[string]any{"v": "a"}},
	})
	require.NotContains(t, rows, k1)
	require.Equal(t, map[string]any{"v": "a"}, rows[k2])

	// Commit 3: k2 deleted, leaving exactly one row, k3="c".
	applyRowDiffs(rows, []rowDiff{
		{Kind: squash.KindDelete, Key: k2},
	})
	require.Len(t, rows, 1)
	require.Equal(t, map[string]any{"v": "c"}, rows[k3])
}

// fakeGateway lets Client.Commit's retry loop be exercised without an
// object store: Recover always reports no prior table state, and
// Commit fails with failErr for the first failCount calls before
// succeeding.
type fakeGateway struct {
	failCount int32
	failErr   error
	calls     int32
}

func (g *fakeGateway) Recover(ctx context.Context, store syncrpc.Store, path string) (RecoverResult, error) {
	return RecoverResult{Exists: false}, nil
}

func (g *fakeGateway) Commit(ctx context.Context, plan CommitPlan, prev RecoverResult) (Version, error) {
	n := atomic.AddInt32(&g.calls, 1)
	if n <= g.failCount {
		return 0, g.failErr
	}
	return Version(n), nil
}

func newTestClient(gw Gateway) *Client {
	return &Client{
		delta:   gw,
		iceberg: gw,
		backoff: retry.Settings{
			Initial:    time.Millisecond,
			Max:        10 * time.Millisecond,
			Multiplier: 2,
		},
	}
}

func mustTestKey(t *testing.T) tablepath.Key {
	t.Helper()
	k, err := tablepath.NewKey("db/public/widgets", "primary")
	require.NoError(t, err)
	return k
}

func TestCommitRetriesOnCommitConflict(t *testing.T) {
	gw := &fakeGateway{failCount: 2, failErr: engineerr.New(engineerr.CommitConflict, "lost the race")}
	c := newTestClient(gw)
	plan := CommitPlan{
		Key:    mustTestKey(t),
		Format: syncrpc.FormatDelta,
		Net:    squash.NewNet(),
	}
	v, err := c.Commit(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, Version(3), v)
	require.Equal(t, int32(3), gw.calls)
}

func TestCommitDoesNotRetryNonRetriableKind(t *testing.T) {
	gw := &fakeGateway{failCount: 100, failErr: engineerr.New(engineerr.MalformedBatch, "bad batch")}
	c := newTestClient(gw)
	plan := CommitPlan{
		Key:    mustTestKey(t),
		Format: syncrpc.FormatDelta,
		Net:    squash.NewNet(),
	}
	_, err := c.Commit(context.Background(), plan)
	require.Error(t, err)
	require.Equal(t, engineerr.MalformedBatch, engineerr.Classify(err))
	require.Equal(t, int32(1), gw.calls)
}
