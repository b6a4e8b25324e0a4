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

package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/seafowldb/seafowl-sync/internal/admission"
	"github.com/seafowldb/seafowl-sync/internal/catalog"
	"github.com/seafowldb/seafowl-sync/internal/flush"
	"github.com/seafowldb/seafowl-sync/internal/seqtrack"
	"github.com/seafowldb/seafowl-sync/internal/staging"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
	"github.com/seafowldb/seafowl-sync/internal/util/workgroup"
)

func pkDescriptors() []syncrpc.ColumnDescriptor {
	return []syncrpc.ColumnDescriptor{
		{Role: syncrpc.RoleOldPK, Name: "id"},
		{Role: syncrpc.RoleNewPK, Name: "id"},
	}
}

type testServer struct {
	*Server
	admission *admission.Controller
	staging   *staging.Buffer
}

func newTestServer(t *testing.T, hardCeiling, perOrigin int64) *testServer {
	t.Helper()
	admCtl := admission.New(hardCeiling, perOrigin, nil)
	buf := staging.New(16 << 20)
	tracker := seqtrack.New()
	workers := workgroup.WithSize(context.Background(), 4, 16)
	planner := flush.New(flush.Config{
		GlobalHighWatermarkBytes: 1 << 30,
		PerTableCapBytes:         1 << 30,
		MaxAge:                   time.Hour,
		Shards:                   1,
	}, buf, func(ctx context.Context, key tablepath.Key) error { return nil }, workers)
	cat := catalog.New("http://unused.invalid", time.Hour)
	srv := New(cat, admCtl, buf, tracker, planner, false)
	return &testServer{Server: srv, admission: admCtl, staging: buf}
}

// dial starts srv behind a real in-process gRPC listener and returns a
// connected client stream, mirroring the round-trip pattern used to
// exercise the hand-written Sync RPC codec.
func dial(t *testing.T, srv syncrpc.SyncServiceServer) syncrpc.SyncService_SyncClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	grpcServer := grpc.NewServer()
	syncrpc.RegisterSyncServiceServer(grpcServer, srv)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	stream, err := syncrpc.NewSyncServiceClient(conn).Sync(ctx)
	require.NoError(t, err)
	return stream
}

func TestFirstFlagOnlyOnProcessFirstResponse(t *testing.T) {
	ts := newTestServer(t, 1<<30, 1<<30)
	stream := dial(t, ts.Server)

	seq1 := uint64(1)
	require.NoError(t, stream.Send(&syncrpc.SyncRequest{
		Path: "a/b", Store: syncrpc.Store{Name: "primary", Location: "s3://bucket/"},
		Origin: "o1", SequenceNumber: &seq1, Format: syncrpc.FormatDelta, ColumnDescriptors: pkDescriptors(),
	}))
	resp1, err := stream.Recv()
	require.NoError(t, err)
	require.True(t, resp1.First)
	require.True(t, resp1.Accepted)

	seq2 := uint64(2)
	require.NoError(t, stream.Send(&syncrpc.SyncRequest{
		Path: "a/b", Store: syncrpc.Store{Name: "primary", Location: "s3://bucket/"},
		Origin: "o1", SequenceNumber: &seq2, Format: syncrpc.FormatDelta, ColumnDescriptors: pkDescriptors(),
	}))
	resp2, err := stream.Recv()
	require.NoError(t, err)
	require.False(t, resp2.First)
	require.Equal(t, seq2, *resp2.MemorySequenceNumber)
}

func TestResponsesReturnedInRequestOrder(t *testing.T) {
	ts := newTestServer(t, 1<<30, 1<<30)
	stream := dial(t, ts.Server)

	for i := uint64(1); i <= 5; i++ {
		seq := i
		require.NoError(t, stream.Send(&syncrpc.SyncRequest{
			Path: "a/b", Store: syncrpc.Store{Name: "primary", Location: "s3://bucket/"},
			Origin: "o1", SequenceNumber: &seq, Format: syncrpc.FormatDelta, ColumnDescriptors: pkDescriptors(),
		}))
	}
	for i := uint64(1); i <= 5; i++ {
		resp, err := stream.Recv()
		require.NoError(t, err)
		require.Equal(t, i, *resp.MemorySequenceNumber)
	}
}

func TestRejectedMessageLeavesWatermarksAndStagingUnchanged(t *testing.T) {
	ts := newTestServer(t, 1, 1) // tiny ceiling: everything overflows it
	stream := dial(t, ts.Server)

	seq := uint64(9)
	require.NoError(t, stream.Send(&syncrpc.SyncRequest{
		Path: "a/b", Store: syncrpc.Store{Name: "primary", Location: "s3://bucket/"},
		Origin: "o1", SequenceNumber: &seq, Format: syncrpc.FormatDelta, ColumnDescriptors: pkDescriptors(),
		RecordBatch: make([]byte, 64),
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.Nil(t, resp.MemorySequenceNumber)
	require.Equal(t, int64(0), ts.staging.TotalBytes())
}

func TestTableMetaRecordsValueColumnsOnlyAndReleaseKeyClearsPending(t *testing.T) {
	ts := newTestServer(t, 1<<30, 1<<30)
	stream := dial(t, ts.Server)

	descriptors := append(pkDescriptors(), syncrpc.ColumnDescriptor{Role: syncrpc.RoleValue, Name: "name"})
	seq := uint64(1)
	require.NoError(t, stream.Send(&syncrpc.SyncRequest{
		Path: "a/b", Store: syncrpc.Store{Name: "primary", Location: "s3://bucket/"},
		Origin: "o1", SequenceNumber: &seq, Format: syncrpc.FormatDelta, ColumnDescriptors: descriptors,
	}))
	_, err := stream.Recv()
	require.NoError(t, err)

	key, err := tablepath.NewKey("a/b", "primary")
	require.NoError(t, err)

	store, format, columns, ok := ts.TableMeta(key)
	require.True(t, ok)
	require.Equal(t, "primary", store.Name)
	require.Equal(t, syncrpc.FormatDelta, format)
	require.Equal(t, []syncrpc.ColumnDescriptor{{Role: syncrpc.RoleValue, Name: "name"}}, columns)

	require.Equal(t, int64(0), ts.admission.Inflight("o1")) // RecordBatch was empty: 0 bytes admitted
	ts.ReleaseKey(key)
	require.Equal(t, int64(0), ts.admission.Inflight("o1"))
}

func TestMalformedBatchRejectsWithoutClosingStream(t *testing.T) {
	ts := newTestServer(t, 1<<30, 1<<30)
	stream := dial(t, ts.Server)

	// No OLD_PK/NEW_PK columns declared: malformed.
	require.NoError(t, stream.Send(&syncrpc.SyncRequest{
		Path: "a/b", Store: syncrpc.Store{Name: "primary", Location: "s3://bucket/"},
		Origin: "o1", Format: syncrpc.FormatDelta,
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.False(t, resp.Accepted)

	// The stream is still usable for a well-formed follow-up message.
	seq := uint64(1)
	require.NoError(t, stream.Send(&syncrpc.SyncRequest{
		Path: "a/b", Store: syncrpc.Store{Name: "primary", Location: "s3://bucket/"},
		Origin: "o1", SequenceNumber: &seq, Format: syncrpc.FormatDelta, ColumnDescriptors: pkDescriptors(),
	}))
	resp2, err := stream.Recv()
	require.NoError(t, err)
	require.True(t, resp2.Accepted)
}
