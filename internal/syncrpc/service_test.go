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

package syncrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type echoServer struct{}

func (echoServer) Sync(stream SyncService_SyncServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return nil
		}
		resp := &SyncResponse{Accepted: true, First: true}
		if req.SequenceNumber != nil {
			resp.MemorySequenceNumber = req.SequenceNumber
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func TestSyncRPCRoundTrip(t *testing.T) {
	r := require.New(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	r.NoError(err)
	defer lis.Close()

	srv := grpc.NewServer()
	RegisterSyncServiceServer(srv, echoServer{})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	r.NoError(err)
	defer conn.Close()

	client := NewSyncServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Sync(ctx)
	r.NoError(err)

	seq := uint64(7)
	r.NoError(stream.Send(&SyncRequest{Path: "a/b", Origin: "o1", SequenceNumber: &seq, Format: FormatDelta}))

	resp, err := stream.Recv()
	r.NoError(err)
	r.True(resp.Accepted)
	r.True(resp.First)
	r.Equal(seq, *resp.MemorySequenceNumber)

	r.NoError(stream.CloseSend())
}
