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

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "seafowl.sync.v1.SyncService"

// SyncServiceServer is implemented by the ingest endpoint.
type SyncServiceServer interface {
	Sync(stream SyncService_SyncServer) error
}

// SyncService_SyncServer is the server-side view of one bidirectional
// Sync stream.
type SyncService_SyncServer interface {
	Send(*SyncResponse) error
	Recv() (*SyncRequest, error)
	grpc.ServerStream
}

type syncServiceSyncServer struct {
	grpc.ServerStream
}

func (s *syncServiceSyncServer) Send(m *SyncResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *syncServiceSyncServer) Recv() (*SyncRequest, error) {
	m := new(SyncRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _SyncService_Sync_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(SyncServiceServer).Sync(&syncServiceSyncServer{stream})
}

// ServiceDesc is the hand-written descriptor registered with a
// *grpc.Server in place of protoc-generated registration code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       _SyncService_Sync_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "seafowl/sync.proto",
}

// RegisterSyncServiceServer registers srv with s using ServiceDesc.
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// SyncServiceClient is the client-side stub for the Sync RPC.
type SyncServiceClient interface {
	Sync(ctx context.Context, opts ...grpc.CallOption) (SyncService_SyncClient, error)
}

// SyncService_SyncClient is the client-side view of one bidirectional
// Sync stream.
type SyncService_SyncClient interface {
	Send(*SyncRequest) error
	Recv() (*SyncResponse, error)
	grpc.ClientStream
}

type syncServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncServiceClient builds a client stub bound to cc, negotiating
// the "json" codec registered in codec.go.
func NewSyncServiceClient(cc grpc.ClientConnInterface) SyncServiceClient {
	return &syncServiceClient{cc: cc}
}

func (c *syncServiceClient) Sync(ctx context.Context, opts ...grpc.CallOption) (SyncService_SyncClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Sync", opts...)
	if err != nil {
		return nil, err
	}
	return &syncServiceSyncClient{stream}, nil
}

type syncServiceSyncClient struct {
	grpc.ClientStream
}

func (c *syncServiceSyncClient) Send(m *SyncRequest) error {
	return c.ClientStream.SendMsg(m)
}

func (c *syncServiceSyncClient) Recv() (*SyncResponse, error) {
	m := new(SyncResponse)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
