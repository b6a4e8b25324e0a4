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

// Package ingest implements the Ingest Service: the gRPC endpoint that
// receives the sync stream and orchestrates decode, squash, and
// staging append per message, consulting the admission controller and
// sequence tracker to build each response.
package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/seafowldb/seafowl-sync/internal/admission"
	"github.com/seafowldb/seafowl-sync/internal/catalog"
	"github.com/seafowldb/seafowl-sync/internal/decode"
	"github.com/seafowldb/seafowl-sync/internal/flush"
	"github.com/seafowldb/seafowl-sync/internal/seqtrack"
	"github.com/seafowldb/seafowl-sync/internal/staging"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
)

// Server implements syncrpc.SyncServiceServer. firstSent is process-wide,
// not per-stream: the "first" flag on a SyncResponse is true only for
// the very first response this process has ever sent.
type Server struct {
	catalog     *catalog.Client
	admission   *admission.Controller
	staging     *staging.Buffer
	seq         *seqtrack.Tracker
	planner     *flush.Planner
	eagerCommit bool

	firstSent atomic.Bool

	mu      sync.Mutex
	pending map[tablepath.Key]map[string]int64
	meta    map[tablepath.Key]tableMeta
}

// tableMeta is the most recently seen store/format/column declaration
// for a staging key, recorded so the flush path can build a
// writer.CommitPlan without re-deriving it from the squashed Net,
// which carries VALUE columns only.
type tableMeta struct {
	Store   syncrpc.Store
	Format  syncrpc.Format
	Columns []syncrpc.ColumnDescriptor
}

var _ syncrpc.SyncServiceServer = (*Server)(nil)

// New constructs a Server wiring the Change Batch Decoder, Row-Change
// Squasher, Per-Table Staging Buffer, Sequence Tracker, Flush Planner,
// and Admission Controller behind one gRPC endpoint.
func New(
	catalogClient *catalog.Client,
	admissionController *admission.Controller,
	stagingBuffer *staging.Buffer,
	tracker *seqtrack.Tracker,
	planner *flush.Planner,
	eagerCommit bool,
) *Server {
	return &Server{
		catalog:     catalogClient,
		admission:   admissionController,
		staging:     stagingBuffer,
		seq:         tracker,
		planner:     planner,
		eagerCommit: eagerCommit,
		pending:     map[tablepath.Key]map[string]int64{},
		meta:        map[tablepath.Key]tableMeta{},
	}
}

// Sync drains one bidirectional stream of SyncRequests, replying in
// request order. Decode and admission failures reject the individual
// message; they never close the stream.
func (s *Server) Sync(stream syncrpc.SyncService_SyncServer) error {
	ctx := stream.Context()
	for {
		req, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := stream.Send(s.handle(ctx, req)); err != nil {
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, req *syncrpc.SyncRequest) *syncrpc.SyncResponse {
	resp := &syncrpc.SyncResponse{First: !s.firstSent.Swap(true)}

	reject := func() *syncrpc.SyncResponse {
		resp.Accepted = false
		resp.MemorySequenceNumber, resp.DurableSequenceNumber = s.seq.Snapshot(req.Origin)
		return resp
	}

	store, err := s.catalog.ResolveStore(ctx, req.Store)
	if err != nil {
		log.WithError(err).WithField("origin", req.Origin).Warn("ingest: failed to resolve store")
		return reject()
	}
	req.Store = store

	messageBytes := int64(len(req.RecordBatch))
	if !s.admission.Decide(req.Origin, messageBytes, s.staging.TotalBytes()) {
		return reject()
	}

	batch, err := decode.Decode(req)
	if err != nil {
		s.admission.Release(req.Origin, messageBytes)
		log.WithError(err).WithField("origin", req.Origin).Warn("ingest: malformed batch")
		return reject()
	}

	if err := s.staging.Append(ctx, batch.Key, batch); err != nil {
		s.admission.Release(req.Origin, messageBytes)
		log.WithError(err).WithField("key", batch.Key.String()).Warn("ingest: staging append failed")
		return reject()
	}
	s.notePending(batch.Key, req.Origin, messageBytes)
	s.noteMeta(batch.Key, store, req.Format, req.ColumnDescriptors)

	if req.SequenceNumber != nil {
		s.seq.NoteInMemory(req.Origin, *req.SequenceNumber)
		if s.eagerCommit {
			s.planner.TriggerEager(batch.Key)
		}
	}
	s.planner.Wake()

	resp.Accepted = true
	resp.MemorySequenceNumber, resp.DurableSequenceNumber = s.seq.Snapshot(req.Origin)
	return resp
}

func (s *Server) notePending(key tablepath.Key, origin string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pending[key]
	if !ok {
		m = map[string]int64{}
		s.pending[key] = m
	}
	m[origin] += bytes
}

func (s *Server) noteMeta(key tablepath.Key, store syncrpc.Store, format syncrpc.Format, descriptors []syncrpc.ColumnDescriptor) {
	var columns []syncrpc.ColumnDescriptor
	for _, d := range descriptors {
		if d.Role == syncrpc.RoleValue {
			columns = append(columns, d)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = tableMeta{Store: store, Format: format, Columns: columns}
}

// TableMeta returns the most recently recorded store, format, and
// VALUE-role column descriptors for key, used by the flush path to
// build a writer.CommitPlan.
func (s *Server) TableMeta(key tablepath.Key) (store syncrpc.Store, format syncrpc.Format, columns []syncrpc.ColumnDescriptor, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[key]
	if !ok {
		return syncrpc.Store{}, "", nil, false
	}
	return m.Store, m.Format, m.Columns, true
}

// ReleaseKey returns every admitted byte attributed to key's origins
// back to the Admission Controller's in-flight budgets. The engine
// calls this once key's staging entry has left staging — durably
// committed, or drained with no net row effects — per admission.Controller's
// Release contract.
func (s *Server) ReleaseKey(key tablepath.Key) {
	s.mu.Lock()
	m := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	for origin, bytes := range m {
		s.admission.Release(origin, bytes)
	}
}
