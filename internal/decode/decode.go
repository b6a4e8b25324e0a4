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

// Package decode implements the Change Batch Decoder: it turns one
// inbound sync message into a typed batch of row changes with column
// roles resolved.
package decode

import (
	"bytes"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/seafowldb/seafowl-sync/internal/engineerr"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
)

// Op identifies the kind of a derived row change.
type Op int

// Row-change operations, derived per spec.md §3.
const (
	OpInsert Op = iota
	OpDelete
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	case OpUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// RowChange is one row's net effect, as derived from a single batch
// row. OldKey is empty for OpInsert; NewKey is empty for OpDelete.
type RowChange struct {
	Op          Op
	OldKey      Key
	NewKey      Key
	Payload     map[string]any
	ChangedMask map[string]bool
}

// Batch is the typed, validated result of decoding one sync message.
type Batch struct {
	Key            tablepath.Key
	Origin         string
	SequenceNumber *uint64
	Format         syncrpc.Format
	Changes        []RowChange
}

// projection is the resolved column-role layout of a sync message.
type projection struct {
	oldPK   []string
	newPK   []string
	value   []string
	changed map[string]string // value column name -> changed column name
}

// resolveProjection validates role partitioning per spec.md §3 (i)-(iii)
// and returns the resolved column layout.
func resolveProjection(cols []syncrpc.ColumnDescriptor) (*projection, error) {
	p := &projection{changed: map[string]string{}}
	seen := map[syncrpc.Role]map[string]bool{
		syncrpc.RoleOldPK:   {},
		syncrpc.RoleNewPK:   {},
		syncrpc.RoleChanged: {},
		syncrpc.RoleValue:   {},
	}
	changedByValue := map[string]string{}

	for _, c := range cols {
		set, ok := seen[c.Role]
		if !ok {
			return nil, engineerr.Newf(engineerr.MalformedBatch, "unknown column role %q for column %q", c.Role, c.Name)
		}
		if set[c.Name] {
			return nil, engineerr.Newf(engineerr.MalformedBatch, "duplicate column name %q within role %q", c.Name, c.Role)
		}
		set[c.Name] = true

		switch c.Role {
		case syncrpc.RoleOldPK:
			p.oldPK = append(p.oldPK, c.Name)
		case syncrpc.RoleNewPK:
			p.newPK = append(p.newPK, c.Name)
		case syncrpc.RoleValue:
			p.value = append(p.value, c.Name)
		case syncrpc.RoleChanged:
			// c.Name here names the VALUE column it tracks, matching
			// the "corresponds by name to exactly one VALUE column"
			// rule; the CHANGED cell's own array carries the flag.
		}
	}

	// CHANGED columns are matched to VALUE columns by name: the
	// descriptor for a CHANGED column names the value column it
	// tracks.
	for _, c := range cols {
		if c.Role != syncrpc.RoleChanged {
			continue
		}
		if _, ok := changedByValue[c.Name]; ok {
			return nil, engineerr.Newf(engineerr.MalformedBatch, "value column %q tracked by more than one CHANGED column", c.Name)
		}
		changedByValue[c.Name] = c.Name
	}
	valueSet := seen[syncrpc.RoleValue]
	for valName := range changedByValue {
		if !valueSet[valName] {
			return nil, engineerr.Newf(engineerr.MalformedBatch, "CHANGED column references unknown value column %q", valName)
		}
	}
	p.changed = changedByValue

	if len(p.oldPK) == 0 || len(p.newPK) == 0 {
		return nil, engineerr.New(engineerr.MalformedBatch, "OLD_PK and NEW_PK column sets must be non-empty")
	}
	if !sameNameSet(p.oldPK, p.newPK) {
		return nil, engineerr.New(engineerr.MalformedBatch, "OLD_PK and NEW_PK name sets must be equal")
	}
	return p, nil
}

func sameNameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if !set[n] {
			return false
		}
	}
	return true
}

// Decode validates and decodes one SyncRequest into a Batch. It fails
// with MalformedBatch on role or nullability violations, and does not
// itself resolve the storage location or validate format compatibility
// against the destination table — those are UnknownStore/FormatMismatch
// checks performed by the caller once the catalog and target table are
// consulted.
func Decode(req *syncrpc.SyncRequest) (*Batch, error) {
	if req.Origin == "" {
		return nil, engineerr.New(engineerr.MalformedBatch, "origin must not be empty")
	}
	key, err := tablepath.NewKey(req.Path, req.Store.Name)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.MalformedBatch, err)
	}

	proj, err := resolveProjection(req.ColumnDescriptors)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Key:            key,
		Origin:         req.Origin,
		SequenceNumber: req.SequenceNumber,
		Format:         req.Format,
	}

	if len(req.RecordBatch) == 0 {
		return batch, nil
	}

	reader, err := ipc.NewReader(bytes.NewReader(req.RecordBatch))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.MalformedBatch, err)
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		changes, err := decodeRecord(rec, proj)
		if err != nil {
			return nil, err
		}
		batch.Changes = append(batch.Changes, changes...)
	}
	if err := reader.Err(); err != nil {
		return nil, engineerr.Wrap(engineerr.MalformedBatch, err)
	}

	return batch, nil
}
