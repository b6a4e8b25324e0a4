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

// Package catalog implements the consumer side of the schema/catalog
// service contract: ListSchemas and the store lookups the ingest
// server needs to resolve a SyncRequest's declared store into a
// storage root.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/seafowldb/seafowl-sync/internal/engineerr"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
)

// Table is one table entry of a catalog schema.
type Table struct {
	Name   string         `json:"name"`
	Path   string         `json:"path"`
	Store  string         `json:"store,omitempty"`
	Format syncrpc.Format `json:"format"`
}

// Schema groups the tables the catalog knows about under one
// namespace.
type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

// Snapshot is the decoded response of one ListSchemas call: the
// authoritative mapping from store name to storage root, plus the
// schema/table namespace built on top of it.
type Snapshot struct {
	Schemas []Schema        `json:"schemas"`
	Stores  []syncrpc.Store `json:"stores"`
}

// StoreByName returns the store entry named name, if any.
func (s Snapshot) StoreByName(name string) (syncrpc.Store, bool) {
	for _, store := range s.Stores {
		if store.Name == name {
			return store, true
		}
	}
	return syncrpc.Store{}, false
}

// Client is a shared, clonable handle onto the catalog service. It
// caches the last-fetched Snapshot for ttl so that a busy ingest
// stream does not issue one catalog round trip per message; no
// catalog call is held across a commit.
type Client struct {
	baseURL string
	http    *http.Client
	ttl     time.Duration

	mu struct {
		sync.Mutex
		snapshot Snapshot
		fetched  time.Time
	}
}

// New constructs a Client against baseURL, the catalog service's HTTP
// root. ttl bounds how long a fetched Snapshot is reused before the
// next ListSchemas call goes to the network again.
func New(baseURL string, ttl time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		ttl:     ttl,
	}
}

// Clone returns a Client sharing the same underlying http.Client,
// base URL and ttl, but starting with its own empty cache, safe to
// hand to a second goroutine independently of the original.
func (c *Client) Clone() *Client {
	return &Client{baseURL: c.baseURL, http: c.http, ttl: c.ttl}
}

// ListSchemas returns the catalog's current schema/store mapping,
// serving the cached Snapshot if it is still within ttl.
func (c *Client) ListSchemas(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.ttl > 0 && !c.mu.fetched.IsZero() && time.Since(c.mu.fetched) < c.ttl {
		snapshot := c.mu.snapshot
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	snapshot, err := c.fetch(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	c.mu.snapshot = snapshot
	c.mu.fetched = time.Now()
	c.mu.Unlock()
	return snapshot, nil
}

func (c *Client) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/schemas", nil)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "building ListSchemas request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, engineerr.Wrap(engineerr.Io, errors.Wrap(err, "calling catalog ListSchemas"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, engineerr.Wrap(engineerr.Io, errors.Wrap(err, "reading ListSchemas response"))
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, engineerr.Wrap(engineerr.Io,
			errors.Errorf("catalog ListSchemas returned %d: %s", resp.StatusCode, string(body)))
	}

	var snapshot Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return Snapshot{}, engineerr.Wrap(engineerr.Io, errors.Wrap(err, "decoding ListSchemas response"))
	}
	return snapshot, nil
}

// ResolveStore fills in req's declared store's Location/Options from
// the catalog when the caller supplied only a name, failing with
// UnknownStore when the name has no catalog entry. The request is not
// mutated; the resolved Store is returned separately.
func (c *Client) ResolveStore(ctx context.Context, req syncrpc.Store) (syncrpc.Store, error) {
	if req.Location != "" {
		return req, nil
	}
	snapshot, err := c.ListSchemas(ctx)
	if err != nil {
		return syncrpc.Store{}, err
	}
	store, ok := snapshot.StoreByName(req.Name)
	if !ok {
		return syncrpc.Store{}, engineerr.Newf(engineerr.UnknownStore,
			"store %q is not present in the catalog", req.Name)
	}
	return store, nil
}

// Invalidate clears the cached Snapshot so the next ListSchemas call
// always goes to the network. ResolveStore does not call it on an
// UnknownStore error.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.fetched = time.Time{}
}

func (c *Client) String() string {
	return fmt.Sprintf("catalog.Client{%s}", c.baseURL)
}
