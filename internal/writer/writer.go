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

// Package writer implements the Table Writer Gateway: it commits
// squashed row changes to a Delta or Iceberg table, enforcing a
// single-writer token per table path and retrying on commit conflict.
package writer

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/seafowldb/seafowl-sync/internal/config"
	"github.com/seafowldb/seafowl-sync/internal/decode"
	"github.com/seafowldb/seafowl-sync/internal/engineerr"
	"github.com/seafowldb/seafowl-sync/internal/objstore"
	"github.com/seafowldb/seafowl-sync/internal/squash"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
	"github.com/seafowldb/seafowl-sync/internal/util/lockset"
	"github.com/seafowldb/seafowl-sync/internal/util/retry"
)

// Version is a table-format commit version, monotonically increasing
// from zero for a table that has never been written.
type Version int64

// CommitPlan is everything the gateway needs to commit one flush's
// worth of net row effects.
type CommitPlan struct {
	Key        tablepath.Key
	Store      syncrpc.Store
	Format     syncrpc.Format
	Columns    []syncrpc.ColumnDescriptor
	Net        *squash.Net
	OriginSeqs map[string]uint64
}

// RecoverResult is a table's last-committed state, as read back from
// its commit log: every prior commit's data file folded forward into
// one materialized view of the table, keyed by terminal primary key.
type RecoverResult struct {
	Version    Version
	Exists     bool
	Columns    []syncrpc.ColumnDescriptor
	OriginSeqs map[string]uint64
	Rows       map[decode.Key]map[string]any
}

// Gateway commits a CommitPlan to one table format and recovers a
// table's last-committed state on startup.
type Gateway interface {
	Commit(ctx context.Context, plan CommitPlan, prev RecoverResult) (Version, error)
	Recover(ctx context.Context, store syncrpc.Store, path string) (RecoverResult, error)
}

// Client dispatches commits to the Gateway for a plan's declared
// format, serializes commits per table path with a single-writer
// token, and retries CommitConflict errors with backoff.
type Client struct {
	delta   Gateway
	iceberg Gateway
	tokens  lockset.Set[tablepath.Key]
	backoff retry.Settings
}

// New constructs a Client backed by pool for object-storage access.
func New(cfg config.Config, pool *objstore.Pool) *Client {
	return &Client{
		delta:   NewDeltaWriter(pool, cfg.MaterializeUnchangedOnRekey),
		iceberg: NewIcebergWriter(pool, cfg.MaterializeUnchangedOnRekey),
		backoff: retry.Settings{
			Initial:    cfg.CommitBackoffInitial,
			Max:        cfg.CommitBackoffMax,
			Multiplier: cfg.CommitBackoffMultiplier,
			MaxRetries: 0,
		},
	}
}

func (c *Client) gatewayFor(format syncrpc.Format) (Gateway, error) {
	switch format {
	case syncrpc.FormatDelta:
		return c.delta, nil
	case syncrpc.FormatIceberg:
		return c.iceberg, nil
	default:
		return nil, engineerr.Newf(engineerr.FormatMismatch, "unsupported table format %q", format)
	}
}

// Commit serializes on plan.Key so that no two commits race for the
// same table path, then retries the gateway's Commit call on
// CommitConflict until it succeeds, the context is done, or a
// non-retriable error occurs.
func (c *Client) Commit(ctx context.Context, plan CommitPlan) (Version, error) {
	gw, err := c.gatewayFor(plan.Format)
	if err != nil {
		return 0, err
	}

	backoff, err := retry.New(c.backoff)
	if err != nil {
		return 0, err
	}

	if depth := c.tokens.Depth(plan.Key); depth > 1 {
		log.WithField("key", plan.Key.String()).WithField("depth", depth).
			Debug("commit queue backlog for table path")
	}

	var version Version
	outcome, _ := c.tokens.Schedule([]tablepath.Key{plan.Key}, func(_ []tablepath.Key) error {
		for {
			attemptErr := commitOnce(ctx, gw, plan, &version)
			if attemptErr == nil {
				return nil
			}
			// Only CommitConflict/Io/Overloaded are worth retrying; a
			// SchemaConflict or malformed plan will never succeed by
			// waiting.
			if !engineerr.Classify(attemptErr).Retriable() || !backoff.ShouldContinue() {
				return attemptErr
			}
			wait := backoff.Next()
			log.WithError(attemptErr).WithField("key", plan.Key.String()).
				Debugf("commit attempt failed, retrying in %s", wait)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	})
	if err := lockset.Wait(ctx, []lockset.Outcome{outcome}); err != nil {
		return 0, err
	}
	return version, nil
}

// Recover returns a table's last-committed state without holding the
// single-writer token, used on startup to seed the Sequence Tracker.
func (c *Client) Recover(ctx context.Context, store syncrpc.Store, format syncrpc.Format, path string) (RecoverResult, error) {
	gw, err := c.gatewayFor(format)
	if err != nil {
		return RecoverResult{}, err
	}
	return gw.Recover(ctx, store, path)
}

func commitOnce(ctx context.Context, gw Gateway, plan CommitPlan, version *Version) error {
	prev, err := gw.Recover(ctx, plan.Store, plan.Key.Path.String())
	if err != nil {
		return err
	}
	if err := checkSchemaCompatible(prev, plan.Columns); err != nil {
		return err
	}
	v, err := gw.Commit(ctx, plan, prev)
	if err != nil {
		return err
	}
	*version = v
	return nil
}

func checkSchemaCompatible(prev RecoverResult, next []syncrpc.ColumnDescriptor) error {
	if !prev.Exists {
		return nil
	}
	if sameColumnSet(prev.Columns, next) {
		return nil
	}
	return engineerr.Newf(engineerr.SchemaConflict,
		"incoming columns do not match the table's committed schema")
}

func sameColumnSet(a, b []syncrpc.ColumnDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	want := make(map[syncrpc.ColumnDescriptor]bool, len(a))
	for _, d := range a {
		want[d] = true
	}
	for _, d := range b {
		if !want[d] {
			return false
		}
	}
	return true
}

// rekeysNeedingPreImage counts net Update entries that moved to a new
// primary key while carrying at least one column whose ChangedMask is
// false: the open question of SPEC_FULL.md §9 is exactly what happens
// to those columns when materializeUnchangedOnRekey is off.
func rekeysNeedingPreImage(net *squash.Net) int {
	count := 0
	for _, e := range net.Entries() {
		if e.Entry.Kind != squash.KindUpdate || e.Entry.FromKey == e.Key {
			continue
		}
		for _, changed := range e.Entry.ChangedMask {
			if !changed {
				count++
				break
			}
		}
	}
	return count
}

func mergeOriginSeqs(prev, next map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(prev)+len(next))
	for origin, seq := range prev {
		out[origin] = seq
	}
	for origin, seq := range next {
		if cur, ok := out[origin]; !ok || seq > cur {
			out[origin] = seq
		}
	}
	return out
}
