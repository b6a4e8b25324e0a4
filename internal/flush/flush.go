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

// Package flush implements the Flush Planner: it decides when each
// staging key should be flushed, sharded so that no two shards ever
// plan the same key.
package flush

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/seafowldb/seafowl-sync/internal/staging"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
	"github.com/seafowldb/seafowl-sync/internal/util/notify"
	"github.com/seafowldb/seafowl-sync/internal/util/stopper"
	"github.com/seafowldb/seafowl-sync/internal/util/workgroup"
)

// Trigger identifies why a key was flushed.
type Trigger int

// Flush triggers, in the priority order of spec.md §4.D.
const (
	TriggerNone Trigger = iota
	TriggerSentinel
	TriggerGlobalPressure
	TriggerPerTableCap
	TriggerAge
	TriggerEagerCommit
)

func (t Trigger) String() string {
	switch t {
	case TriggerSentinel:
		return "sentinel"
	case TriggerGlobalPressure:
		return "global-pressure"
	case TriggerPerTableCap:
		return "per-table-cap"
	case TriggerAge:
		return "age"
	case TriggerEagerCommit:
		return "eager-commit"
	default:
		return "none"
	}
}

// FlushFunc performs the actual commit for a key: draining staging and
// writing through the Table Writer Gateway. Errors are logged by the
// planner; a failed flush leaves the key's staging entry retriable
// on the next trigger.
type FlushFunc func(ctx context.Context, key tablepath.Key) error

// Config is the Flush Planner's trigger configuration.
type Config struct {
	GlobalHighWatermarkBytes int64
	GlobalLowWatermarkBytes  int64 // if zero, defaults to 80% of the high watermark
	PerTableCapBytes         int64
	MaxAge                   time.Duration
	EagerCommit              bool
	Shards                   int
	SweepInterval            time.Duration // if zero, defaults to MaxAge/4
}

func (c Config) lowWatermark() int64 {
	if c.GlobalLowWatermarkBytes > 0 {
		return c.GlobalLowWatermarkBytes
	}
	return c.GlobalHighWatermarkBytes * 4 / 5
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	if c.MaxAge > 0 {
		return c.MaxAge / 4
	}
	return time.Second
}

// Planner is the Flush Planner, a single logical actor sharded by a
// hash of each staging key so that a key is always evaluated by the
// same shard.
type Planner struct {
	cfg     Config
	buf     *staging.Buffer
	flush   FlushFunc
	workers *workgroup.Group

	wake *notify.Var[uint64]
}

// New constructs a Planner. workers bounds how many flushes may run
// concurrently; it is typically shared across the whole engine.
func New(cfg Config, buf *staging.Buffer, flush FlushFunc, workers *workgroup.Group) *Planner {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	return &Planner{
		cfg:     cfg,
		buf:     buf,
		flush:   flush,
		workers: workers,
		wake:    notify.VarOf(uint64(0)),
	}
}

// Wake prompts every shard to re-evaluate its keys immediately,
// instead of waiting for the next sweep tick. Callers (the ingest
// service, after an Append) use this so size/age triggers fire
// promptly without busy-polling.
func (p *Planner) Wake() {
	p.wake.Update(func(old uint64) (uint64, error) { return old + 1, nil })
}

// WakeCount returns the number of times Wake has taken effect, for the
// engine's metrics endpoint to track ingest-to-flush signaling churn.
func (p *Planner) WakeCount() uint64 {
	return p.wake.Updates()
}

// TriggerEager flushes key immediately if the planner is configured
// for eager commit, per trigger (5): a transaction-terminating message
// was just appended for this key. No-op otherwise.
func (p *Planner) TriggerEager(key tablepath.Key) {
	if !p.cfg.EagerCommit {
		return
	}
	p.enqueue(key, TriggerEagerCommit)
}

// Run spawns one sweep goroutine per shard, tracked by ctx. It returns
// immediately; the goroutines run until ctx.Stopping() fires.
func (p *Planner) Run(ctx *stopper.Context) {
	for shard := 0; shard < p.cfg.Shards; shard++ {
		shard := shard
		ctx.Go(func() error {
			p.shardLoop(ctx, shard)
			return nil
		})
	}
}

func (p *Planner) shardLoop(ctx *stopper.Context, shard int) {
	ticker := time.NewTicker(p.cfg.sweepInterval())
	defer ticker.Stop()

	_, woke := p.wake.Get()
	for {
		p.sweep(ctx, shard)
		select {
		case <-ctx.Stopping():
			return
		case <-ticker.C:
		case <-woke:
			_, woke = p.wake.Get()
		}
	}
}

func (p *Planner) sweep(ctx context.Context, shard int) {
	keys := p.shardKeys(shard)
	if len(keys) == 0 {
		return
	}

	globalBytes := p.buf.TotalBytes()
	if globalBytes > p.cfg.GlobalHighWatermarkBytes {
		p.flushLargestUntilBelowLowWatermark(keys)
	}

	for _, key := range keys {
		stats := p.buf.Stats(key)
		if !stats.Exists {
			continue
		}
		if stats.BytesBuffered > p.cfg.PerTableCapBytes {
			p.enqueue(key, TriggerPerTableCap)
			continue
		}
		if p.cfg.MaxAge > 0 && !stats.OldestArrival.IsZero() && time.Since(stats.OldestArrival) > p.cfg.MaxAge {
			p.enqueue(key, TriggerAge)
		}
	}
}

// flushLargestUntilBelowLowWatermark flushes this shard's own keys,
// largest first, until the global total (as last observed) falls
// below the low watermark. Each shard acts only on its own keys, so
// the result is a best-effort approximation of "globally flush the
// largest keys first" rather than a perfectly global ordering.
func (p *Planner) flushLargestUntilBelowLowWatermark(keys []tablepath.Key) {
	type sized struct {
		key   tablepath.Key
		bytes int64
	}
	sizedKeys := make([]sized, 0, len(keys))
	for _, k := range keys {
		st := p.buf.Stats(k)
		if st.Exists {
			sizedKeys = append(sizedKeys, sized{k, st.BytesBuffered})
		}
	}
	sort.Slice(sizedKeys, func(i, j int) bool { return sizedKeys[i].bytes > sizedKeys[j].bytes })

	low := p.cfg.lowWatermark()
	for _, sk := range sizedKeys {
		if p.buf.TotalBytes() <= low {
			return
		}
		p.enqueue(sk.key, TriggerGlobalPressure)
	}
}

func (p *Planner) enqueue(key tablepath.Key, trigger Trigger) {
	err := p.workers.Go(func(ctx context.Context) {
		if err := p.flush(ctx, key); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"key":     key.String(),
				"trigger": trigger.String(),
			}).Warn("flush attempt failed, will retry on next trigger")
		}
	})
	if err != nil {
		log.WithError(err).WithField("key", key.String()).Warn("flush worker pool saturated, dropping this trigger")
	}
}

// shardKeys returns the subset of buf.Keys() assigned to shard.
func (p *Planner) shardKeys(shard int) []tablepath.Key {
	all := p.buf.Keys()
	out := make([]tablepath.Key, 0, len(all))
	for _, k := range all {
		if shardOf(k, p.cfg.Shards) == shard {
			out = append(out, k)
		}
	}
	return out
}

func shardOf(key tablepath.Key, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv32(key.String())
	return int(h % uint32(shards))
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Drain flushes every currently-populated key, regardless of trigger
// thresholds, and waits for them all to complete or for ctx to be
// done. Used during shutdown (trigger (1), the sentinel signal).
func (p *Planner) Drain(ctx context.Context) error {
	for _, key := range p.buf.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.flush(ctx, key); err != nil {
			log.WithError(err).WithField("key", key.String()).Warn("final drain flush failed")
		}
	}
	return ctx.Err()
}
