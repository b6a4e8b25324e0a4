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

// Package config contains the flag-bound configuration for the sync
// engine.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Defaults for flag bindings, per the engine's configuration surface.
const (
	DefaultStagingMaxBytesTotal      = 512 << 20 // 512 MiB
	DefaultStagingMaxBytesPerTable   = 64 << 20  // 64 MiB
	DefaultStagingMaxAge             = 10 * time.Second
	DefaultStagingResquashThreshold  = 16 << 20 // 16 MiB
	DefaultAdmissionHardCeiling      = 1 << 30  // 1 GiB
	DefaultAdmissionPerOriginInflight = 128 << 20 // 128 MiB
	DefaultCommitDeadline            = 30 * time.Second
	DefaultCommitBackoffInitial      = 100 * time.Millisecond
	DefaultCommitBackoffMax          = 5 * time.Second
	DefaultCommitBackoffMultiplier   = 2.0
	DefaultShutdownGrace             = 30 * time.Second
	DefaultFlushShards               = 16
	DefaultFlushWorkers              = 8
	DefaultFlushQueueDepth           = 256
	DefaultListenAddr                = ":26263"
	DefaultMetricsAddr               = ":26264"
	DefaultCatalogTTL                = 30 * time.Second
)

// Config is the complete configuration surface of the sync engine,
// per the nine enumerated settings plus transport and sharding knobs
// needed to run a real process.
type Config struct {
	// Staging.
	StagingMaxBytesTotal     int64
	StagingMaxBytesPerTable  int64
	StagingMaxAge            time.Duration
	StagingResquashThreshold int64

	// Admission control.
	AdmissionHardCeilingBytes     int64
	AdmissionPerOriginInflightBytes int64

	// Table Writer Gateway.
	CommitDeadline          time.Duration
	CommitBackoffInitial    time.Duration
	CommitBackoffMax        time.Duration
	CommitBackoffMultiplier float64

	// Open-question resolution (SPEC_FULL.md §9): when set, the writer
	// gateways log a warning for rekeyed rows that carry CHANGED=false
	// columns. No pre-image lookup is performed, so those columns are
	// not materialized at the rewritten key either way.
	MaterializeUnchangedOnRekey bool

	// EagerCommit triggers an immediate flush of a key as soon as a
	// message carrying a sequence number lands in staging for it,
	// trading commit amortization for lower durable-watermark latency.
	EagerCommit bool

	// Shutdown.
	ShutdownGrace time.Duration

	// Flush planner sharding and worker pool sizing.
	FlushShards     int
	FlushWorkers    int
	FlushQueueDepth int

	// Transport.
	ListenAddr  string
	MetricsAddr string

	// CatalogAddr is the schema/catalog service's HTTP root.
	CatalogAddr string

	// Chaos is set by tests to inject synthetic errors; never bound to
	// a flag.
	Chaos float32
}

// Bind adds configuration flags to the set.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.Int64Var(&c.StagingMaxBytesTotal, "stagingMaxBytesTotal", DefaultStagingMaxBytesTotal,
		"global staging high-watermark in bytes, above which the flush planner prioritizes the largest keys")
	flags.Int64Var(&c.StagingMaxBytesPerTable, "stagingMaxBytesPerTable", DefaultStagingMaxBytesPerTable,
		"per-key flush trigger in bytes")
	flags.DurationVar(&c.StagingMaxAge, "stagingMaxAge", DefaultStagingMaxAge,
		"flush a staging key once its oldest unflushed arrival exceeds this age")
	flags.Int64Var(&c.StagingResquashThreshold, "stagingResquashThreshold", DefaultStagingResquashThreshold,
		"re-squash a staging key's buffered batches once their combined size exceeds this many bytes")

	flags.Int64Var(&c.AdmissionHardCeilingBytes, "admissionHardCeilingBytes", DefaultAdmissionHardCeiling,
		"reject new messages once global staged bytes exceed this ceiling")
	flags.Int64Var(&c.AdmissionPerOriginInflightBytes, "admissionPerOriginInflightBytes", DefaultAdmissionPerOriginInflight,
		"reject new messages once an origin's in-flight bytes exceed this cap")

	flags.DurationVar(&c.CommitDeadline, "commitDeadline", DefaultCommitDeadline,
		"bound on a single table-writer commit attempt")
	flags.DurationVar(&c.CommitBackoffInitial, "commitBackoffInitial", DefaultCommitBackoffInitial,
		"initial backoff between commit retries")
	flags.DurationVar(&c.CommitBackoffMax, "commitBackoffMax", DefaultCommitBackoffMax,
		"maximum backoff between commit retries")
	flags.Float64Var(&c.CommitBackoffMultiplier, "commitBackoffMultiplier", DefaultCommitBackoffMultiplier,
		"multiplier applied to the commit backoff on each retry")
	flags.BoolVar(&c.MaterializeUnchangedOnRekey, "materializeUnchangedOnRekey", false,
		"log a warning when a PK rewrite carries CHANGED=false columns; no pre-image lookup is performed")

	flags.DurationVar(&c.ShutdownGrace, "shutdownGrace", DefaultShutdownGrace,
		"how long to wait for in-flight flushes to drain before aborting on shutdown")

	flags.IntVar(&c.FlushShards, "flushShards", DefaultFlushShards,
		"number of flush-planner shards; a key's shard is a hash of its staging key")
	flags.IntVar(&c.FlushWorkers, "flushWorkers", DefaultFlushWorkers,
		"size of the worker pool flushes are offloaded to")
	flags.IntVar(&c.FlushQueueDepth, "flushQueueDepth", DefaultFlushQueueDepth,
		"backlog depth of the flush worker pool before Go() rejects new work")

	flags.BoolVar(&c.EagerCommit, "eagerCommit", false,
		"flush a key as soon as a sequenced message lands in staging for it")

	flags.StringVar(&c.ListenAddr, "listenAddr", DefaultListenAddr,
		"address the sync gRPC endpoint listens on")
	flags.StringVar(&c.MetricsAddr, "metricsAddr", DefaultMetricsAddr,
		"address the Prometheus /metrics endpoint listens on; empty disables it")
	flags.StringVar(&c.CatalogAddr, "catalogAddr", "",
		"HTTP root of the schema/catalog service")
}

// Preflight ensures the configuration has sane defaults and rejects
// internally inconsistent values.
func (c *Config) Preflight() error {
	if c.StagingMaxBytesTotal <= 0 {
		c.StagingMaxBytesTotal = DefaultStagingMaxBytesTotal
	}
	if c.StagingMaxBytesPerTable <= 0 {
		c.StagingMaxBytesPerTable = DefaultStagingMaxBytesPerTable
	}
	if c.StagingMaxAge <= 0 {
		c.StagingMaxAge = DefaultStagingMaxAge
	}
	if c.StagingResquashThreshold <= 0 {
		c.StagingResquashThreshold = DefaultStagingResquashThreshold
	}
	if c.AdmissionHardCeilingBytes <= 0 {
		c.AdmissionHardCeilingBytes = DefaultAdmissionHardCeiling
	}
	if c.AdmissionPerOriginInflightBytes <= 0 {
		c.AdmissionPerOriginInflightBytes = DefaultAdmissionPerOriginInflight
	}
	if c.AdmissionPerOriginInflightBytes > c.AdmissionHardCeilingBytes {
		return errors.Errorf("admissionPerOriginInflightBytes (%d) must not exceed admissionHardCeilingBytes (%d)",
			c.AdmissionPerOriginInflightBytes, c.AdmissionHardCeilingBytes)
	}
	if c.CommitDeadline <= 0 {
		c.CommitDeadline = DefaultCommitDeadline
	}
	if c.CommitBackoffInitial <= 0 {
		c.CommitBackoffInitial = DefaultCommitBackoffInitial
	}
	if c.CommitBackoffMax <= 0 {
		c.CommitBackoffMax = DefaultCommitBackoffMax
	}
	if c.CommitBackoffMultiplier < 1 {
		c.CommitBackoffMultiplier = DefaultCommitBackoffMultiplier
	}
	if c.CommitBackoffInitial > c.CommitBackoffMax {
		return errors.Errorf("commitBackoffInitial (%s) must not exceed commitBackoffMax (%s)",
			c.CommitBackoffInitial, c.CommitBackoffMax)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.FlushShards <= 0 {
		c.FlushShards = DefaultFlushShards
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = DefaultFlushWorkers
	}
	if c.FlushQueueDepth <= 0 {
		c.FlushQueueDepth = DefaultFlushQueueDepth
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.CatalogAddr == "" {
		return errors.New("catalogAddr is required")
	}
	return nil
}
