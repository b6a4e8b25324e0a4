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

// Package engine wires the Change Batch Decoder, Row-Change Squasher,
// Per-Table Staging Buffer, Flush Planner, Table Writer Gateway,
// Sequence Tracker, Ingest Service, and Admission Controller into one
// runnable sync process, and owns its gRPC and metrics listeners.
package engine

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/seafowldb/seafowl-sync/internal/admission"
	"github.com/seafowldb/seafowl-sync/internal/catalog"
	"github.com/seafowldb/seafowl-sync/internal/config"
	"github.com/seafowldb/seafowl-sync/internal/engineerr"
	"github.com/seafowldb/seafowl-sync/internal/flush"
	"github.com/seafowldb/seafowl-sync/internal/ingest"
	"github.com/seafowldb/seafowl-sync/internal/objstore"
	"github.com/seafowldb/seafowl-sync/internal/seqtrack"
	"github.com/seafowldb/seafowl-sync/internal/staging"
	"github.com/seafowldb/seafowl-sync/internal/syncrpc"
	"github.com/seafowldb/seafowl-sync/internal/tablepath"
	"github.com/seafowldb/seafowl-sync/internal/util/stopper"
	"github.com/seafowldb/seafowl-sync/internal/util/workgroup"
	"github.com/seafowldb/seafowl-sync/internal/writer"
)

// metrics are the process's prometheus counters, registered against a
// private registry so that tests constructing more than one Engine
// never collide on the default global registry.
type metrics struct {
	commits  *prometheus.CounterVec
	flushes  prometheus.Counter
	registry *prometheus.Registry
}

// newMetrics registers counters eagerly and gauges lazily: the gauge
// funcs close over workers and planner, which are not built until
// after the registry exists, so Workers/Len/WakeCount are wired in by
// wireGauges once the rest of the Engine is assembled.
func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seafowl_sync_commits_total",
			Help: "Table writer commits, partitioned by outcome.",
		}, []string{"outcome"}),
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "seafowl_sync_flushes_total",
			Help: "Flush planner invocations that found buffered changes to commit.",
		}),
	}
}

// wireGauges registers the pool-utilization and signaling-churn gauges
// that depend on workers and planner existing. Called once from New.
func (m *metrics) wireGauges(workers *workgroup.Group, planner *flush.Planner) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seafowl_sync_flush_workers_active",
		Help: "Currently running flush worker goroutines.",
	}, func() float64 { return float64(workers.Workers()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seafowl_sync_flush_queue_depth",
		Help: "Flush callbacks queued but not yet picked up by a worker.",
	}, func() float64 { return float64(workers.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seafowl_sync_flush_wakes_total",
		Help: "Times the flush planner has been woken to re-evaluate triggers early.",
	}, func() float64 { return float64(planner.WakeCount()) })
}

// Engine is one running sync process.
type Engine struct {
	cfg     config.Config
	pool    *objstore.Pool
	catalog *catalog.Client
	staging *staging.Buffer
	seq     *seqtrack.Tracker
	adm     *admission.Controller
	writer  *writer.Client
	workers *workgroup.Group
	planner *flush.Planner
	ingest  *ingest.Server
	metrics *metrics

	grpcServer *grpc.Server
}

// New constructs an Engine from cfg, dialing no network until Run is
// called.
func New(cfg config.Config) *Engine {
	pool := objstore.New()
	cat := catalog.New(cfg.CatalogAddr, config.DefaultCatalogTTL)
	buf := staging.New(cfg.StagingResquashThreshold)
	tracker := seqtrack.New()
	adm := admission.New(cfg.AdmissionHardCeilingBytes, cfg.AdmissionPerOriginInflightBytes, nil)
	wc := writer.New(cfg, pool)
	workers := workgroup.WithSize(context.Background(), cfg.FlushWorkers, cfg.FlushQueueDepth)
	metrics := newMetrics()

	e := &Engine{
		cfg:     cfg,
		pool:    pool,
		catalog: cat,
		staging: buf,
		seq:     tracker,
		adm:     adm,
		writer:  wc,
		workers: workers,
		metrics: metrics,
	}

	planner := flush.New(flush.Config{
		GlobalHighWatermarkBytes: cfg.StagingMaxBytesTotal,
		PerTableCapBytes:         cfg.StagingMaxBytesPerTable,
		MaxAge:                   cfg.StagingMaxAge,
		EagerCommit:              cfg.EagerCommit,
		Shards:                   cfg.FlushShards,
	}, buf, e.flushKey, workers)
	e.planner = planner
	e.ingest = ingest.New(cat, adm, buf, tracker, planner, cfg.EagerCommit)
	metrics.wireGauges(workers, planner)

	e.grpcServer = grpc.NewServer()
	syncrpc.RegisterSyncServiceServer(e.grpcServer, e.ingest)
	return e
}

// flushKey is the Flush Planner's FlushFunc: it drains key's staging
// entry, commits the net effect through the Table Writer Gateway,
// advances the Sequence Tracker's durable watermark, and releases the
// bytes the Admission Controller attributed to key's origins.
func (e *Engine) flushKey(ctx context.Context, key tablepath.Key) error {
	job, err := e.staging.Flush(ctx, key)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if job.Net.Len() == 0 {
		e.ingest.ReleaseKey(key)
		return nil
	}

	store, format, columns, ok := e.ingest.TableMeta(key)
	if !ok {
		return engineerr.Newf(engineerr.Fatal,
			"flush triggered for key %q with no recorded table metadata", key.String())
	}

	e.metrics.flushes.Inc()

	commitCtx := ctx
	if e.cfg.CommitDeadline > 0 {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(ctx, e.cfg.CommitDeadline)
		defer cancel()
	}

	plan := writer.CommitPlan{
		Key: key, Store: store, Format: format, Columns: columns,
		Net: job.Net, OriginSeqs: job.OriginSeqs,
	}
	if _, err := e.writer.Commit(commitCtx, plan); err != nil {
		e.metrics.commits.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.commits.WithLabelValues("ok").Inc()

	for origin, seq := range job.OriginSeqs {
		if err := e.seq.NoteDurable(origin, seq); err != nil {
			// A Fatal-kinded violation of the memory/durable invariant:
			// the caller tears down the engine rather than continuing
			// to serve a watermark contract it can no longer honor.
			return err
		}
	}
	e.ingest.ReleaseKey(key)
	return nil
}

// Recover seeds the Sequence Tracker from every table's committed
// commit-log head, per table-format version the maximum durable
// sequence number across all of a store's tables for each origin.
func (e *Engine) Recover(ctx context.Context) error {
	snapshot, err := e.catalog.ListSchemas(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching catalog snapshot for recovery")
	}
	for _, schema := range snapshot.Schemas {
		for _, table := range schema.Tables {
			if table.Store == "" {
				continue
			}
			store, ok := snapshot.StoreByName(table.Store)
			if !ok {
				log.WithField("table", table.Path).Warn("engine: table references an unknown store, skipping recovery")
				continue
			}
			res, err := e.writer.Recover(ctx, store, table.Format, table.Path)
			if err != nil {
				log.WithError(err).WithField("table", table.Path).
					Warn("engine: recovery failed for table; durable watermarks may lag until the next commit")
				continue
			}
			if res.Exists {
				e.seq.Recover(res.OriginSeqs)
			}
		}
	}
	return nil
}

// Run serves the sync gRPC endpoint and metrics HTTP endpoint until
// ctx is stopped, then drains in-flight flushes up to cfg.ShutdownGrace
// before returning.
func (e *Engine) Run(ctx *stopper.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", e.cfg.ListenAddr)
	}
	// Ensures every background goroutine started below is signaled to
	// stop on any return path, not only a graceful shutdown request.
	defer ctx.Stop(0)

	var metricsServer *http.Server
	if e.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(e.metrics.registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux}
		ctx.Go(func() error {
			log.WithField("addr", e.cfg.MetricsAddr).Info("engine: metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	e.planner.Run(ctx)

	ctx.Go(func() error {
		<-ctx.Stopping()
		log.Info("engine: shutting down, draining in-flight flushes")
		e.grpcServer.GracefulStop()
		if metricsServer != nil {
			_ = metricsServer.Close()
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace)
		defer cancel()
		if err := e.planner.Drain(drainCtx); err != nil {
			log.WithError(err).Warn("engine: shutdown grace period expired before staging fully drained")
		}
		return nil
	})

	log.WithField("addr", lis.Addr().String()).Info("engine: sync endpoint listening")
	if err := e.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return ctx.Wait()
}
