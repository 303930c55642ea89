// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pool implements the fixed set of destination workers a listener
// fans packets out to, and the reload diff (unchanged / new / removed)
// applied when the destination list changes. The diff-by-key-set shape
// mirrors the teacher's autoscaler reconciling desired vs. running agent
// counts rather than tearing the whole fleet down on every change.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/grelay/internal/blob"
	"github.com/nishisan-dev/grelay/internal/config"
	"github.com/nishisan-dev/grelay/internal/logging"
	"github.com/nishisan-dev/grelay/internal/netsock"
	"github.com/nishisan-dev/grelay/internal/spill"
	"github.com/nishisan-dev/grelay/internal/stats"
	"github.com/nishisan-dev/grelay/internal/worker"
)

// SpillFactory builds a destination's spill writer on demand, letting the
// pool stay agnostic to fallback_root layout and compression choice.
type SpillFactory func(destination netsock.Spec) (*spill.Writer, error)

// Pool owns one worker per configured destination and fans every inbound
// blob out to all of them.
type Pool struct {
	mu        sync.RWMutex
	workers   map[string]*managedWorker
	spillFunc SpillFactory
	workerCfg config.RelayWorkerConfig
	counters  *stats.Counters
	logger    *slog.Logger
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	ctx       context.Context
}

type managedWorker struct {
	spec      netsock.Spec
	worker    *worker.Worker
	cancel    context.CancelFunc
	logCloser io.Closer
}

// New builds an empty Pool tuned by workerCfg (queue sizing, timeouts,
// backoff, per-destination log directory). Call Reload to populate it with
// destinations.
func New(spillFunc SpillFactory, workerCfg config.RelayWorkerConfig, counters *stats.Counters, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:   make(map[string]*managedWorker),
		spillFunc: spillFunc,
		workerCfg: workerCfg,
		counters:  counters,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// FanOut hands b to every destination worker, seeding its refcount to the
// number of destinations before handoff so each worker's eventual Release
// brings the count to zero exactly once all of them are done with it.
// Returns the number of destinations the blob was accepted by (a full queue
// still counts as accepted — the pool's own contract with the caller is
// "handed off", not "delivered").
func (p *Pool) FanOut(b *blob.Blob) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.workers) == 0 {
		return 0
	}
	b.SetRefs(len(p.workers))
	for _, mw := range p.workers {
		mw.worker.Enqueue(b)
	}
	return len(p.workers)
}

// Reload reconciles the running worker set against the desired destination
// list: destinations already running are left untouched (their queue and
// connection survive the reload), destinations newly added get a worker
// started, and destinations no longer present are stopped and drained.
func (p *Pool) Reload(destinations []netsock.Spec) error {
	desired := make(map[string]netsock.Spec, len(destinations))
	for _, d := range destinations {
		desired[d.String()] = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, mw := range p.workers {
		if _, keep := desired[key]; !keep {
			p.stopLocked(key, mw, true)
		}
	}

	for key, spec := range desired {
		if _, exists := p.workers[key]; exists {
			continue
		}
		if err := p.startLocked(key, spec); err != nil {
			return fmt.Errorf("pool: starting worker for %s: %w", key, err)
		}
	}
	return nil
}

func (p *Pool) startLocked(key string, spec netsock.Spec) error {
	var sw *spill.Writer
	if p.spillFunc != nil {
		built, err := p.spillFunc(spec)
		if err != nil {
			return err
		}
		sw = built
	}

	workerLogger := p.logger.With("destination", key)
	var logCloser io.Closer
	if p.workerCfg.LogDir != "" {
		enriched, closer, path, err := logging.NewWorkerLogger(workerLogger, p.workerCfg.LogDir, spill.SanitizeDestination(key))
		if err != nil {
			return fmt.Errorf("pool: building worker logger for %s: %w", key, err)
		}
		workerLogger = enriched
		logCloser = closer
		p.logger.Debug("per-destination log file opened", "destination", key, "path", path)
	}

	wcfg := worker.DefaultConfig(spec)
	wcfg.QueueCapacity = p.workerCfg.QueueCapacity
	wcfg.DialTimeout = p.workerCfg.DialTimeout
	wcfg.SendTimeout = p.workerCfg.SendTimeout
	wcfg.BackoffMin = p.workerCfg.BackoffMin
	wcfg.BackoffMax = p.workerCfg.BackoffMax
	wcfg.SendBufferBytes = int(p.workerCfg.SendBufferRaw)
	wcfg.SpillUsec = p.workerCfg.SpillUsec
	wcfg.SpillBatchMax = p.workerCfg.SpillBatchMax

	w := worker.New(wcfg, sw, p.counters, workerLogger)
	ctx, cancel := context.WithCancel(p.ctx)

	p.workers[key] = &managedWorker{spec: spec, worker: w, cancel: cancel, logCloser: logCloser}

	if sw != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			sw.Run(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(ctx)
		if sw != nil {
			sw.Stop()
			sw.Close()
		}
	}()

	p.logger.Info("destination worker started", "destination", key)
	return nil
}

// stopLocked stops a destination's worker and spill writer. removeLog
// deletes the destination's per-worker log file too — used on a reload
// that drops the destination for good, not on a full process shutdown
// where the file should remain for the next run to append to.
func (p *Pool) stopLocked(key string, mw *managedWorker, removeLog bool) {
	mw.cancel()
	mw.worker.Stop()
	if mw.logCloser != nil {
		mw.logCloser.Close()
	}
	if removeLog && p.workerCfg.LogDir != "" {
		logging.RemoveWorkerLog(p.workerCfg.LogDir, spill.SanitizeDestination(key))
	}
	delete(p.workers, key)
	p.logger.Info("destination worker stopped", "destination", key)
}

// Destinations returns the currently active destination specs, for
// diagnostics and the metrics emitter's per-destination queue depth report.
func (p *Pool) Destinations() []netsock.Spec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	specs := make([]netsock.Spec, 0, len(p.workers))
	for _, mw := range p.workers {
		specs = append(specs, mw.spec)
	}
	return specs
}

// QueueDepth returns the live queue depth for one destination, or -1 if no
// worker for that destination is running.
func (p *Pool) QueueDepth(destination netsock.Spec) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	mw, ok := p.workers[destination.String()]
	if !ok {
		return -1
	}
	return mw.worker.QueueDepth()
}

// Shutdown stops every worker and blocks until they have all drained their
// remaining backlog to spill, matching the source relay's
// stop_listener -> worker_pool_destroy ordering: listener goes first so no
// new packets enter while workers quiesce.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for key, mw := range p.workers {
		p.stopLocked(key, mw, false)
	}
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}
