// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hoststats periodically samples host-level resource gauges — disk
// free space under the spill fallback_root and CPU load — that the metrics
// emitter folds into its snapshot alongside the per-destination counters.
// Collection itself is grounded on the teacher's internal/agent/monitor.go
// SystemMonitor, narrowed to the two gauges the relay actually needs.
package hoststats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

// Snapshot is the most recently sampled set of host gauges.
type Snapshot struct {
	FallbackRootDiskFreeBytes  uint64
	FallbackRootDiskUsedPct    float64
	LoadAverage1m              float64
}

// Sampler periodically refreshes a Snapshot for fallbackRoot.
type Sampler struct {
	fallbackRoot string
	interval     time.Duration
	logger       *slog.Logger

	mu   sync.RWMutex
	snap Snapshot

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Sampler that will sample disk usage for fallbackRoot every
// interval once Start is called.
func New(fallbackRoot string, interval time.Duration, logger *slog.Logger) *Sampler {
	return &Sampler{
		fallbackRoot: fallbackRoot,
		interval:     interval,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Start begins periodic sampling in its own goroutine.
func (s *Sampler) Start() {
	s.collect()
	s.wg.Add(1)
	go s.run()
}

func (s *Sampler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

// Stop halts periodic sampling.
func (s *Sampler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Snapshot returns the most recently collected gauges.
func (s *Sampler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Sampler) collect() {
	snap := Snapshot{}

	if d, err := disk.Usage(s.fallbackRoot); err == nil {
		snap.FallbackRootDiskFreeBytes = d.Free
		snap.FallbackRootDiskUsedPct = d.UsedPercent
	} else {
		s.logger.Debug("collecting fallback_root disk usage", "path", s.fallbackRoot, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.LoadAverage1m = l.Load1
	} else {
		s.logger.Debug("collecting load average", "error", err)
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
