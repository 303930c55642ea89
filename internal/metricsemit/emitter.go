// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metricsemit implements the relay's auxiliary metrics worker: a
// ticker-driven goroutine that folds every destination's counters into one
// process-wide snapshot and logs it as structured output. The
// collect-on-tick-and-log-as-JSON shape is the same one the teacher's
// agent.StatsReporter uses for job stats, narrowed here to counters instead
// of scheduler job state.
package metricsemit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nishisan-dev/grelay/internal/control"
	"github.com/nishisan-dev/grelay/internal/hoststats"
	"github.com/nishisan-dev/grelay/internal/pool"
	"github.com/nishisan-dev/grelay/internal/stats"
)

// destinationSnapshot captures one destination's live queue depth for the
// structured log line.
type destinationSnapshot struct {
	Destination string `json:"destination"`
	QueueDepth  int    `json:"queue_depth"`
}

// Emitter periodically logs a process-wide counters snapshot plus
// per-destination queue depths and host gauges.
type Emitter struct {
	interval time.Duration
	counters *stats.Counters
	pool     *pool.Pool
	sampler  *hoststats.Sampler
	ctrl     *control.Word
	logger   *slog.Logger

	startedAt time.Time
}

// New builds an Emitter. sampler may be nil to omit host gauges from the
// emitted snapshot.
func New(interval time.Duration, counters *stats.Counters, p *pool.Pool, sampler *hoststats.Sampler, ctrl *control.Word, logger *slog.Logger) *Emitter {
	return &Emitter{
		interval: interval,
		counters: counters,
		pool:     p,
		sampler:  sampler,
		ctrl:     ctrl,
		logger:   logger,
	}
}

// Run blocks, emitting a snapshot every interval until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) {
	e.startedAt = time.Now()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emit()
		}
	}
}

func (e *Emitter) emit() {
	snap := e.counters.Snapshot()

	var destSnaps []destinationSnapshot
	for _, spec := range e.pool.Destinations() {
		destSnaps = append(destSnaps, destinationSnapshot{
			Destination: spec.String(),
			QueueDepth:  e.pool.QueueDepth(spec),
		})
	}
	destJSON, _ := json.Marshal(destSnaps)

	attrs := []any{
		"uptime_seconds", int64(time.Since(e.startedAt).Seconds()),
		"received", snap.Received,
		"sent", snap.Sent,
		"partial", snap.Partial,
		"spilled", snap.Spilled,
		"dropped", snap.Dropped,
		"errors", snap.Errors,
		"disk", snap.Disk,
		"disk_errors", snap.DiskErrors,
		"send_elapsed_usec", snap.SendElapsedUsec,
		"tcp_connections", snap.TCPConnections,
		"control_bits", e.ctrl.Get(),
		"destinations", destJSON,
	}

	if e.sampler != nil {
		hs := e.sampler.Snapshot()
		attrs = append(attrs,
			"fallback_root_disk_free_bytes", hs.FallbackRootDiskFreeBytes,
			"fallback_root_disk_used_pct", hs.FallbackRootDiskUsedPct,
			"load_average_1m", hs.LoadAverage1m,
		)
	}

	e.logger.Info("relay stats", attrs...)
}
