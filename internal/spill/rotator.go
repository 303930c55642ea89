// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package spill

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Rotator forces a time-boundary rotation of a set of Writers on a cron
// schedule, independent of the size/count thresholds each Writer already
// enforces on every call to Write. The default "@hourly" schedule keeps
// spill files aligned to wall-clock hours for easier archival bucketing.
type Rotator struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	writers map[string]*Writer
}

// NewRotator builds a Rotator driven by the given cron expression (e.g.
// "@hourly", "0 */4 * * *").
func NewRotator(expr string, logger *slog.Logger) (*Rotator, error) {
	c := cron.New()
	r := &Rotator{cron: c, logger: logger, writers: make(map[string]*Writer)}
	_, err := c.AddFunc(expr, r.rotateAll)
	if err != nil {
		return nil, fmt.Errorf("spill: invalid rotation schedule %q: %w", expr, err)
	}
	return r, nil
}

// Register adds a Writer, keyed by destination name, to the set rotated on
// each tick.
func (r *Rotator) Register(destination string, w *Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers[destination] = w
}

// Unregister removes a destination's Writer from the set rotated on each
// tick.
func (r *Rotator) Unregister(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.writers, destination)
}

func (r *Rotator) rotateAll() {
	r.mu.Lock()
	snapshot := make(map[string]*Writer, len(r.writers))
	for k, v := range r.writers {
		snapshot[k] = v
	}
	r.mu.Unlock()

	for destination, w := range snapshot {
		if err := w.Rotate(); err != nil {
			r.logger.Warn("spill: scheduled rotation failed", "destination", destination, "error", err)
		}
	}
}

// Start begins the cron scheduler in its own goroutine.
func (r *Rotator) Start() {
	r.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight rotation to finish.
func (r *Rotator) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
