// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package worker implements the destination worker: one goroutine per
// downstream target, draining its bounded queue and sending each blob over a
// lazily-established connection. A stalled or refused destination spills its
// backlog to disk rather than blocking the fan-out path, the same
// never-let-one-slow-peer-stall-everyone posture the teacher's autoscaler
// takes toward a single slow agent.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/grelay/internal/blob"
	"github.com/nishisan-dev/grelay/internal/netsock"
	"github.com/nishisan-dev/grelay/internal/queue"
	"github.com/nishisan-dev/grelay/internal/spill"
	"github.com/nishisan-dev/grelay/internal/stats"
	"github.com/nishisan-dev/grelay/internal/wire"
)

// Config bounds one destination worker's behavior.
type Config struct {
	Destination     netsock.Spec
	QueueCapacity   int
	DialTimeout     time.Duration
	SendTimeout     time.Duration
	PopTimeout      time.Duration
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	SendBufferBytes int

	// SpillUsec is the stall-grace-period: a blob is only handed off to
	// the spill writer once its age since enqueue exceeds this, not on
	// its first send failure.
	SpillUsec time.Duration
	// SpillBatchMax bounds how many items (the stalled blob plus
	// head-of-queue backlog) move to the spill writer in one hand-off.
	SpillBatchMax int
}

// DefaultConfig returns the relay's conventional worker tuning.
func DefaultConfig(dest netsock.Spec) Config {
	return Config{
		Destination:   dest,
		QueueCapacity: 4096,
		DialTimeout:   2 * time.Second,
		SendTimeout:   1 * time.Second,
		PopTimeout:    500 * time.Millisecond,
		BackoffMin:    100 * time.Millisecond,
		BackoffMax:    10 * time.Second,
		SpillUsec:     5 * time.Second,
		SpillBatchMax: 256,
	}
}

// Worker owns one destination's queue, connection, and send loop.
type Worker struct {
	cfg         Config
	inbox       *queue.Queue
	spillWriter *spill.Writer
	counters    *stats.Counters
	logger      *slog.Logger

	connMu sync.Mutex
	conn   net.Conn
}

// New builds a Worker. spillWriter may be nil, in which case each blob that
// would be spilled is dropped (counted) instead; a stall then drops only the
// stalled blob and leaves the rest of the queue in place.
func New(cfg Config, spillWriter *spill.Writer, counters *stats.Counters, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:         cfg,
		inbox:       queue.New(cfg.QueueCapacity),
		spillWriter: spillWriter,
		counters:    counters,
		logger:      logger,
	}
}

// Enqueue hands a blob to the worker's queue. If the queue is already at
// capacity, the blob is spilled immediately and full is returned true so the
// pool's fan-out can account it as a saturation event rather than a normal
// send.
func (w *Worker) Enqueue(b *blob.Blob) (full bool) {
	ok, full := w.inbox.Push(b)
	if !ok {
		w.spillOrDrop(b, "queue at capacity")
		return true
	}
	return false
}

// QueueDepth reports the number of blobs currently queued, used by the
// metrics emitter.
func (w *Worker) QueueDepth() int {
	return w.inbox.Len()
}

// Run drains the worker's queue until ctx is cancelled, sending each blob to
// the destination. A blob that keeps failing to send is retried in place
// (spec.md's "transient error: retried in-place") until its age since
// enqueue exceeds SpillUsec, at which point it and any head-of-queue
// backlog are handed to the spill writer as a batch. Run returns once the
// queue is cancelled and fully drained.
func (w *Worker) Run(ctx context.Context) {
	backoff := w.cfg.BackoffMin

	var pending *blob.Blob
	var pendingSince time.Time

	for {
		if ctx.Err() != nil {
			if pending != nil {
				w.spillStalled(pending)
				pending = nil
			}
			w.drainToSpill("shutting down")
			return
		}

		if pending == nil {
			b, enqueuedAt, empty, cancelled := w.inbox.PopWithEnqueueTime(w.cfg.PopTimeout)
			if cancelled {
				return
			}
			if empty {
				continue
			}
			pending, pendingSince = b, enqueuedAt
		}

		if err := w.send(ctx, pending); err != nil {
			w.logger.Warn("destination send failed", "destination", w.cfg.Destination.String(), "error", err)
			w.closeConn()

			if time.Since(pendingSince) > w.cfg.SpillUsec {
				w.spillStalled(pending)
				pending = nil
				backoff = w.cfg.BackoffMin
				continue
			}

			select {
			case <-ctx.Done():
				continue
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, w.cfg.BackoffMax)
			continue
		}

		backoff = w.cfg.BackoffMin
		pending.Release()
		pending = nil
	}
}

// Stop cancels the worker's queue, waking a blocked Pop so Run returns
// promptly instead of waiting out its current PopTimeout.
func (w *Worker) Stop() {
	w.inbox.Cancel()
	w.closeConn()
}

func (w *Worker) send(ctx context.Context, b *blob.Blob) error {
	conn, err := w.ensureConn(ctx)
	if err != nil {
		w.counters.Inc(stats.Errors, 1)
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(w.cfg.SendTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	start := time.Now()
	var sendErr error
	if w.cfg.Destination.Proto == netsock.TCP {
		sendErr = wire.WriteFrame(conn, b.Payload())
	} else {
		_, sendErr = conn.Write(b.Payload())
	}
	w.counters.Inc(stats.SendElapsedUsec, time.Since(start).Microseconds())

	if sendErr != nil {
		w.counters.Inc(stats.Errors, 1)
		return sendErr
	}
	w.counters.Inc(stats.Sent, 1)
	return nil
}

func (w *Worker) ensureConn(ctx context.Context) (net.Conn, error) {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn != nil {
		return w.conn, nil
	}

	conn, err := netsock.Dial(ctx, w.cfg.Destination, w.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	if w.cfg.SendBufferBytes > 0 {
		if err := netsock.SetSendBuffer(conn, w.cfg.SendBufferBytes); err != nil {
			w.logger.Debug("setting send buffer failed", "destination", w.cfg.Destination.String(), "error", err)
		}
	}
	if w.cfg.Destination.Proto == netsock.TCP {
		w.counters.Inc(stats.TCPConnections, 1)
	}
	w.conn = conn
	return conn, nil
}

func (w *Worker) closeConn() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return
	}
	w.conn.Close()
	if w.cfg.Destination.Proto == netsock.TCP {
		w.counters.Dec(stats.TCPConnections, 1)
	}
	w.conn = nil
}

// spillOrDrop hands a single blob to the spill writer's own queue (C6's
// sibling thread takes it from there and accounts disk/disk-error
// counters), or counts it dropped if no spill writer is configured or the
// writer's own queue is already full.
func (w *Worker) spillOrDrop(b *blob.Blob, reason string) {
	if w.spillWriter == nil {
		b.Release()
		w.counters.Inc(stats.Dropped, 1)
		w.logger.Warn("dropping blob, no spill writer configured", "destination", w.cfg.Destination.String(), "reason", reason)
		return
	}
	if full := w.spillWriter.Enqueue(b); full {
		b.Release()
		w.counters.Inc(stats.Dropped, 1)
		w.logger.Warn("dropping blob, spill writer queue full", "destination", w.cfg.Destination.String(), "reason", reason)
	}
}

// spillStalled hands a blob that has stalled past SpillUsec to the spill
// writer, along with up to SpillBatchMax-1 items of head-of-queue backlog
// drained in one batch (spec.md's drain_into(spill_queue, spill_batch_max)).
func (w *Worker) spillStalled(b *blob.Blob) {
	w.spillOrDrop(b, "send stalled past spill_usec")

	if w.spillWriter == nil {
		return
	}
	batchMax := w.cfg.SpillBatchMax - 1
	if batchMax <= 0 {
		return
	}
	_, rejected := w.inbox.DrainInto(w.spillWriter.Inbox(), batchMax)
	if rejected > 0 {
		w.counters.Inc(stats.Dropped, int64(rejected))
		w.logger.Warn("spill queue full during batch drain", "destination", w.cfg.Destination.String(), "rejected", rejected)
	}
}

// drainToSpill empties the inbox to disk on shutdown, so a blob sitting in
// queue at the moment of a stop signal is not silently lost.
func (w *Worker) drainToSpill(reason string) {
	for {
		b, empty, _ := w.inbox.Pop(0)
		if empty {
			return
		}
		w.spillOrDrop(b, reason)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
