// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package spill implements the disk-spill writer: the sibling thread of
// each destination worker that drains the worker's overflow queue to files
// under fallback_root/<destination-sanitized>/. File rotation follows the
// teacher's atomic-rename discipline (internal/server/storage.go's
// AtomicWriter: write to a temp name, close, rename to the final name) and
// its file-count rotation (internal/server/storage.go's Rotate).
package spill

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/grelay/internal/blob"
	"github.com/nishisan-dev/grelay/internal/queue"
	"github.com/nishisan-dev/grelay/internal/stats"
	"github.com/nishisan-dev/grelay/internal/wire"
)

// SanitizeDestination turns a destination spec like "10.0.0.1:9000/tcp" into
// a filesystem-safe directory component. Unlike the teacher's
// validatePathComponent (which rejects untrusted input outright), the
// destination spec here comes from the relay's own parsed configuration, so
// sanitization transforms rather than refuses.
func SanitizeDestination(spec string) string {
	var b strings.Builder
	for _, r := range spec {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "unknown"
	}
	return out
}

// popTimeout bounds how long Writer.Run's loop blocks on an empty inbox
// between checks of the shutdown flag, the same polling-interval shape the
// destination worker uses for its own queue pop.
const popTimeout = 500 * time.Millisecond

// graceDrain bounds how long Run keeps draining the inbox after ctx is
// cancelled or Stop is called.
const graceDrain = 2 * time.Second

// Writer is the disk-spill writer: a thread of its own, paired one-to-one
// with a destination worker, draining its own inbox queue independently of
// the worker's send loop. Each blob is written using the wire package's
// framing so spilled files are replayable by any TCP sender.
type Writer struct {
	dir          string
	maxBytes     int64
	maxItems     int64
	compressFunc CompressFunc
	counters     *stats.Counters
	logger       *slog.Logger

	inbox *queue.Queue

	mu           sync.Mutex
	file         *os.File
	tmpPath      string
	bytesInFile  int64
	itemsInFile  int64
	openedAt     time.Time
	lastFilePath string

	stopOnce sync.Once
	stopped  chan struct{}
}

// CompressFunc compresses a closed spill file in place (renaming with a
// suffix), returning the final path. nil disables compression.
type CompressFunc func(path string) (string, error)

// NewWriter creates (if absent) fallback_root/<destination-sanitized>/ and
// returns a Writer bounded by maxBytes and maxItems per file, with an inbox
// of the given queue capacity. Call Run to start its draining goroutine.
func NewWriter(fallbackRoot, destinationSpec string, maxBytes, maxItems int64, queueCapacity int, compressFunc CompressFunc, counters *stats.Counters, logger *slog.Logger) (*Writer, error) {
	dir := filepath.Join(fallbackRoot, SanitizeDestination(destinationSpec))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("spill: creating directory %s: %w", dir, err)
	}
	if queueCapacity <= 0 {
		queueCapacity = 4096
	}
	return &Writer{
		dir:          dir,
		maxBytes:     maxBytes,
		maxItems:     maxItems,
		compressFunc: compressFunc,
		counters:     counters,
		logger:       logger,
		inbox:        queue.New(queueCapacity),
		stopped:      make(chan struct{}),
	}, nil
}

// Inbox returns the writer's own queue, the hand-off target for a stalled
// destination worker's Queue.DrainInto batch spill.
func (w *Writer) Inbox() *queue.Queue {
	return w.inbox
}

// Enqueue hands a single blob to the writer's inbox. full is true if the
// inbox was already at capacity, in which case the caller still owns the
// blob and must account it as dropped.
func (w *Writer) Enqueue(b *blob.Blob) (full bool) {
	ok, full := w.inbox.Push(b)
	return !ok && full
}

// QueueDepth reports the writer's own backlog, used by diagnostics to
// distinguish a worker that is merely slow from one that is spilling hard.
func (w *Writer) QueueDepth() int {
	return w.inbox.Len()
}

// Run drains the inbox until ctx is cancelled or Stop is called, writing
// each blob to disk and accounting the outcome. Once ctx is cancelled or Stop
// is called, it drains the inbox for at most graceDrain and returns.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drainRemaining()
			return
		case <-w.stopped:
			w.drainRemaining()
			return
		default:
		}

		b, empty, cancelled := w.inbox.Pop(popTimeout)
		if cancelled {
			return
		}
		if empty {
			continue
		}
		w.writeAndCount(b)
	}
}

// Stop signals Run to finish after a bounded grace-drain of whatever is
// still in the inbox, used when the paired destination worker is stopping
// and no more blobs will be enqueued.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})
}

// drainRemaining empties the inbox non-blockingly for up to graceDrain,
// so blobs handed off just before shutdown are not silently lost.
func (w *Writer) drainRemaining() {
	deadline := time.Now().Add(graceDrain)
	for time.Now().Before(deadline) {
		b, empty, _ := w.inbox.Pop(0)
		if empty {
			return
		}
		w.writeAndCount(b)
	}
}

func (w *Writer) writeAndCount(b *blob.Blob) {
	defer b.Release()
	if err := w.Write(b.Payload()); err != nil {
		w.counters.Inc(stats.DiskErrors, 1)
		w.counters.Inc(stats.Dropped, 1)
		w.logger.Error("spill write failed", "dir", w.dir, "error", err)
		return
	}
	w.counters.Inc(stats.Disk, 1)
	w.counters.Inc(stats.Spilled, 1)
}

// Write appends payload as one {LE length, payload} frame, rotating to a new
// file first if either limit would be crossed or none is open yet. Exported
// for direct use by tests and by the worker's drop-no-spill-writer path is
// not required here: production code always goes through Enqueue/Run.
func (w *Writer) Write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	framed := wire.Encode(payload)

	if w.file == nil || w.itemsInFile >= w.maxItems || w.bytesInFile+int64(len(framed)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(framed)
	if err != nil {
		return fmt.Errorf("spill: writing frame to %s: %w", w.tmpPath, err)
	}
	w.bytesInFile += int64(n)
	w.itemsInFile++
	return nil
}

// Rotate closes and renames the current file (if any) and immediately opens
// a new one. The cron-scheduled Rotator calls it for timestamp-boundary
// rotation; Write applies the same rotation for its size/count thresholds.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if w.file != nil {
		closingPath := w.tmpPath
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("spill: closing %s: %w", closingPath, err)
		}
		finalPath := strings.TrimSuffix(closingPath, ".tmp")
		if err := os.Rename(closingPath, finalPath); err != nil {
			return fmt.Errorf("spill: renaming %s to %s: %w", closingPath, finalPath, err)
		}
		w.lastFilePath = finalPath
		if w.compressFunc != nil {
			go func() {
				compressed, err := w.compressFunc(finalPath)
				if err != nil {
					w.logger.Warn("spill: background compression failed", "path", finalPath, "error", err)
					return
				}
				w.logger.Debug("spill: file compressed", "path", compressed)
			}()
		}
	}

	name := fmt.Sprintf("%s.%06d.tmp", time.Now().UTC().Format("20060102T150405.000000000"), os.Getpid()%1000000)
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("spill: opening %s: %w", path, err)
	}
	w.file = f
	w.tmpPath = path
	w.bytesInFile = 0
	w.itemsInFile = 0
	w.openedAt = time.Now()
	return nil
}

// LastFilePath returns the most recently rotated-out (final, non-.tmp) file
// path, for diagnostics.
func (w *Writer) LastFilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFilePath
}

// Close flushes and renames the current file, leaving the directory ready
// for a future Writer over the same destination.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	closingPath := w.tmpPath
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("spill: closing %s: %w", closingPath, err)
	}
	finalPath := strings.TrimSuffix(closingPath, ".tmp")
	if err := os.Rename(closingPath, finalPath); err != nil {
		return fmt.Errorf("spill: renaming %s to %s: %w", closingPath, finalPath, err)
	}
	w.lastFilePath = finalPath
	w.file = nil
	return nil
}

// ListSpillFiles returns the final (non-.tmp) spill files for a destination
// directory, sorted oldest-first by name (names are timestamp-prefixed so
// lexical order is chronological order).
func ListSpillFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spill: reading directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
