// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewWorkerLogger to write simultaneously to the global
// handler and a destination worker's dedicated spill-activity log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// write failures on the worker file must never block global logging
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewWorkerLogger builds a logger that writes both to the base (global)
// logger and to a dedicated file for one destination worker, at:
//
//	{workerLogDir}/{destination-sanitized}.log
//
// Returns the enriched logger, an io.Closer for the dedicated file, and the
// file's absolute path. The Closer must be closed when the worker stops.
//
// If workerLogDir is empty, returns the base logger unmodified (no-op).
func NewWorkerLogger(baseLogger *slog.Logger, workerLogDir, destination string) (*slog.Logger, io.Closer, string, error) {
	if workerLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(workerLogDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating worker log directory %s: %w", workerLogDir, err)
	}

	logPath := filepath.Join(workerLogDir, destination+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening worker log file %s: %w", logPath, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveWorkerLog removes a destination's dedicated log file, used when a
// destination is permanently removed by a reload.
func RemoveWorkerLog(workerLogDir, destination string) {
	if workerLogDir == "" {
		return
	}
	os.Remove(filepath.Join(workerLogDir, destination+".log"))
}
