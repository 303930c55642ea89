// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package relay wires every component together into the supervisor: it
// opens the inbound socket, builds the destination worker pool, starts the
// metrics emitter, and drives the signal-triggered reload/shutdown sequence.
// The signal loop's SIGHUP-reloads-without-downtime, SIGTERM/SIGINT-drains
// shape follows the teacher's agent.RunDaemon almost exactly. A reload sets
// the reload bit, re-reads the config file, applies only its destination
// list to the worker pool, then clears the bit; the listener is not stopped
// or rebuilt, and other changed settings take effect only on restart.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nishisan-dev/grelay/internal/archive"
	"github.com/nishisan-dev/grelay/internal/config"
	"github.com/nishisan-dev/grelay/internal/control"
	"github.com/nishisan-dev/grelay/internal/hoststats"
	"github.com/nishisan-dev/grelay/internal/listener"
	"github.com/nishisan-dev/grelay/internal/metricsemit"
	"github.com/nishisan-dev/grelay/internal/netsock"
	"github.com/nishisan-dev/grelay/internal/pool"
	"github.com/nishisan-dev/grelay/internal/ratelimit"
	"github.com/nishisan-dev/grelay/internal/spill"
	"github.com/nishisan-dev/grelay/internal/stats"
)

// shutdownGrace bounds how long Run waits for the listener and metrics
// emitter goroutines to return after a stop signal, mirroring the source
// relay's final_shutdown sleep(1) grace period — a bounded WaitGroup.Wait
// takes its place here. The worker pool's own shutdown that follows is not
// bounded by it.
const shutdownGrace = 5 * time.Second

// Run builds every component from cfg and blocks until ctx is cancelled or a
// terminating signal (SIGTERM/SIGINT) arrives. SIGHUP reloads the
// destination list from configPath without downtime.
func Run(ctx context.Context, configPath string, cfg *config.RelayConfig, logger *slog.Logger) error {
	ctrl := control.New()
	counters := stats.New()

	uploader, err := archive.New(ctx, archive.Config{
		Bucket:    cfg.Archive.Bucket,
		KeyPrefix: cfg.Archive.KeyPrefix,
		Region:    cfg.Archive.Region,
	})
	if err != nil {
		return fmt.Errorf("relay: building archive uploader: %w", err)
	}

	rotator, err := spill.NewRotator(cfg.Spill.RotationSchedule, logger)
	if err != nil {
		return fmt.Errorf("relay: building spill rotator: %w", err)
	}

	spillFactory := newSpillFactory(cfg, rotator, uploader, counters, logger)
	p := pool.New(spillFactory, cfg.Worker, counters, logger)

	limiter := ratelimit.New(cfg.RateLimit.MaxPPS)

	listenSpec, err := netsock.ParseSpec(cfg.Listen, netsock.UDP)
	if err != nil {
		return fmt.Errorf("relay: parsing listen address: %w", err)
	}
	flags := netsock.OpenFlags{
		ReuseAddr: cfg.Socket.ReuseAddr,
		ReusePort: cfg.Socket.ReusePort,
		RcvBuf:    int(cfg.Socket.RcvBufRaw),
		SndBuf:    int(cfg.Socket.SndBufRaw),
	}
	ln := listener.New(listenSpec, flags, p, limiter, counters, logger)

	// bind before the worker pool is populated: a failed bind must never
	// leave destination worker goroutines to clean up
	if err := ln.Open(); err != nil {
		return fmt.Errorf("relay: opening listener: %w", err)
	}

	destinations, err := parseDestinations(cfg.Destinations)
	if err != nil {
		ln.Close()
		return fmt.Errorf("relay: parsing destinations: %w", err)
	}
	if err := p.Reload(destinations); err != nil {
		ln.Close()
		return fmt.Errorf("relay: starting destination workers: %w", err)
	}

	rotator.Start()
	defer rotator.Stop()

	var sampler *hoststats.Sampler
	if cfg.Metrics.HostSamplerRaw > 0 {
		sampler = hoststats.New(cfg.Spill.FallbackRoot, cfg.Metrics.HostSamplerRaw, logger)
		sampler.Start()
		defer sampler.Stop()
	}

	emitter := metricsemit.New(cfg.Metrics.Interval, counters, p, sampler, ctrl, logger)

	var wg sync.WaitGroup
	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ln.Serve(serveCtx); err != nil {
			logger.Error("listener stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		emitter.Run(serveCtx)
	}()

	ctrl.TransitionToRunning()
	logger.Info("relay running", "listen", listenSpec.String(), "destinations", len(destinations))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ctrl.Shutdown()
			return shutdown(&wg, serveCancel, ln, p, logger)

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				handleReload(configPath, ctrl, p, logger)
			default:
				logger.Info("received signal, shutting down", "signal", sig)
				ctrl.Shutdown()
				return shutdown(&wg, serveCancel, ln, p, logger)
			}

		case <-ticker.C:
			logger.Debug("relay heartbeat", "snapshot", counters.Snapshot())
		}
	}
}

func handleReload(configPath string, ctrl *control.Word, p *pool.Pool, logger *slog.Logger) {
	logger.Info("received SIGHUP, reloading destinations", "path", configPath)
	ctrl.BeginReload()
	defer ctrl.EndReload()

	newCfg, err := config.LoadRelayConfig(configPath)
	if err != nil {
		logger.Error("reload failed, keeping current destinations", "error", err)
		return
	}

	destinations, err := parseDestinations(newCfg.Destinations)
	if err != nil {
		logger.Error("reload failed, invalid destination list", "error", err)
		return
	}

	if err := p.Reload(destinations); err != nil {
		logger.Error("reload failed applying new destination list", "error", err)
		return
	}

	logger.Info("destinations reloaded", "count", len(destinations))
}

func shutdown(wg *sync.WaitGroup, cancelServe context.CancelFunc, ln *listener.Listener, p *pool.Pool, logger *slog.Logger) error {
	// listener goes first so no new packets enter while workers quiesce
	ln.Close()
	cancelServe()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("listener/emitter goroutines did not stop within grace period")
	}

	p.Shutdown()
	logger.Info("relay shutdown complete")
	return nil
}

func parseDestinations(raw []string) ([]netsock.Spec, error) {
	specs := make([]netsock.Spec, 0, len(raw))
	for _, r := range raw {
		spec, err := netsock.ParseSpec(r, netsock.UDP)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", r, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newSpillFactory(cfg *config.RelayConfig, rotator *spill.Rotator, uploader *archive.Uploader, counters *stats.Counters, logger *slog.Logger) pool.SpillFactory {
	return func(dest netsock.Spec) (*spill.Writer, error) {
		var compressFn spill.CompressFunc
		switch cfg.Spill.Compression {
		case "gzip":
			compressFn = wrapWithArchive(spill.GzipCompress, uploader, dest, logger)
		case "zstd":
			compressFn = wrapWithArchive(spill.ZstdCompress, uploader, dest, logger)
		default:
			if uploader != nil {
				compressFn = wrapWithArchive(func(path string) (string, error) { return path, nil }, uploader, dest, logger)
			}
		}

		w, err := spill.NewWriter(cfg.Spill.FallbackRoot, dest.String(), cfg.Spill.MaxFileBytesRaw, cfg.Spill.MaxFileItems, cfg.Worker.QueueCapacity, compressFn, counters, logger)
		if err != nil {
			return nil, err
		}
		rotator.Register(dest.String(), w)
		return w, nil
	}
}

// wrapWithArchive composes a spill.CompressFunc with an optional S3 upload
// of the resulting file, so archival stays a decoration on compression
// rather than a third, independent pipeline stage.
func wrapWithArchive(inner spill.CompressFunc, uploader *archive.Uploader, dest netsock.Spec, logger *slog.Logger) spill.CompressFunc {
	return func(path string) (string, error) {
		finalPath, err := inner(path)
		if err != nil {
			return "", err
		}
		if uploader == nil {
			return finalPath, nil
		}
		if err := uploader.Upload(context.Background(), dest.String(), finalPath); err != nil {
			logger.Warn("archive upload failed", "destination", dest.String(), "path", finalPath, "error", err)
		}
		return finalPath, nil
	}
}
