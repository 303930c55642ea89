// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/nishisan-dev/grelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestRunForwardsPacketsAndStopsOnCancel(t *testing.T) {
	dest, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer dest.Close()

	listenAddr := freeUDPAddr(t)

	cfg := &config.RelayConfig{
		Listen:       listenAddr + "/udp",
		Destinations: []string{dest.LocalAddr().String() + "/udp"},
		Worker: config.RelayWorkerConfig{
			QueueCapacity: 64,
			DialTimeout:   time.Second,
			SendTimeout:   time.Second,
			BackoffMin:    10 * time.Millisecond,
			BackoffMax:    100 * time.Millisecond,
			SpillUsec:     time.Second,
			SpillBatchMax: 16,
		},
		Spill: config.RelaySpillConfig{
			FallbackRoot:     t.TempDir(),
			MaxFileBytesRaw:  1 << 20,
			MaxFileItems:     1000,
			RotationSchedule: "@hourly",
			Compression:      "none",
		},
		Metrics: config.RelayMetricsConfig{
			Interval: time.Hour,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "", cfg, testLogger())
	}()

	// give the listener goroutine time to bind before sending
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("udp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("hello relay")); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	dest.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, _, err := dest.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("destination did not receive forwarded packet: %v", err)
	}
	if string(buf[:n]) != "hello relay" {
		t.Fatalf("unexpected payload: %q", buf[:n])
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunFailsOnInvalidListenAddress(t *testing.T) {
	cfg := &config.RelayConfig{
		Listen:       "not-an-address",
		Destinations: []string{"127.0.0.1:9999/udp"},
		Spill: config.RelaySpillConfig{
			FallbackRoot:     t.TempDir(),
			MaxFileBytesRaw:  1 << 20,
			MaxFileItems:     1000,
			RotationSchedule: "@hourly",
		},
		Metrics: config.RelayMetricsConfig{Interval: time.Hour},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := Run(ctx, "", cfg, testLogger()); err == nil {
		t.Fatal("expected error for invalid listen address")
	}
}
