// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/nishisan-dev/grelay/internal/blob"
	"github.com/nishisan-dev/grelay/internal/netsock"
	"github.com/nishisan-dev/grelay/internal/spill"
	"github.com/nishisan-dev/grelay/internal/stats"
	"github.com/nishisan-dev/grelay/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustBlob(t *testing.T, payload []byte) *blob.Blob {
	t.Helper()
	b, err := blob.New(payload)
	if err != nil {
		t.Fatal(err)
	}
	b.SetRefs(1)
	return b
}

func TestWorkerSendsOverTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		received <- payload
	}()

	spec, _ := netsock.ParseSpec(l.Addr().String()+"/tcp", netsock.TCP)
	cfg := DefaultConfig(spec)
	counters := stats.New()
	w := New(cfg, nil, counters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(mustBlob(t, []byte("hello-tcp")))

	select {
	case got := <-received:
		if string(got) != "hello-tcp" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for destination to receive frame")
	}

	w.Stop()
	if counters.Read(stats.Sent) != 1 {
		t.Fatalf("Sent counter = %d, want 1", counters.Read(stats.Sent))
	}
}

func TestWorkerSendsOverUDP(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	spec, _ := netsock.ParseSpec(conn.LocalAddr().String(), netsock.UDP)
	cfg := DefaultConfig(spec)
	counters := stats.New()
	w := New(cfg, nil, counters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(mustBlob(t, []byte("hello-udp")))

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello-udp" {
		t.Fatalf("got %q", buf[:n])
	}
	w.Stop()
}

func TestWorkerSpillsOnSendFailure(t *testing.T) {
	spec, _ := netsock.ParseSpec("127.0.0.1:1/tcp", netsock.TCP) // nothing listens on port 1
	cfg := DefaultConfig(spec)
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.PopTimeout = 30 * time.Millisecond
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.SpillUsec = 50 * time.Millisecond
	cfg.SpillBatchMax = 16

	dir := t.TempDir()
	counters := stats.New()
	sw, err := spill.NewWriter(dir, spec.String(), 1<<20, 1<<20, 0, nil, counters, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	w := New(cfg, sw, counters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)
	go w.Run(ctx)

	w.Enqueue(mustBlob(t, []byte("spill-me")))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counters.Read(stats.Disk) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	w.Stop()
	sw.Stop()
	sw.Close()

	if counters.Read(stats.Disk) == 0 {
		t.Fatal("expected at least one spilled blob")
	}
}

func TestWorkerRetriesInPlaceBeforeSpillUsec(t *testing.T) {
	spec, _ := netsock.ParseSpec("127.0.0.1:1/tcp", netsock.TCP) // nothing listens on port 1
	cfg := DefaultConfig(spec)
	cfg.DialTimeout = 20 * time.Millisecond
	cfg.PopTimeout = 20 * time.Millisecond
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.SpillUsec = 2 * time.Second // long grace period relative to the test window below

	dir := t.TempDir()
	counters := stats.New()
	sw, err := spill.NewWriter(dir, spec.String(), 1<<20, 1<<20, 0, nil, counters, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	w := New(cfg, sw, counters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)
	go w.Run(ctx)

	w.Enqueue(mustBlob(t, []byte("retry-me")))

	// the same blob should keep failing in place, not spill, for as long
	// as its age stays under SpillUsec
	time.Sleep(300 * time.Millisecond)
	if counters.Read(stats.Disk) != 0 {
		t.Fatalf("expected no spill before SpillUsec elapses, Disk = %d", counters.Read(stats.Disk))
	}

	w.Stop()
	sw.Stop()
	sw.Close()
}

func TestWorkerDropsWhenNoSpillWriterConfigured(t *testing.T) {
	spec, _ := netsock.ParseSpec("127.0.0.1:1/tcp", netsock.TCP)
	cfg := DefaultConfig(spec)
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.PopTimeout = 30 * time.Millisecond
	cfg.SpillUsec = 50 * time.Millisecond

	counters := stats.New()
	w := New(cfg, nil, counters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(mustBlob(t, []byte("dropped")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counters.Read(stats.Dropped) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	w.Stop()

	if counters.Read(stats.Dropped) == 0 {
		t.Fatal("expected blob to be counted as dropped")
	}
}

func TestEnqueueSpillsWhenQueueFull(t *testing.T) {
	spec, _ := netsock.ParseSpec("127.0.0.1:1/tcp", netsock.TCP)
	cfg := DefaultConfig(spec)
	cfg.QueueCapacity = 1

	dir := t.TempDir()
	counters := stats.New()
	sw, err := spill.NewWriter(dir, spec.String(), 1<<20, 1<<20, 0, nil, counters, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	w := New(cfg, sw, counters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	w.Enqueue(mustBlob(t, []byte("first")))
	full := w.Enqueue(mustBlob(t, []byte("second")))
	if !full {
		t.Fatal("expected second enqueue to report full")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counters.Read(stats.Disk) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	sw.Stop()
	sw.Close()

	if counters.Read(stats.Disk) != 1 {
		t.Fatalf("Disk = %d, want 1", counters.Read(stats.Disk))
	}
}
