// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pool

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/nishisan-dev/grelay/internal/blob"
	"github.com/nishisan-dev/grelay/internal/config"
	"github.com/nishisan-dev/grelay/internal/netsock"
	"github.com/nishisan-dev/grelay/internal/spill"
	"github.com/nishisan-dev/grelay/internal/stats"
	"github.com/nishisan-dev/grelay/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noSpill(destination netsock.Spec) (*spill.Writer, error) { return nil, nil }

func testWorkerConfig() config.RelayWorkerConfig {
	return config.RelayWorkerConfig{
		QueueCapacity: 4096,
		DialTimeout:   2 * time.Second,
		SendTimeout:   time.Second,
		BackoffMin:    100 * time.Millisecond,
		BackoffMax:    10 * time.Second,
		SpillUsec:     5 * time.Second,
		SpillBatchMax: 256,
	}
}

func TestFanOutReachesAllDestinations(t *testing.T) {
	var addrs []net.Addr
	var received []chan []byte

	for i := 0; i < 3; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer l.Close()
		ch := make(chan []byte, 1)
		received = append(received, ch)
		addrs = append(addrs, l.Addr())
		go func(l net.Listener, ch chan []byte) {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			payload, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			ch <- payload
		}(l, ch)
	}

	counters := stats.New()
	p := New(noSpill, testWorkerConfig(), counters, testLogger())

	var specs []netsock.Spec
	for _, a := range addrs {
		spec, err := netsock.ParseSpec(a.String()+"/tcp", netsock.TCP)
		if err != nil {
			t.Fatal(err)
		}
		specs = append(specs, spec)
	}
	if err := p.Reload(specs); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	b, err := blob.New([]byte("fanout"))
	if err != nil {
		t.Fatal(err)
	}
	n := p.FanOut(b)
	if n != 3 {
		t.Fatalf("FanOut reached %d destinations, want 3", n)
	}

	for _, ch := range received {
		select {
		case got := <-ch:
			if string(got) != "fanout" {
				t.Fatalf("got %q", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a destination to receive the fanned-out blob")
		}
	}
}

func TestReloadKeepsUnchangedRemovesGone(t *testing.T) {
	counters := stats.New()
	p := New(noSpill, testWorkerConfig(), counters, testLogger())

	specA, _ := netsock.ParseSpec("127.0.0.1:1/tcp", netsock.TCP)
	specB, _ := netsock.ParseSpec("127.0.0.1:2/tcp", netsock.TCP)

	if err := p.Reload([]netsock.Spec{specA, specB}); err != nil {
		t.Fatal(err)
	}
	if len(p.Destinations()) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(p.Destinations()))
	}

	if err := p.Reload([]netsock.Spec{specA}); err != nil {
		t.Fatal(err)
	}
	dests := p.Destinations()
	if len(dests) != 1 {
		t.Fatalf("expected 1 destination after reload, got %d", len(dests))
	}
	if dests[0].String() != specA.String() {
		t.Fatalf("expected %s to survive reload, got %s", specA, dests[0])
	}
	p.Shutdown()
}

func TestFanOutWithNoDestinations(t *testing.T) {
	counters := stats.New()
	p := New(noSpill, testWorkerConfig(), counters, testLogger())
	b, err := blob.New([]byte("nobody-home"))
	if err != nil {
		t.Fatal(err)
	}
	if n := p.FanOut(b); n != 0 {
		t.Fatalf("FanOut with empty pool = %d, want 0", n)
	}
}
