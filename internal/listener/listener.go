// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package listener implements the single inbound socket: a UDP blocking-recv
// loop or a TCP accept loop with one framing goroutine per connection. Each
// decoded packet becomes a Blob and is fanned out through a Pool. The accept
// loop's backoff-on-consecutive-errors shape follows the teacher's
// internal/server/server.go Run, substituted for that file's poll()-based
// manual client-array bookkeeping in the source relay — Go's goroutine
// scheduler makes the one-thread-per-client model the idiomatic fit, not the
// epoll loop the C source needed to avoid a thread per connection.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/grelay/internal/blob"
	"github.com/nishisan-dev/grelay/internal/netsock"
	"github.com/nishisan-dev/grelay/internal/pool"
	"github.com/nishisan-dev/grelay/internal/ratelimit"
	"github.com/nishisan-dev/grelay/internal/stats"
	"github.com/nishisan-dev/grelay/internal/wire"
)

// readBufSize bounds one read's worth of UDP payload or one TCP framing
// buffer's growth increment.
const readBufSize = 64*1024 + 4

// Listener owns the single inbound socket and fans every decoded packet out
// through pool.
type Listener struct {
	spec     netsock.Spec
	flags    netsock.OpenFlags
	pool     *pool.Pool
	limiter  *ratelimit.Limiter
	counters *stats.Counters
	logger   *slog.Logger

	udpConn *net.UDPConn
	tcpLn   *net.TCPListener
}

// New builds a Listener bound to spec; it does not open the socket yet.
func New(spec netsock.Spec, flags netsock.OpenFlags, p *pool.Pool, limiter *ratelimit.Limiter, counters *stats.Counters, logger *slog.Logger) *Listener {
	return &Listener{spec: spec, flags: flags, pool: p, limiter: limiter, counters: counters, logger: logger}
}

// Open binds the listening socket, before any worker pool is constructed —
// the same ordering the source relay uses in setup_listener, so a failed
// bind never leaves worker goroutines to clean up.
func (l *Listener) Open() error {
	switch l.spec.Proto {
	case netsock.UDP:
		conn, err := netsock.OpenListenerUDP(l.spec, l.flags)
		if err != nil {
			return err
		}
		l.udpConn = conn
	case netsock.TCP:
		ln, err := netsock.OpenListenerTCP(l.spec, l.flags)
		if err != nil {
			return err
		}
		l.tcpLn = ln
	default:
		return fmt.Errorf("listener: unsupported protocol %q", l.spec.Proto)
	}
	l.logger.Info("listener bound", "address", l.spec.String())
	return nil
}

// Close tears down the bound socket. Safe to call after Open failed.
func (l *Listener) Close() error {
	if l.udpConn != nil {
		return l.udpConn.Close()
	}
	if l.tcpLn != nil {
		return l.tcpLn.Close()
	}
	return nil
}

// Serve runs the accept/recv loop until ctx is cancelled or the socket is
// closed by a concurrent Close.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	if l.udpConn != nil {
		return l.serveUDP(ctx)
	}
	return l.serveTCP(ctx)
}

func (l *Listener) serveUDP(ctx context.Context) error {
	buf := make([]byte, readBufSize)
	for {
		n, _, err := l.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("listener: udp read: %w", err)
			}
		}
		if n == 0 {
			// zero-byte datagrams are silently dropped, not counted
			continue
		}
		l.ingest(buf[:n])
	}
}

func (l *Listener) serveTCP(ctx context.Context) error {
	consecutiveErrors := 0
	for {
		conn, err := l.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				l.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
				continue
			}
		}
		consecutiveErrors = 0
		l.counters.Inc(stats.TCPConnections, 1)
		go l.handleTCPConn(ctx, conn)
	}
}

// handleTCPConn runs one connection's framing loop, mirroring the source
// relay's try_to_consume_one_more: it grows the read buffer as data
// arrives, extracts as many complete frames as are buffered, and resyncs
// (rather than disconnecting) on an oversized, corrupt length prefix.
func (l *Listener) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer l.counters.Dec(stats.TCPConnections, 1)

	buf := make([]byte, readBufSize)
	pos := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if pos == len(buf) {
			// header claims more than one full buffer's worth isn't possible
			// (MaxChunkSize is enforced by TryExtract before this point is
			// reached), but a slow trickle of exactly-full reads can still
			// land here; grow to make room.
			grown := make([]byte, len(buf)*2)
			copy(grown, buf[:pos])
			buf = grown
		}

		n, err := conn.Read(buf[pos:])
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		pos += n

		for {
			payload, residual, needMore, corrupt := wire.TryExtract(buf, pos)
			if needMore {
				if pos > 0 {
					l.counters.Inc(stats.Partial, 1)
				}
				break
			}
			if corrupt {
				l.logger.Warn("resyncing corrupt tcp frame", "remote", conn.RemoteAddr())
				pos = 0
				break
			}
			if len(payload) == 0 {
				// zero-length frame: silently dropped, not counted
			} else {
				l.ingest(payload)
			}
			copy(buf, buf[pos-residual:pos])
			pos = residual
		}
	}
}

func (l *Listener) ingest(payload []byte) {
	l.counters.Inc(stats.Received, 1)

	if l.limiter != nil && !l.limiter.Allow() {
		l.counters.Inc(stats.Dropped, 1)
		return
	}

	owned := make([]byte, len(payload))
	copy(owned, payload)

	b, err := blob.New(owned)
	if err != nil {
		l.counters.Inc(stats.Errors, 1)
		return
	}

	if n := l.pool.FanOut(b); n == 0 {
		// no destinations configured: blob was never handed to a worker,
		// so its seeded refcount must still be brought to zero here
		b.SetRefs(1)
		b.Release()
	}
}
