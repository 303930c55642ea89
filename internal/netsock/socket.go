// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package netsock is the wire endpoint abstraction: parsing a destination or
// listener spec of the form "host:port" or "host:port/proto", and opening
// UDP/TCP sockets with the kernel buffer sizes and reuse options the relay
// needs. The raw-syscall sockopt plumbing follows the same
// SyscallConn().Control() pattern the teacher uses in
// internal/agent/dscp.go to set IP_TOS.
package netsock

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Proto identifies the transport a Spec addresses.
type Proto string

const (
	UDP Proto = "udp"
	TCP Proto = "tcp"
)

// Spec is a parsed "host:port" or "host:port/proto" address.
type Spec struct {
	Host  string
	Port  int
	Proto Proto
}

// Addr returns the host:port form suitable for net.Dial/net.Listen.
func (s Spec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Spec) String() string {
	return fmt.Sprintf("%s/%s", s.Addr(), s.Proto)
}

// ParseSpec parses "host:port" (defaulting to defaultProto) or
// "host:port/proto".
func ParseSpec(raw string, defaultProto Proto) (Spec, error) {
	proto := defaultProto
	hostport := raw
	if idx := strings.LastIndex(raw, "/"); idx != -1 {
		hostport = raw[:idx]
		switch strings.ToLower(raw[idx+1:]) {
		case "udp":
			proto = UDP
		case "tcp":
			proto = TCP
		default:
			return Spec{}, fmt.Errorf("netsock: unknown protocol %q in spec %q", raw[idx+1:], raw)
		}
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Spec{}, fmt.Errorf("netsock: parsing %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Spec{}, fmt.Errorf("netsock: invalid port in %q: %w", raw, err)
	}
	return Spec{Host: host, Port: port, Proto: proto}, nil
}

// OpenFlags configures how a listener socket is opened. They correspond
// directly to the source's DO_BIND|DO_REUSEADDR|DO_EPOLLFD flag enum.
type OpenFlags struct {
	ReuseAddr bool
	ReusePort bool
	RcvBuf    int // requested kernel receive buffer size, 0 = OS default
	SndBuf    int // requested kernel send buffer size, 0 = OS default
}

// sockoptControl builds a net.ListenConfig.Control function that applies
// SO_REUSEADDR/SO_REUSEPORT and the requested buffer sizes before bind().
func sockoptControl(flags OpenFlags) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sysErr error
		err := c.Control(func(fd uintptr) {
			if flags.ReuseAddr {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
					sysErr = e
					return
				}
			}
			if flags.ReusePort {
				// SO_REUSEPORT shares the numeric constant across Linux archs;
				// best-effort, ignored on platforms without it.
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 0x0F, 1)
			}
			if flags.RcvBuf > 0 {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, flags.RcvBuf); e != nil {
					sysErr = e
					return
				}
			}
			if flags.SndBuf > 0 {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, flags.SndBuf); e != nil {
					sysErr = e
					return
				}
			}
		})
		if err != nil {
			return fmt.Errorf("control fd for sockopts: %w", err)
		}
		return sysErr
	}
}

// OpenListenerUDP binds a UDP socket for inbound ingest.
func OpenListenerUDP(spec Spec, flags OpenFlags) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: sockoptControl(flags)}
	pc, err := lc.ListenPacket(context.Background(), "udp", spec.Addr())
	if err != nil {
		return nil, fmt.Errorf("netsock: opening UDP listener %s: %w", spec, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("netsock: unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// OpenListenerTCP binds a TCP listener for inbound framed-stream ingest.
func OpenListenerTCP(spec Spec, flags OpenFlags) (*net.TCPListener, error) {
	lc := net.ListenConfig{Control: sockoptControl(flags)}
	l, err := lc.Listen(context.Background(), "tcp", spec.Addr())
	if err != nil {
		return nil, fmt.Errorf("netsock: opening TCP listener %s: %w", spec, err)
	}
	tl, ok := l.(*net.TCPListener)
	if !ok {
		l.Close()
		return nil, fmt.Errorf("netsock: unexpected listener type %T", l)
	}
	return tl, nil
}

// Dial opens an outbound connection to a destination spec, used by
// destination workers to (re)connect. For UDP this never touches the
// network (UDP dial just binds a local socket and remembers the peer
// address); for TCP it performs a real three-way handshake bounded by
// timeout.
func Dial(ctx context.Context, spec Spec, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, string(spec.Proto), spec.Addr())
	if err != nil {
		return nil, fmt.Errorf("netsock: dialing %s: %w", spec, err)
	}
	return conn, nil
}

// SetSendBuffer applies SO_SNDBUF to an already-open outbound connection, for
// destinations whose kernel default is too small for the configured spill
// threshold. Not all conn types expose a raw fd (only *net.TCPConn and
// *net.UDPConn do); other types are left untouched.
func SetSendBuffer(conn net.Conn, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	type syscallConner interface {
		SyscallConn() (syscall.RawConn, error)
	}
	sc, ok := conn.(syscallConner)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("netsock: raw conn for sndbuf: %w", err)
	}
	var sysErr error
	if err := raw.Control(func(fd uintptr) {
		sysErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, bytes)
	}); err != nil {
		return fmt.Errorf("netsock: control fd for sndbuf: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("netsock: setsockopt SO_SNDBUF=%d: %w", bytes, sysErr)
	}
	return nil
}
