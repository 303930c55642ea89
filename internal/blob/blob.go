// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package blob implements the reference-counted payload buffer shared between
// the listener and every destination worker it fans a packet out to.
package blob

import (
	"errors"
	"sync/atomic"
)

// MaxChunkSize is the upper bound on any single blob payload, matching the
// conventional UDP datagram ceiling used throughout the wire formats.
const MaxChunkSize = 64 * 1024

// ErrOversized is returned by New when the payload exceeds MaxChunkSize.
var ErrOversized = errors.New("blob: payload exceeds MaxChunkSize")

var nextID atomic.Uint64

// Blob is an opaque, reference-counted payload handle. Payload bytes are
// immutable once New returns, so Payload() is safe to read from any number
// of goroutines without additional locking; only the refcount is mutated.
type Blob struct {
	id      uint64
	payload []byte
	refs    atomic.Int64
}

// New allocates a Blob wrapping payload. The slice is taken by reference, not
// copied; callers must not mutate it after handing the Blob off. Refcount
// starts at zero — the caller seeds it (via SetRefs) before fan-out.
func New(payload []byte) (*Blob, error) {
	if len(payload) == 0 {
		return nil, errors.New("blob: zero-length payload")
	}
	if len(payload) > MaxChunkSize {
		return nil, ErrOversized
	}
	return &Blob{
		id:      nextID.Add(1),
		payload: payload,
	}, nil
}

// ID returns the blob's monotonically assigned identifier, useful for tracing.
func (b *Blob) ID() uint64 { return b.id }

// Payload returns the blob's bytes. Safe for concurrent reads.
func (b *Blob) Payload() []byte { return b.payload }

// Size returns the payload length in bytes.
func (b *Blob) Size() int { return len(b.payload) }

// SetRefs seeds the refcount before fan-out begins. It must be called exactly
// once, before the blob is exposed to any worker queue.
func (b *Blob) SetRefs(n int) { b.refs.Store(int64(n)) }

// AddRef increments the refcount. Used when a blob gains an additional
// consumer after creation (none in the current fan-out path, but kept for
// symmetry with the source's addref/release pair).
func (b *Blob) AddRef() { b.refs.Add(1) }

// Release decrements the refcount. A blob that fails to enqueue still has
// its reference released exactly once, the same as one that is dequeued and
// disposed of normally. Go's garbage collector reclaims the backing array
// once the last handle drops; Release's job is purely bookkeeping so that
// refcount-leak and double-release bugs are detectable.
//
// Release panics if the refcount would go negative — that indicates a
// double-release, which is always a caller bug.
func (b *Blob) Release() int64 {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("blob: released more times than referenced")
	}
	return n
}

// Refs returns the current refcount, for diagnostics and tests.
func (b *Blob) Refs() int64 { return b.refs.Load() }
