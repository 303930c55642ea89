// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stats implements the relay's per-worker and global counters: plain
// atomic fields with an advisory, non-transactional snapshot — the same
// trade-off the source's stats_basic_counters_t makes (independent volatile
// fields, no cross-field lock) and the one chunkbuffer.Stats() in the
// teacher repo takes for its own accounting.
package stats

import "sync/atomic"

// Field names one counter for the generic Inc/Dec/Read API.
type Field int

const (
	Received Field = iota
	Sent
	Partial
	Spilled
	Dropped
	Errors
	Disk
	DiskErrors
	SendElapsedUsec
	TCPConnections // gauge, not monotonic
	numFields
)

// Counters holds one atomic word per Field. The zero value is ready to use.
type Counters struct {
	fields [numFields]atomic.Int64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// Inc adds n to field. n is typically 1 but batch operations (e.g.
// drain_into spilling K blobs at once) pass larger values.
func (c *Counters) Inc(f Field, n int64) {
	c.fields[f].Add(n)
}

// Dec subtracts n from field. Used only for the tcp_connections gauge.
func (c *Counters) Dec(f Field, n int64) {
	c.fields[f].Add(-n)
}

// Read returns the current value of field.
func (c *Counters) Read(f Field) int64 {
	return c.fields[f].Load()
}

// Snapshot is a point-in-time copy of every field. Fields are read
// independently of one another — the copy is advisory, not a consistent
// multi-field transaction, which is acceptable because every consumer
// (metrics emitter, status line, tests) treats it as an approximation.
type Snapshot struct {
	Received        int64
	Sent            int64
	Partial         int64
	Spilled         int64
	Dropped         int64
	Errors          int64
	Disk            int64
	DiskErrors      int64
	SendElapsedUsec int64
	TCPConnections  int64
}

// Snapshot returns a copy of every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Received:        c.Read(Received),
		Sent:            c.Read(Sent),
		Partial:         c.Read(Partial),
		Spilled:         c.Read(Spilled),
		Dropped:         c.Read(Dropped),
		Errors:          c.Read(Errors),
		Disk:            c.Read(Disk),
		DiskErrors:      c.Read(DiskErrors),
		SendElapsedUsec: c.Read(SendElapsedUsec),
		TCPConnections:  c.Read(TCPConnections),
	}
}

// Merge returns the field-wise sum of a and b.
func Merge(a, b Snapshot) Snapshot {
	return Snapshot{
		Received:        a.Received + b.Received,
		Sent:            a.Sent + b.Sent,
		Partial:         a.Partial + b.Partial,
		Spilled:         a.Spilled + b.Spilled,
		Dropped:         a.Dropped + b.Dropped,
		Errors:          a.Errors + b.Errors,
		Disk:            a.Disk + b.Disk,
		DiskErrors:      a.DiskErrors + b.DiskErrors,
		SendElapsedUsec: a.SendElapsedUsec + b.SendElapsedUsec,
		TCPConnections:  a.TCPConnections + b.TCPConnections,
	}
}
