// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ratelimit implements the inbound packet-rate ceiling. The source
// relay declares a max_pps field in its configuration struct but never reads
// it anywhere in the ingest loop; this package gives it an actual effect,
// built on golang.org/x/time/rate the way the rest of the stack leans on the
// x/ subrepos for anything not worth hand-rolling.
package ratelimit

import "golang.org/x/time/rate"

// Limiter caps the rate of packets the listener accepts per second. A zero
// maxPPS disables limiting entirely (Allow always reports true), matching
// the "unset means unlimited" convention the rest of the configuration uses.
type Limiter struct {
	limiter *rate.Limiter
	enabled bool
}

// New builds a Limiter allowing up to maxPPS packets per second, with a
// burst large enough to absorb one tick's worth of arrival jitter.
func New(maxPPS int) *Limiter {
	if maxPPS <= 0 {
		return &Limiter{enabled: false}
	}
	burst := maxPPS / 10
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(maxPPS), burst),
		enabled: true,
	}
}

// Allow reports whether one more packet may be admitted right now. Callers
// that get false should count it as dropped rather than block.
func (l *Limiter) Allow() bool {
	if !l.enabled {
		return true
	}
	return l.limiter.Allow()
}

// Enabled reports whether this Limiter actually enforces a ceiling.
func (l *Limiter) Enabled() bool {
	return l.enabled
}
