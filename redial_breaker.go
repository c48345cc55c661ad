// redial_breaker.go: circuit breaker gating client reconnection attempts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// BreakerState is the state of a RedialBreaker.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a RedialBreaker.
type BreakerConfig struct {
	// FailureThreshold consecutive dial failures open the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long an open breaker rejects dials.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// SuccessThreshold successful probes close a half-open breaker.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
}

// RedialBreaker stops a client from hammering an endpoint that is down.
// After FailureThreshold failed dials it rejects attempts for
// RecoveryTimeout, then lets probes through until SuccessThreshold succeed.
type RedialBreaker struct {
	config BreakerConfig

	state       atomic.Int32
	failures    atomic.Int64
	successes   atomic.Int64
	probes      atomic.Int64
	lastFailure atomic.Int64

	mu sync.Mutex
}

// NewRedialBreaker creates a closed breaker.
func NewRedialBreaker(config BreakerConfig) *RedialBreaker {
	config.applyDefaults()
	b := &RedialBreaker{config: config}
	b.state.Store(int32(BreakerClosed))
	return b
}

// Allow reports whether a dial may be attempted now.
func (b *RedialBreaker) Allow() bool {
	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if !b.recoveryElapsed() {
			return false
		}
		b.mu.Lock()
		if BreakerState(b.state.Load()) == BreakerOpen && b.recoveryElapsed() {
			b.state.Store(int32(BreakerHalfOpen))
			b.resetCounters()
		}
		b.mu.Unlock()
		return b.admitProbe()
	case BreakerHalfOpen:
		return b.admitProbe()
	}
	return false
}

func (b *RedialBreaker) admitProbe() bool {
	if BreakerState(b.state.Load()) != BreakerHalfOpen {
		return BreakerState(b.state.Load()) == BreakerClosed
	}
	return b.probes.Add(1) <= int64(b.config.SuccessThreshold)
}

// RecordSuccess records a successful dial.
func (b *RedialBreaker) RecordSuccess() {
	b.successes.Add(1)
	b.failures.Store(0)
	if BreakerState(b.state.Load()) != BreakerHalfOpen {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successes.Load() >= int64(b.config.SuccessThreshold) {
		b.state.Store(int32(BreakerClosed))
		b.resetCounters()
	}
}

// RecordFailure records a failed dial; a half-open breaker reopens at once.
func (b *RedialBreaker) RecordFailure() {
	n := b.failures.Add(1)
	b.lastFailure.Store(timecache.CachedTimeNano())

	b.mu.Lock()
	defer b.mu.Unlock()
	switch BreakerState(b.state.Load()) {
	case BreakerHalfOpen:
		b.state.Store(int32(BreakerOpen))
	case BreakerClosed:
		if n >= int64(b.config.FailureThreshold) {
			b.state.Store(int32(BreakerOpen))
		}
	}
}

// State returns the current state.
func (b *RedialBreaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Reset closes the breaker and clears its counters.
func (b *RedialBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Store(int32(BreakerClosed))
	b.resetCounters()
}

func (b *RedialBreaker) recoveryElapsed() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= b.config.RecoveryTimeout
}

// resetCounters is called with mu held.
func (b *RedialBreaker) resetCounters() {
	b.failures.Store(0)
	b.successes.Store(0)
	b.probes.Store(0)
}
