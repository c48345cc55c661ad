// call_tracker.go: in-flight handler tracking and graceful draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// callTracker counts handler calls an endpoint is executing so Stop can wait
// for them before closing peers.
type callTracker struct {
	metrics MetricsCollector

	mu      sync.Mutex
	active  map[string]int64
	cancels map[uint64]context.CancelFunc
	nextID  uint64
}

func newCallTracker(metrics MetricsCollector) *callTracker {
	return &callTracker{
		metrics: metrics,
		active:  make(map[string]int64),
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// start records a call of method; cancel aborts it on a forced drain.
func (t *callTracker) start(method string, cancel context.CancelFunc) uint64 {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.active[method]++
	t.cancels[id] = cancel
	n := t.active[method]
	t.mu.Unlock()

	t.metrics.SetGauge("albatross_rpc_active_calls", map[string]string{"method": method}, float64(n))
	return id
}

func (t *callTracker) end(id uint64, method string) {
	t.mu.Lock()
	delete(t.cancels, id)
	t.active[method]--
	n := t.active[method]
	if n <= 0 {
		delete(t.active, method)
	}
	t.mu.Unlock()

	t.metrics.SetGauge("albatross_rpc_active_calls", map[string]string{"method": method}, float64(n))
}

// count returns the calls in flight across all methods.
func (t *callTracker) count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, c := range t.active {
		n += c
	}
	return n
}

// byMethod returns the calls in flight per method.
func (t *callTracker) byMethod() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.active))
	for m, c := range t.active {
		out[m] = c
	}
	return out
}

// waitForDrain polls until no call is in flight or timeout elapses.
func (t *callTracker) waitForDrain(timeout time.Duration) bool {
	if t.count() == 0 {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return t.count() == 0
		case <-ticker.C:
			if t.count() == 0 {
				return true
			}
		}
	}
}

// forceCancel cancels the context of every call still in flight.
func (t *callTracker) forceCancel() int {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.cancels))
	for _, c := range t.cancels {
		cancels = append(cancels, c)
	}
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// drain waits up to timeout, then cancels whatever is left.
func (t *callTracker) drain(endpoint string, timeout time.Duration) error {
	start := time.Now()
	if t.waitForDrain(timeout) {
		return nil
	}
	remaining := t.count()
	return &DrainTimeoutError{
		Endpoint:       endpoint,
		RemainingCalls: remaining,
		CanceledCalls:  t.forceCancel(),
		DrainDuration:  time.Since(start),
	}
}

// DrainTimeoutError reports handler calls still running when an endpoint
// stopped. They were canceled.
type DrainTimeoutError struct {
	Endpoint       string
	RemainingCalls int64
	CanceledCalls  int
	DrainDuration  time.Duration
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("drain timeout for endpoint %s: %d calls still active after %v, %d canceled",
		e.Endpoint, e.RemainingCalls, e.DrainDuration, e.CanceledCalls)
}
