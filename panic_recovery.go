// panic_recovery.go: panic containment for hook bodies, callbacks and peer goroutines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"runtime"
)

// RecoveryHandler receives a recovered panic value and its stack.
type RecoveryHandler func(recovered any, stack []byte)

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a function to be deferred that logs a panic with
// its stack and swallows it.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    ...
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			handler(r, captureStack())
		}
	}
}

// SafeGo runs fn in a new goroutine; a panic is logged instead of crashing the process.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// SafeGoWithHandler runs fn in a new goroutine and hands any panic to handler.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go func() {
		defer withCustomRecoveryHandler(handler)()
		fn()
	}()
}

// callGuarded runs fn on the calling goroutine and converts a panic into an
// error. Controller callbacks and hook bodies run on host threads, so a panic
// there must never unwind into the host.
func callGuarded(logger Logger, component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered",
				"component", component,
				"panic", r,
				"stack", string(captureStack()))
			err = fmt.Errorf("%s: panic: %v", component, r)
		}
	}()
	return fn()
}
