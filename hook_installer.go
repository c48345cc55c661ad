// hook_installer.go: transactional hook installation over a patching capability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"sync"
)

// Entry is a callable entry point of the host runtime. Hook replacements and
// trampolines share this shape.
type Entry func(args ...any) (any, error)

// ConstructorMember marks a Target that designates a constructor.
const ConstructorMember = "<init>"

// Target identifies a hookable location: a type plus a member signature.
type Target struct {
	Type      string `json:"type" yaml:"type"`
	Member    string `json:"member" yaml:"member"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// MethodTarget builds a method target.
func MethodTarget(typeName, member, signature string) Target {
	return Target{Type: typeName, Member: member, Signature: signature}
}

// Constructor builds a constructor target.
func Constructor(typeName, signature string) Target {
	return Target{Type: typeName, Member: ConstructorMember, Signature: signature}
}

// IsConstructor reports whether t designates a constructor.
func (t Target) IsConstructor() bool {
	return t.Member == ConstructorMember
}

func (t Target) String() string {
	return fmt.Sprintf("%s.%s(%s)", t.Type, t.Member, t.Signature)
}

// Replacement builds the entry that runs in place of a target. It receives the
// trampoline to the pre-patch behavior so the body can call through to it.
// Installed replacements are built once per host call and should not keep
// state of their own.
type Replacement func(original Entry) Entry

// HookDeclaration is one statically declared hook.
type HookDeclaration struct {
	Target  Target
	Replace Replacement
	// Backup, when set, receives the trampoline once the hook is installed.
	Backup *Entry
	// Required makes a missing target type a failure rather than a skip.
	Required bool
}

// Patcher is the native patching capability. Install redirects target to the
// entry built by replacement and returns a trampoline to the original. Restore
// undoes the most recent install for target.
type Patcher interface {
	HasType(typeName string) bool
	Install(target Target, replacement Replacement) (Entry, error)
	Restore(target Target) error
}

// BatchResult details one InstallBatch pass.
type BatchResult struct {
	Installed int
	Skipped   int
	Failed    int
	Errors    []error
}

// TransactionReport summarizes a closed hook transaction.
type TransactionReport struct {
	Depth          int
	Installed      int
	Failed         int
	Success        bool
	RolledBack     int
	RollbackErrors []error
	Misuse         bool
}

type hookTransaction struct {
	installed []Target
	failed    int
}

// HookInstaller binds hook declarations through a Patcher. Only one
// transaction may be open at a time; nesting is reported as misuse and never
// queued.
type HookInstaller struct {
	patcher Patcher
	logger  Logger
	metrics MetricsCollector

	mu        sync.Mutex
	installed map[Target]Entry
	depth     int
	tx        *hookTransaction
}

// NewHookInstaller creates an installer over patcher.
func NewHookInstaller(patcher Patcher, logger any, metrics MetricsCollector) *HookInstaller {
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}
	return &HookInstaller{
		patcher:   patcher,
		logger:    NewLogger(logger).With("component", "hook_installer"),
		metrics:   metrics,
		installed: make(map[Target]Entry),
	}
}

// InstallBatch installs every declaration it can and returns how many were bound.
func (h *HookInstaller) InstallBatch(decls []HookDeclaration) int {
	return h.InstallBatchDetailed(decls).Installed
}

// InstallBatchDetailed is InstallBatch with a per-outcome breakdown. A failed
// declaration never aborts the rest of the batch.
func (h *HookInstaller) InstallBatchDetailed(decls []HookDeclaration) BatchResult {
	var res BatchResult
	for i := range decls {
		skipped, err := h.install(&decls[i])
		switch {
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, err)
		case skipped:
			res.Skipped++
		default:
			res.Installed++
		}
	}
	h.logger.Debug("Hook batch processed",
		"installed", res.Installed, "skipped", res.Skipped, "failed", res.Failed)
	return res
}

func (h *HookInstaller) install(decl *HookDeclaration) (skipped bool, err error) {
	target := decl.Target
	if decl.Replace == nil {
		err = NewInvalidDeclarationError("missing replacement for " + target.String())
		h.recordFailure(target, "invalid", err)
		return false, err
	}

	if !h.patcher.HasType(target.Type) {
		if !decl.Required {
			h.logger.Debug("Optional hook target absent, skipped", "target", target.String())
			h.metrics.IncrementCounter("albatross_hook_installs_total", map[string]string{"result": "skipped"}, 1)
			return true, nil
		}
		err = NewTargetMissingError(target)
		h.recordFailure(target, "missing", err)
		return false, err
	}

	h.mu.Lock()
	if _, dup := h.installed[target]; dup {
		h.mu.Unlock()
		err = NewDuplicateInstallError(target)
		h.recordFailure(target, "duplicate", err)
		return false, err
	}
	// Reserve the slot so a concurrent install of the same target cannot double-patch.
	h.installed[target] = nil
	h.mu.Unlock()

	trampoline, ierr := h.patcher.Install(target, h.guard(target, decl.Replace))
	if ierr != nil {
		h.mu.Lock()
		delete(h.installed, target)
		h.mu.Unlock()
		err = NewInstallFailedError(target, ierr)
		h.recordFailure(target, "failed", err)
		return false, err
	}

	h.mu.Lock()
	h.installed[target] = trampoline
	if h.tx != nil {
		h.tx.installed = append(h.tx.installed, target)
	}
	h.mu.Unlock()

	if decl.Backup != nil {
		*decl.Backup = trampoline
	}
	h.metrics.IncrementCounter("albatross_hook_installs_total", map[string]string{"result": "installed"}, 1)
	h.logger.Info("Hook installed", "target", target.String())
	return false, nil
}

func (h *HookInstaller) recordFailure(target Target, result string, err error) {
	h.mu.Lock()
	if h.tx != nil {
		h.tx.failed++
	}
	h.mu.Unlock()
	h.metrics.IncrementCounter("albatross_hook_installs_total", map[string]string{"result": result}, 1)
	h.logger.Warn("Hook not installed", "target", target.String(), "result", result, "error", err)
}

// guard wraps a replacement so a panic in the hook body never costs the host
// its call. The body is built per call around a trampoline that records how
// far the original got: a panic before it ran falls back to the original, a
// panic raised by the original itself propagates unchanged, and a panic after
// it returned yields the original's results.
func (h *HookInstaller) guard(target Target, replace Replacement) Replacement {
	return func(original Entry) Entry {
		return func(args ...any) (res any, err error) {
			call := &hookCall{original: original}
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				switch {
				case call.inOriginal:
					panic(r)
				case call.returned:
					h.logger.Error("Hook body panicked after the original returned",
						"target", target.String(), "panic", r, "stack", string(captureStack()))
					res, err = call.res, call.err
				default:
					h.logger.Error("Hook body panicked, running original",
						"target", target.String(), "panic", r, "stack", string(captureStack()))
					res, err = original(args...)
				}
			}()
			return replace(call.trampoline)(args...)
		}
	}
}

// hookCall tracks one host call through a guarded hook.
type hookCall struct {
	original   Entry
	inOriginal bool
	returned   bool
	res        any
	err        error
}

func (c *hookCall) trampoline(args ...any) (any, error) {
	c.inOriginal = true
	res, err := c.original(args...)
	c.inOriginal = false
	c.returned = true
	c.res, c.err = res, err
	return res, err
}

// Installed reports whether target was installed through this installer.
func (h *HookInstaller) Installed(target Target) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.installed[target]
	return ok && e != nil
}

// Trampoline returns the call-through to the original behavior of target.
func (h *HookInstaller) Trampoline(target Target) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.installed[target]
	return e, ok && e != nil
}

// Depth returns the current transaction depth.
func (h *HookInstaller) Depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.depth
}

// TransactionBegin opens a transaction and returns the new depth. A depth
// other than 1 means a transaction was already open; the error reports the
// misuse and the depth is still counted so the matching TransactionEnd
// balances it.
func (h *HookInstaller) TransactionBegin() (int, error) {
	h.mu.Lock()
	h.depth++
	depth := h.depth
	if depth == 1 {
		h.tx = &hookTransaction{}
	}
	h.mu.Unlock()

	h.metrics.SetGauge("albatross_hook_transaction_depth", nil, float64(depth))
	if depth != 1 {
		err := NewTransactionMisuseError(depth)
		h.logger.Error("Hook transaction misuse: begin while a transaction is open",
			"depth", depth, "error", err)
		return depth, err
	}
	h.logger.Debug("Hook transaction opened")
	return depth, nil
}

// TransactionEnd closes the innermost transaction. When rollback is set and
// success is false, hooks installed during the transaction are restored in
// reverse order; restore failures are recorded, never fatal.
func (h *HookInstaller) TransactionEnd(success, rollback bool) TransactionReport {
	h.mu.Lock()
	if h.depth == 0 {
		h.mu.Unlock()
		h.logger.Warn("Hook transaction end without begin", "error", NewNoTransactionError())
		return TransactionReport{Success: success}
	}
	depth := h.depth
	h.depth--
	if h.depth > 0 {
		h.mu.Unlock()
		h.metrics.SetGauge("albatross_hook_transaction_depth", nil, float64(depth-1))
		h.logger.Warn("Hook transaction end for a misused nested begin", "depth", depth)
		return TransactionReport{Depth: depth, Success: success, Misuse: true}
	}
	tx := h.tx
	h.tx = nil
	h.mu.Unlock()
	h.metrics.SetGauge("albatross_hook_transaction_depth", nil, 0)

	report := TransactionReport{
		Depth:     depth,
		Installed: len(tx.installed),
		Failed:    tx.failed,
		Success:   success,
	}

	if success || !rollback {
		h.logger.Info("Hook transaction closed",
			"success", success, "installed", report.Installed, "failed", report.Failed)
		return report
	}

	for i := len(tx.installed) - 1; i >= 0; i-- {
		target := tx.installed[i]
		if err := h.patcher.Restore(target); err != nil {
			rerr := NewRollbackFailedError(target, err)
			report.RollbackErrors = append(report.RollbackErrors, rerr)
			h.logger.Error("Hook rollback failed", "target", target.String(), "error", rerr)
			continue
		}
		h.mu.Lock()
		delete(h.installed, target)
		h.mu.Unlock()
		report.RolledBack++
	}
	h.logger.Warn("Hook transaction rolled back",
		"rolled_back", report.RolledBack, "rollback_errors", len(report.RollbackErrors))
	return report
}
