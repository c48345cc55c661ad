// dispatch_table.go: in-process patching capability built on an entry table
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"sync"
)

type dispatchSlot struct {
	// chain[0] is the original entry, the last element is active.
	chain []Entry
}

// DispatchTable is a Patcher for hosts that route their hookable entry points
// through a table. Host code defines each entry once and calls it through
// Call or a Stub; installs swap the active entry in place.
type DispatchTable struct {
	mu    sync.RWMutex
	slots map[Target]*dispatchSlot
	types map[string]struct{}
}

// NewDispatchTable creates an empty table.
func NewDispatchTable() *DispatchTable {
	return &DispatchTable{
		slots: make(map[Target]*dispatchSlot),
		types: make(map[string]struct{}),
	}
}

// DefineType registers a type with no entries yet.
func (d *DispatchTable) DefineType(typeName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types[typeName] = struct{}{}
}

// Define registers the original entry for target, replacing any previous
// definition and its installed hooks.
func (d *DispatchTable) Define(target Target, fn Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types[target.Type] = struct{}{}
	d.slots[target] = &dispatchSlot{chain: []Entry{fn}}
}

// HasType reports whether any entry of typeName was defined.
func (d *DispatchTable) HasType(typeName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.types[typeName]
	return ok
}

// Install implements Patcher.
func (d *DispatchTable) Install(target Target, replacement Replacement) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, ok := d.slots[target]
	if !ok {
		return nil, NewEntryNotFoundError(target)
	}
	trampoline := slot.chain[len(slot.chain)-1]
	slot.chain = append(slot.chain, replacement(trampoline))
	return trampoline, nil
}

// Restore implements Patcher.
func (d *DispatchTable) Restore(target Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, ok := d.slots[target]
	if !ok {
		return NewEntryNotFoundError(target)
	}
	if len(slot.chain) < 2 {
		return NewNothingToRestoreError(target)
	}
	slot.chain = slot.chain[:len(slot.chain)-1]
	return nil
}

// HookCount returns how many hooks are stacked on target.
func (d *DispatchTable) HookCount(target Target) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	slot, ok := d.slots[target]
	if !ok {
		return 0
	}
	return len(slot.chain) - 1
}

// Call invokes the active entry for target.
func (d *DispatchTable) Call(target Target, args ...any) (any, error) {
	d.mu.RLock()
	slot, ok := d.slots[target]
	var fn Entry
	if ok {
		fn = slot.chain[len(slot.chain)-1]
	}
	d.mu.RUnlock()
	if fn == nil {
		return nil, NewEntryNotFoundError(target)
	}
	return fn(args...)
}

// Stub returns an Entry that always dispatches through the table, so callers
// holding it observe later installs and restores.
func (d *DispatchTable) Stub(target Target) Entry {
	return func(args ...any) (any, error) {
		return d.Call(target, args...)
	}
}
