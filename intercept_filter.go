// intercept_filter.go: principal admission for observed runtime events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// InterceptAllLabel is the rule label that switches on global interception.
const InterceptAllLabel = "all"

// PrincipalResolver maps a label (a package name) to its principal id.
type PrincipalResolver interface {
	ResolvePrincipal(label string) (int, error)
}

// PrincipalResolverFunc adapts a function to PrincipalResolver.
type PrincipalResolverFunc func(label string) (int, error)

func (f PrincipalResolverFunc) ResolvePrincipal(label string) (int, error) {
	return f(label)
}

// CachedResolver memoizes successful lookups of another resolver in an LRU.
// Failed lookups are not cached.
type CachedResolver struct {
	next  PrincipalResolver
	cache *lru.Cache
}

// NewCachedResolver wraps next with an LRU of the given size.
func NewCachedResolver(next PrincipalResolver, size int) (*CachedResolver, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedResolver{next: next, cache: c}, nil
}

func (c *CachedResolver) ResolvePrincipal(label string) (int, error) {
	if v, ok := c.cache.Get(label); ok {
		return v.(int), nil
	}
	id, err := c.next.ResolvePrincipal(label)
	if err != nil {
		return 0, err
	}
	c.cache.Add(label, id)
	return id, nil
}

// Purge drops every cached mapping, e.g. after a package is reinstalled.
func (c *CachedResolver) Purge() {
	c.cache.Purge()
}

// InterceptFilter decides whether an event for a principal should be reported.
// Reads come from hook bodies on arbitrary threads; writes come from admin
// calls.
type InterceptFilter struct {
	resolver PrincipalResolver
	logger   Logger

	mu    sync.RWMutex
	rules map[int]string
	all   bool
}

// NewInterceptFilter creates an empty filter.
func NewInterceptFilter(resolver PrincipalResolver, logger any) *InterceptFilter {
	return &InterceptFilter{
		resolver: resolver,
		logger:   NewLogger(logger).With("component", "intercept_filter"),
		rules:    make(map[int]string),
	}
}

// ShouldIntercept reports interceptAll || principalID is in the rule set.
func (f *InterceptFilter) ShouldIntercept(principalID int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.all {
		return true
	}
	_, ok := f.rules[principalID]
	return ok
}

// SetRule optionally clears the rule set, then applies label. The "all" label
// turns on global interception and returns 0 without touching the rules. Any
// other label is resolved to a principal id, stored, and the id returned; a
// failed lookup is logged and returns 0.
func (f *InterceptFilter) SetRule(label string, clear bool) int {
	if clear {
		f.mu.Lock()
		f.rules = make(map[int]string)
		f.mu.Unlock()
	}
	if label == "" {
		return 0
	}
	if label == InterceptAllLabel {
		f.SetInterceptAll(true)
		return 0
	}

	id, err := f.resolve(label)
	if err != nil {
		f.logger.Warn("Intercept rule label not resolved", "label", label, "error", err)
		return 0
	}

	f.mu.Lock()
	f.rules[id] = label
	f.mu.Unlock()
	f.logger.Info("Intercept rule set", "label", label, "principal", id)
	return id
}

func (f *InterceptFilter) resolve(label string) (int, error) {
	if f.resolver == nil {
		return 0, fmt.Errorf("no principal resolver configured")
	}
	id, err := f.resolver.ResolvePrincipal(label)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("label %q resolved to no principal", label)
	}
	return id, nil
}

// SetInterceptAll sets the global flag and echoes it.
func (f *InterceptFilter) SetInterceptAll(intercept bool) bool {
	f.mu.Lock()
	f.all = intercept
	f.mu.Unlock()
	f.logger.Info("Global interception changed", "intercept_all", intercept)
	return intercept
}

// InterceptAll returns the global flag.
func (f *InterceptFilter) InterceptAll() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.all
}

// Rules returns a copy of the rule set.
func (f *InterceptFilter) Rules() map[int]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[int]string, len(f.rules))
	for k, v := range f.rules {
		out[k] = v
	}
	return out
}

// Replace swaps in a complete rule set built from labels, as loaded from a
// rules file. Labels that fail to resolve are skipped. It returns how many
// rules were stored.
func (f *InterceptFilter) Replace(labels []string, interceptAll bool) int {
	rules := make(map[int]string, len(labels))
	for _, label := range labels {
		if label == InterceptAllLabel {
			interceptAll = true
			continue
		}
		id, err := f.resolve(label)
		if err != nil {
			f.logger.Warn("Intercept rule label not resolved", "label", label, "error", err)
			continue
		}
		rules[id] = label
	}
	f.mu.Lock()
	f.rules = rules
	f.all = interceptAll
	f.mu.Unlock()
	f.logger.Info("Intercept rules replaced", "rules", len(rules), "intercept_all", interceptAll)
	return len(rules)
}
