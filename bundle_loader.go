// bundle_loader.go: bundle loaders for the injector registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"plugin"
	"strings"
	"sync"
	"unicode"
)

// StaticBundleLoader serves bundles compiled into the host binary.
type StaticBundleLoader struct {
	mu      sync.RWMutex
	bundles map[string]*staticBundle
	opens   map[string]int
}

type staticBundle struct {
	mu      sync.RWMutex
	classes map[string]ControllerFactory
}

// NewStaticBundleLoader creates an empty catalog.
func NewStaticBundleLoader() *StaticBundleLoader {
	return &StaticBundleLoader{
		bundles: make(map[string]*staticBundle),
		opens:   make(map[string]int),
	}
}

// Add declares className inside bundlePath. A nil factory declares a class
// without a usable constructor.
func (l *StaticBundleLoader) Add(bundlePath, className string, factory ControllerFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bundles[bundlePath]
	if !ok {
		b = &staticBundle{classes: make(map[string]ControllerFactory)}
		l.bundles[bundlePath] = b
	}
	b.mu.Lock()
	b.classes[className] = factory
	b.mu.Unlock()
}

// Open implements BundleLoader.
func (l *StaticBundleLoader) Open(bundlePath string) (Bundle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bundles[bundlePath]
	if !ok {
		return nil, NewBundleLoadError(bundlePath, fmt.Errorf("no such bundle"))
	}
	l.opens[bundlePath]++
	return &staticBundleHandle{path: bundlePath, b: b}, nil
}

// Opens returns how many times bundlePath was opened.
func (l *StaticBundleLoader) Opens(bundlePath string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opens[bundlePath]
}

type staticBundleHandle struct {
	path string
	b    *staticBundle
}

func (h *staticBundleHandle) Lookup(className string) (ControllerFactory, error) {
	h.b.mu.RLock()
	defer h.b.mu.RUnlock()
	f, ok := h.b.classes[className]
	if !ok {
		return nil, NewClassNotFoundError(h.path, className)
	}
	if f == nil {
		return nil, NewConstructorMissingError(h.path, className)
	}
	return f, nil
}

// PluginBundleLoader opens Go plugin bundles (.so built with -buildmode=plugin).
// A class name such as "demo.ActivityInjector" resolves to the exported
// constructor symbol "NewActivityInjector" with the ControllerFactory signature.
type PluginBundleLoader struct{}

// NewPluginBundleLoader creates a loader for Go plugin bundles.
func NewPluginBundleLoader() *PluginBundleLoader {
	return &PluginBundleLoader{}
}

// Open implements BundleLoader.
func (PluginBundleLoader) Open(bundlePath string) (Bundle, error) {
	p, err := plugin.Open(bundlePath)
	if err != nil {
		return nil, NewBundleLoadError(bundlePath, err)
	}
	return &pluginBundle{path: bundlePath, p: p}, nil
}

type pluginBundle struct {
	path string
	p    *plugin.Plugin
}

// ConstructorSymbol maps a declared class name to its constructor symbol.
func ConstructorSymbol(className string) string {
	name := className
	if i := strings.LastIndexAny(name, "./$"); i >= 0 {
		name = name[i+1:]
	}
	return "New" + name
}

func (b *pluginBundle) Lookup(className string) (ControllerFactory, error) {
	symName := ConstructorSymbol(className)
	if r := []rune(strings.TrimPrefix(symName, "New")); len(r) == 0 || !unicode.IsUpper(r[0]) {
		return nil, NewAccessDeniedError(b.path, className, fmt.Errorf("symbol %s is not exported", symName))
	}
	sym, err := b.p.Lookup(symName)
	if err != nil {
		return nil, NewClassNotFoundError(b.path, className)
	}
	switch f := sym.(type) {
	case func(ControllerArgs) (Controller, error):
		return f, nil
	case *ControllerFactory:
		if f == nil || *f == nil {
			return nil, NewConstructorMissingError(b.path, className)
		}
		return *f, nil
	case *func(ControllerArgs) (Controller, error):
		if f == nil || *f == nil {
			return nil, NewConstructorMissingError(b.path, className)
		}
		return *f, nil
	}
	return nil, NewConstructorMissingError(b.path, className)
}
