// controller.go: embeddable controller base and native library loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// NativeLibraryLoader loads a controller's native companion library.
type NativeLibraryLoader interface {
	LoadLibrary(dir, name string) error
}

// ELFLibraryLoader verifies that lib<name>.so exists under dir (or under one
// of SearchPaths when dir is empty) and is a shared ELF object. Successful
// loads are remembered.
type ELFLibraryLoader struct {
	SearchPaths []string

	mu     sync.Mutex
	loaded map[string]string
}

// NewELFLibraryLoader creates a loader searching paths when no directory is given.
func NewELFLibraryLoader(paths ...string) *ELFLibraryLoader {
	return &ELFLibraryLoader{SearchPaths: paths, loaded: make(map[string]string)}
}

func (l *ELFLibraryLoader) LoadLibrary(dir, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[name]; ok {
		return nil
	}

	file := "lib" + name + ".so"
	dirs := l.SearchPaths
	if dir != "" {
		dirs = []string{dir}
	}
	var lastErr error = os.ErrNotExist
	for _, d := range dirs {
		path := filepath.Join(d, file)
		if err := checkSharedObject(path); err != nil {
			lastErr = err
			continue
		}
		l.loaded[name] = path
		return nil
	}
	return NewLibraryLoadError(file, lastErr)
}

// Path returns where name was found, if it was loaded.
func (l *ELFLibraryLoader) Path(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.loaded[name]
	return p, ok
}

func checkSharedObject(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return fmt.Errorf("%s: not a shared object (%s)", path, f.Type)
	}
	return nil
}

// BaseController provides Load and a no-op BeforeMakeApplication. Embed it
// and implement the two application callbacks.
type BaseController struct {
	Args      ControllerArgs
	Libraries NativeLibraryLoader
	Logger    Logger
}

// NewBaseController builds a base from constructor arguments. libs may be nil
// when the controller has no native library.
func NewBaseController(args ControllerArgs, libs NativeLibraryLoader) BaseController {
	logger := args.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	return BaseController{Args: args, Libraries: libs, Logger: logger}
}

// Load loads the native companion library, if any. A failure is logged and
// reported as false.
func (b *BaseController) Load() bool {
	if b.Args.LibraryName == "" {
		return true
	}
	if b.Libraries == nil {
		b.Logger.Error("Native library requested but no loader configured", "library", b.Args.LibraryName)
		return false
	}
	if err := b.Libraries.LoadLibrary(b.Args.LibraryDir, b.Args.LibraryName); err != nil {
		b.Logger.Error("Native library load failed", "library", b.Args.LibraryName, "error", err)
		return false
	}
	return true
}

func (b *BaseController) BeforeMakeApplication() {}
