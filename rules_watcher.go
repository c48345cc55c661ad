// rules_watcher.go: hot reload of intercept rules from a file
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// InterceptRules is the content of a rules file.
type InterceptRules struct {
	InterceptAll bool     `json:"intercept_all" yaml:"intercept_all"`
	Labels       []string `json:"labels" yaml:"labels"`
}

// LoadInterceptRules reads a JSON or YAML rules file.
func LoadInterceptRules(path string) (InterceptRules, error) {
	var rules InterceptRules
	data, err := readConfigFile(path)
	if err != nil {
		return rules, err
	}
	if err := parseConfig(data, argus.DetectFormat(path), &rules); err != nil {
		return rules, NewConfigParseError(path, err)
	}
	return rules, nil
}

// RulesWatcher keeps an InterceptFilter in sync with a rules file.
type RulesWatcher struct {
	path    string
	filter  *InterceptFilter
	watcher *argus.Watcher
	logger  Logger

	mu      sync.Mutex
	running bool
	reloads atomic.Int64
}

// NewRulesWatcher creates a watcher polling path every pollInterval.
func NewRulesWatcher(path string, filter *InterceptFilter, pollInterval time.Duration, logger any) *RulesWatcher {
	internalLogger := NewLogger(logger).With("component", "rules_watcher")
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	w := argus.New(argus.Config{
		PollInterval:         pollInterval,
		CacheTTL:             pollInterval / 2,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			internalLogger.Error("Argus file watching error", "error", err, "file", filepath)
		},
	})
	return &RulesWatcher{
		path:    path,
		filter:  filter,
		watcher: w,
		logger:  internalLogger,
	}
}

// Start applies the current file and begins watching it.
func (rw *RulesWatcher) Start() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.running {
		return NewConfigWatcherError("rules watcher already running", nil)
	}
	if err := rw.Reload(); err != nil {
		return err
	}
	if err := rw.watcher.Watch(rw.path, rw.handleChange); err != nil {
		return NewConfigWatcherError(fmt.Sprintf("failed to watch %s", rw.path), err)
	}
	if err := rw.watcher.Start(); err != nil {
		return NewConfigWatcherError("failed to start argus watcher", err)
	}
	rw.running = true
	rw.logger.Info("Intercept rules watcher started", "path", rw.path)
	return nil
}

// Stop ends watching. The filter keeps its last rules.
func (rw *RulesWatcher) Stop() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if !rw.running {
		return nil
	}
	rw.running = false
	if err := rw.watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop argus watcher", err)
	}
	return nil
}

// Reload applies the rules file to the filter now.
func (rw *RulesWatcher) Reload() error {
	rules, err := LoadInterceptRules(rw.path)
	if err != nil {
		return err
	}
	n := rw.filter.Replace(rules.Labels, rules.InterceptAll)
	rw.reloads.Add(1)
	rw.logger.Info("Intercept rules applied", "path", rw.path, "rules", n, "intercept_all", rules.InterceptAll)
	return nil
}

// Reloads returns how many times rules were applied.
func (rw *RulesWatcher) Reloads() int64 {
	return rw.reloads.Load()
}

func (rw *RulesWatcher) handleChange(event argus.ChangeEvent) {
	rw.logger.Debug("Intercept rules file changed",
		"path", event.Path, "size", event.Size, "is_delete", event.IsDelete)
	if event.IsDelete {
		rw.logger.Warn("Intercept rules file deleted, keeping current rules", "path", event.Path)
		return
	}
	if err := rw.Reload(); err != nil {
		rw.logger.Error("Failed to reload intercept rules", "path", event.Path, "error", err)
	}
}
