// runtime.go: process-wide context wiring every component
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"fmt"
	"sync"
)

// RuntimeOptions supplies the collaborators a Runtime cannot build itself.
type RuntimeOptions struct {
	// Patcher is the native patching capability. A fresh DispatchTable is used when nil.
	Patcher Patcher
	// Loader opens injector bundles. Go plugins are used when nil.
	Loader BundleLoader
	// Host enables the system-management side: endpoint, admin API and interception.
	Host HostServices
	// Layout and InitHooks are passed to the SystemServer.
	Layout    HostLayout
	InitHooks []HookDeclaration

	Logger any
	// Metrics overrides the collector selected by Config.Metrics.
	Metrics MetricsCollector
}

// Runtime is the single context a process creates at startup. It owns the
// hook machinery, the injector registry and, on the management side, the
// control endpoint and its companions.
type Runtime struct {
	cfg     Config
	logger  Logger
	metrics MetricsCollector

	patcher   Patcher
	binder    *VersionBinder
	installer *HookInstaller
	registry  *InjectorRegistry
	servers   *ServerSet
	system    *SystemServer

	mu       sync.Mutex
	started  bool
	endpoint *Endpoint
	gateway  *Gateway
	rules    *RulesWatcher
}

// NewRuntime validates cfg and builds every component in dependency order.
func NewRuntime(cfg Config, opts RuntimeOptions) (*Runtime, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := NewLogger(opts.Logger)
	metrics := opts.Metrics
	if metrics == nil {
		if cfg.Metrics.Enabled {
			metrics = NewPrometheusMetricsCollector(cfg.Metrics.Namespace, logger)
		} else {
			metrics = NewDefaultMetricsCollector()
		}
	}

	patcher := opts.Patcher
	if patcher == nil {
		patcher = NewDispatchTable()
	}
	loader := opts.Loader
	if loader == nil {
		loader = NewPluginBundleLoader()
	}

	binder, err := NewVersionBinder(cfg.Binder.PlatformVersion, cfg.Binder.Variants, logger)
	if err != nil {
		return nil, err
	}
	installer := NewHookInstaller(patcher, logger, metrics)
	registry := NewInjectorRegistry(loader, installer, binder, InjectorRegistryOptions{
		ApplicationTarget: cfg.Registry.ApplicationTarget,
		ApplicationArg:    cfg.Registry.ApplicationArg,
	}, logger, metrics)

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger.With("component", "runtime"),
		metrics:   metrics,
		patcher:   patcher,
		binder:    binder,
		installer: installer,
		registry:  registry,
		servers:   NewServerSet(cfg.Endpoint, logger, metrics),
	}

	if opts.Host != nil {
		rt.system, err = NewSystemServer(opts.Host, installer, binder, SystemServerOptions{
			InitHooks:         opts.InitHooks,
			Layout:            opts.Layout,
			ResolverCacheSize: cfg.Intercept.CacheSize,
		}, logger, metrics)
		if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Start brings up the management side: endpoint, admin handlers, seeded
// intercept rules, the rules watcher and the gateway, in that order. It is a
// no-op for runtimes without HostServices.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return nil
	}
	if rt.system == nil {
		rt.started = true
		return nil
	}

	ep, err := rt.servers.CreateServer(ctx, rt.cfg.Endpoint.Name, rt.cfg.Endpoint.Exclusive, SystemServerAPI)
	if err != nil {
		return err
	}
	if err := rt.system.Bind(ep); err != nil {
		_ = rt.servers.StopAll()
		return err
	}
	rt.endpoint = ep

	filter := rt.system.Filter()
	if rt.cfg.Intercept.InterceptAll {
		filter.SetInterceptAll(true)
	}
	for _, label := range rt.cfg.Intercept.Rules {
		filter.SetRule(label, false)
	}

	if rt.cfg.Intercept.RulesFile != "" {
		rt.rules = NewRulesWatcher(rt.cfg.Intercept.RulesFile, filter, rt.cfg.Intercept.PollInterval, rt.logger)
		if rt.cfg.Intercept.Watch {
			err = rt.rules.Start()
		} else {
			err = rt.rules.Reload()
		}
		if err != nil {
			rt.logger.Error("Intercept rules not loaded", "path", rt.cfg.Intercept.RulesFile, "error", err)
		}
	}

	if rt.cfg.Gateway.Enabled {
		rt.gateway = NewGateway(ep, rt.cfg.Gateway.Address, rt.logger)
		if err := rt.gateway.Start(); err != nil {
			_ = rt.servers.StopAll()
			return err
		}
	}

	rt.started = true
	rt.logger.Info("Runtime started", "endpoint", ep.Name(), "gateway", rt.cfg.Gateway.Enabled)
	return nil
}

// Stop tears the management side down in reverse start order.
func (rt *Runtime) Stop() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return nil
	}
	rt.started = false

	var errs []error
	if rt.gateway != nil {
		rt.gateway.Stop()
		rt.gateway = nil
	}
	if rt.rules != nil {
		if err := rt.rules.Stop(); err != nil {
			errs = append(errs, err)
		}
		rt.rules = nil
	}
	if err := rt.servers.StopAll(); err != nil {
		errs = append(errs, err)
	}
	rt.endpoint = nil

	if len(errs) > 0 {
		return fmt.Errorf("errors during runtime shutdown: %v", errs)
	}
	rt.logger.Info("Runtime stopped")
	return nil
}

// CreateServer exposes an additional named endpoint owned by this runtime.
func (rt *Runtime) CreateServer(ctx context.Context, name string, exclusive bool, api *API) (*Endpoint, error) {
	return rt.servers.CreateServer(ctx, name, exclusive, api)
}

func (rt *Runtime) Config() Config              { return rt.cfg }
func (rt *Runtime) Logger() Logger              { return rt.logger }
func (rt *Runtime) Metrics() MetricsCollector   { return rt.metrics }
func (rt *Runtime) Patcher() Patcher            { return rt.patcher }
func (rt *Runtime) Binder() *VersionBinder      { return rt.binder }
func (rt *Runtime) Installer() *HookInstaller   { return rt.installer }
func (rt *Runtime) Registry() *InjectorRegistry { return rt.registry }
func (rt *Runtime) SystemServer() *SystemServer { return rt.system }
func (rt *Runtime) Servers() *ServerSet         { return rt.servers }

// Endpoint returns the management endpoint once started.
func (rt *Runtime) Endpoint() *Endpoint {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.endpoint
}

// Gateway returns the gRPC gateway when enabled and started.
func (rt *Runtime) Gateway() *Gateway {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.gateway
}
