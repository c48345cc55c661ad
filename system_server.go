// system_server.go: admin API of the system-management endpoint
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// SystemServerName is the endpoint the management process serves.
const SystemServerName = "albatross_system_server"

// Admin methods of the system-management endpoint.
const (
	MethodInit                  = "init"
	MethodInitIntercept         = "init_intercept"
	MethodGetTopActivity        = "get_top_activity"
	MethodGetFrontActivity      = "get_front_activity"
	MethodGetFrontActivityQuick = "get_front_activity_quick"
	MethodGetTargetProcess      = "get_target_process"
	MethodGetAllProcesses       = "get_all_processes"
	MethodGetAppProcesses       = "get_app_processes"
	MethodGetLaunchPackage      = "get_launch_package"
	MethodStartActivity         = "start_activity"
	MethodSendBroadcast         = "send_broadcast"
	MethodSetInterceptApp       = "set_intercept_app"
	MethodSetInterceptAll       = "set_intercept_all"
	MethodForceStopApp          = "force_stop_app"
	MethodSetTopApp             = "set_top_app"

	// BroadcastLaunchProcess carries a LaunchEvent as compact JSON.
	BroadcastLaunchProcess = "launch_process"
)

// StatusSuccess is what string-returning admin actions answer on success.
const StatusSuccess = "success"

// SystemServerAPI is the method table shared by the endpoint and its clients.
var SystemServerAPI = MustAPI(
	RequestMethod(MethodGetTopActivity, KindString, KindBool),
	RequestMethod(MethodGetLaunchPackage, KindString),
	RequestMethod(MethodGetAllProcesses, KindJSON),
	RequestMethod(MethodStartActivity, KindString, KindString, KindString, KindInt),
	RequestMethod(MethodGetTargetProcess, KindString, KindString),
	RequestMethod(MethodSendBroadcast, KindString, KindString, KindString, KindString, KindInt),
	RequestMethod(MethodGetAppProcesses, KindJSON),
	RequestMethod(MethodInit, KindBool),
	RequestMethod(MethodSetInterceptApp, KindInt, KindString, KindBool),
	RequestMethod(MethodForceStopApp, KindBool, KindString),
	RequestMethod(MethodSetTopApp, KindBool, KindString),
	RequestMethod(MethodSetInterceptAll, KindBool, KindBool),
	RequestMethod(MethodInitIntercept, KindInt),
	RequestMethod(MethodGetFrontActivity, KindString),
	RequestMethod(MethodGetFrontActivityQuick, KindString),
	BroadcastMethod(BroadcastLaunchProcess, KindByte, KindString),
)

// ComponentName names an activity or receiver.
type ComponentName struct {
	Package string
	Class   string
}

// ProcessInfo describes a running application process.
type ProcessInfo struct {
	PID         int
	UID         int
	Importance  int
	ProcessName string
	Packages    []string
	// ImportanceReason is the component keeping the process alive, if any.
	ImportanceReason *ComponentName
}

// MarshalJSON renders the compact array form [pid, uid, importance, process, packages].
func (p ProcessInfo) MarshalJSON() ([]byte, error) {
	pkgs := p.Packages
	if pkgs == nil {
		pkgs = []string{}
	}
	return json.Marshal([]any{p.PID, p.UID, p.Importance, p.ProcessName, pkgs})
}

func (p ProcessInfo) hasPackage(pkg string) bool {
	for _, name := range p.Packages {
		if name == pkg {
			return true
		}
	}
	return false
}

// HostServices is the activity and package management of the host system.
type HostServices interface {
	// Attach acquires the host services; it runs once from init.
	Attach(ctx context.Context) error
	FrontActivity(ctx context.Context) (ComponentName, bool, error)
	RunningAppProcesses(ctx context.Context) ([]ProcessInfo, error)
	HomePackage(ctx context.Context) (string, error)
	PackageUID(pkg string) (int, error)
	StartActivity(ctx context.Context, pkg, activity string, uid int) error
	SendBroadcast(ctx context.Context, target ComponentName, action string, uid int) error
	ForceStopPackage(ctx context.Context, pkg string, userID int) error
	MoveTaskToFront(ctx context.Context, pkg string) (bool, error)
}

// SystemServerOptions configures a SystemServer.
type SystemServerOptions struct {
	// InitHooks are installed in one transaction by init, before Attach.
	InitHooks []HookDeclaration
	// Layout describes the host's process bookkeeping types for the attach hooks.
	Layout HostLayout
	// ResolverCacheSize bounds the package to uid cache.
	ResolverCacheSize int
}

// SystemServer serves the admin API and reports process launches.
type SystemServer struct {
	host      HostServices
	installer *HookInstaller
	binder    *VersionBinder
	filter    *InterceptFilter
	resolver  *CachedResolver
	logger    Logger
	metrics   MetricsCollector
	opts      SystemServerOptions

	mu              sync.Mutex
	endpoint        *Endpoint
	attached        bool
	interceptActive bool
	launcher        string
	hooks           *processHooks
}

// NewSystemServer creates the admin server. The returned server owns an
// InterceptFilter resolving package names through host with an LRU cache.
func NewSystemServer(host HostServices, installer *HookInstaller, binder *VersionBinder, opts SystemServerOptions, logger any, metrics MetricsCollector) (*SystemServer, error) {
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}
	internalLogger := NewLogger(logger).With("component", "system_server")
	resolver, err := NewCachedResolver(PrincipalResolverFunc(host.PackageUID), opts.ResolverCacheSize)
	if err != nil {
		return nil, err
	}
	return &SystemServer{
		host:      host,
		installer: installer,
		binder:    binder,
		filter:    NewInterceptFilter(resolver, internalLogger),
		resolver:  resolver,
		logger:    internalLogger,
		metrics:   metrics,
		opts:      opts,
	}, nil
}

// Filter returns the intercept filter consulted by the attach hooks.
func (s *SystemServer) Filter() *InterceptFilter { return s.filter }

// Resolver returns the cached package resolver.
func (s *SystemServer) Resolver() *CachedResolver { return s.resolver }

// Bind registers the admin handlers on ep and makes it the broadcast target.
func (s *SystemServer) Bind(ep *Endpoint) error {
	handlers := map[string]Handler{
		MethodInit:                  s.handleInit,
		MethodInitIntercept:         s.handleInitIntercept,
		MethodGetTopActivity:        s.handleTopActivity,
		MethodGetFrontActivity:      s.handleFrontActivity,
		MethodGetFrontActivityQuick: s.handleFrontActivityQuick,
		MethodGetTargetProcess:      s.handleTargetProcess,
		MethodGetAllProcesses:       s.handleProcesses,
		MethodGetAppProcesses:       s.handleProcesses,
		MethodGetLaunchPackage:      s.handleLaunchPackage,
		MethodStartActivity:         s.handleStartActivity,
		MethodSendBroadcast:         s.handleSendBroadcast,
		MethodSetInterceptApp:       s.handleSetInterceptApp,
		MethodSetInterceptAll:       s.handleSetInterceptAll,
		MethodForceStopApp:          s.handleForceStopApp,
		MethodSetTopApp:             s.handleSetTopApp,
	}
	for name, h := range handlers {
		if err := ep.Handle(name, h); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()
	s.logger.Info("System server bound", "endpoint", ep.Name(), "methods", len(handlers))
	return nil
}

// LaunchProcess broadcasts a launch event to subscribers and returns 1 when
// at least one accepted it.
func (s *SystemServer) LaunchProcess(data string) byte {
	s.mu.Lock()
	ep := s.endpoint
	s.mu.Unlock()
	if ep == nil {
		s.logger.Warn("Launch event dropped, no endpoint bound")
		return 0
	}
	return ep.Broadcast(BroadcastLaunchProcess, data)
}

// Init installs the configured init hooks and attaches the host services.
func (s *SystemServer) Init(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return true
	}

	ok := false
	if s.installer != nil {
		if _, err := s.installer.TransactionBegin(); err != nil {
			s.logger.Error("init inside an open hook transaction", "error", err)
		}
		defer func() { s.installer.TransactionEnd(ok, false) }()
		if len(s.opts.InitHooks) > 0 {
			res := s.installer.InstallBatchDetailed(s.opts.InitHooks)
			if res.Failed > 0 {
				s.logger.Error("init hooks failed", "failed", res.Failed, "error", res.Errors[0])
				return false
			}
		}
	}

	if err := s.host.Attach(ctx); err != nil {
		s.logger.Error("Host services not attached", "error", err)
		return false
	}
	s.attached = true
	ok = true
	s.logger.Info("System server initialized")
	return true
}

// InitIntercept installs the process attach hooks once and returns how many
// were bound, or -1 when interception is already active.
func (s *SystemServer) InitIntercept() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interceptActive {
		return -1
	}
	if s.installer == nil {
		s.logger.Error("init_intercept without a hook installer")
		return 0
	}

	count := 0
	if _, err := s.installer.TransactionBegin(); err != nil {
		s.logger.Error("init_intercept inside an open hook transaction", "error", err)
	}
	defer func() { s.installer.TransactionEnd(count > 0, false) }()

	hooks, err := newProcessHooks(s, s.opts.Layout)
	if err != nil {
		s.logger.Error("Process layout not bound", "error", err)
		return 0
	}
	count += s.installer.InstallBatch(hooks.pidMapDeclarations())
	count += s.installer.InstallBatch(hooks.attachDeclarations())
	if count > 0 {
		s.interceptActive = true
		s.hooks = hooks
	}
	s.logger.Info("Process interception initialized", "hooks", count)
	return count
}

// InterceptActive reports whether the attach hooks are installed.
func (s *SystemServer) InterceptActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interceptActive
}

func (s *SystemServer) frontActivity(ctx context.Context) (ComponentName, bool) {
	c, ok, err := s.host.FrontActivity(ctx)
	if err != nil {
		s.logger.Warn("Front activity lookup failed", "error", err)
		return ComponentName{}, false
	}
	return c, ok
}

func (s *SystemServer) processes(ctx context.Context) []ProcessInfo {
	procs, err := s.host.RunningAppProcesses(ctx)
	if err != nil {
		s.logger.Warn("Process list lookup failed", "error", err)
		return nil
	}
	return procs
}

// TopActivity renders "pkg,class" and, with detail, "|pid:importance:process&"
// for every process hosting the top package.
func (s *SystemServer) TopActivity(ctx context.Context, detail bool) string {
	top, ok := s.frontActivity(ctx)
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString(top.Package + "," + top.Class)
	if detail {
		b.WriteByte('|')
		for _, p := range s.processes(ctx) {
			if p.hasPackage(top.Package) {
				fmt.Fprintf(&b, "%d:%d:%s&", p.PID, p.Importance, p.ProcessName)
			}
		}
	}
	return b.String()
}

// TargetProcess is TopActivity detail for an arbitrary package, including the
// component keeping each process alive.
func (s *SystemServer) TargetProcess(ctx context.Context, pkg string) string {
	top, ok := s.frontActivity(ctx)
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString(top.Package + "," + top.Class + "|")
	for _, p := range s.processes(ctx) {
		if !p.hasPackage(pkg) {
			continue
		}
		fmt.Fprintf(&b, "%d:%d:%s", p.PID, p.Importance, p.ProcessName)
		if r := p.ImportanceReason; r != nil {
			fmt.Fprintf(&b, ":%s/%s", r.Package, r.Class)
		}
		b.WriteByte('&')
	}
	return b.String()
}

// FrontActivity renders [pkg, class, processes] as JSON; quick omits the processes.
func (s *SystemServer) FrontActivity(ctx context.Context, quick bool) string {
	top, ok := s.frontActivity(ctx)
	if !ok {
		return ""
	}
	out := []any{top.Package, top.Class}
	if !quick {
		out = append(out, s.processList(ctx))
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("Front activity not encoded", "error", err)
		return ""
	}
	return string(data)
}

func (s *SystemServer) processList(ctx context.Context) []ProcessInfo {
	procs := s.processes(ctx)
	if procs == nil {
		procs = []ProcessInfo{}
	}
	return procs
}

// LaunchPackage returns the home screen package, cached after the first hit.
func (s *SystemServer) LaunchPackage(ctx context.Context) string {
	s.mu.Lock()
	cached := s.launcher
	s.mu.Unlock()
	if cached != "" {
		return cached
	}
	pkg, err := s.host.HomePackage(ctx)
	if err != nil {
		s.logger.Warn("Home package lookup failed", "error", err)
		return ""
	}
	s.mu.Lock()
	s.launcher = pkg
	s.mu.Unlock()
	return pkg
}

func (s *SystemServer) handleInit(ctx context.Context, _ []any) (any, error) {
	return s.Init(ctx), nil
}

func (s *SystemServer) handleInitIntercept(context.Context, []any) (any, error) {
	return s.InitIntercept(), nil
}

func (s *SystemServer) handleTopActivity(ctx context.Context, args []any) (any, error) {
	return s.TopActivity(ctx, args[0].(bool)), nil
}

func (s *SystemServer) handleFrontActivity(ctx context.Context, _ []any) (any, error) {
	return s.FrontActivity(ctx, false), nil
}

func (s *SystemServer) handleFrontActivityQuick(ctx context.Context, _ []any) (any, error) {
	return s.FrontActivity(ctx, true), nil
}

func (s *SystemServer) handleTargetProcess(ctx context.Context, args []any) (any, error) {
	return s.TargetProcess(ctx, args[0].(string)), nil
}

func (s *SystemServer) handleProcesses(ctx context.Context, _ []any) (any, error) {
	return s.processList(ctx), nil
}

func (s *SystemServer) handleLaunchPackage(ctx context.Context, _ []any) (any, error) {
	return s.LaunchPackage(ctx), nil
}

func (s *SystemServer) handleStartActivity(ctx context.Context, args []any) (any, error) {
	pkg, activity, uid := args[0].(string), args[1].(string), int(args[2].(int32))
	if err := s.host.StartActivity(ctx, pkg, activity, uid); err != nil {
		s.logger.Warn("start_activity failed", "package", pkg, "activity", activity, "error", err)
		return err.Error(), nil
	}
	return StatusSuccess, nil
}

func (s *SystemServer) handleSendBroadcast(ctx context.Context, args []any) (any, error) {
	target := ComponentName{Package: args[0].(string), Class: args[1].(string)}
	action, uid := args[2].(string), int(args[3].(int32))
	if err := s.host.SendBroadcast(ctx, target, action, uid); err != nil {
		s.logger.Warn("send_broadcast failed", "package", target.Package, "receiver", target.Class, "error", err)
		return err.Error(), nil
	}
	return StatusSuccess, nil
}

func (s *SystemServer) handleSetInterceptApp(_ context.Context, args []any) (any, error) {
	return s.filter.SetRule(args[0].(string), args[1].(bool)), nil
}

func (s *SystemServer) handleSetInterceptAll(_ context.Context, args []any) (any, error) {
	return s.filter.SetInterceptAll(args[0].(bool)), nil
}

func (s *SystemServer) handleForceStopApp(ctx context.Context, args []any) (any, error) {
	pkg := args[0].(string)
	if err := s.host.ForceStopPackage(ctx, pkg, 0); err != nil {
		s.logger.Warn("force_stop_app failed", "package", pkg, "error", err)
		return false, nil
	}
	return true, nil
}

func (s *SystemServer) handleSetTopApp(ctx context.Context, args []any) (any, error) {
	pkg := args[0].(string)
	moved, err := s.host.MoveTaskToFront(ctx, pkg)
	if err != nil {
		s.logger.Warn("set_top_app failed", "package", pkg, "error", err)
		return false, nil
	}
	return moved, nil
}
