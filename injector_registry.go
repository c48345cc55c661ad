// injector_registry.go: bundle loading and controller lifecycle orchestration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"strings"
	"sync"
	"sync/atomic"
)

// ResultCode is the outcome of InjectorRegistry.Register. Values are stable
// and travel over the wire as integers.
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultDuplicateKey
	ResultLoadClassFailed
	ResultConstructorAccessFailed
	ResultInstantiationFailed
	ResultConstructorThrew
	ResultConstructorMissing
	ResultControllerRejectedLoad
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultDuplicateKey:
		return "duplicate"
	case ResultLoadClassFailed:
		return "class_not_found"
	case ResultConstructorAccessFailed:
		return "access_denied"
	case ResultInstantiationFailed:
		return "instantiation_failed"
	case ResultConstructorThrew:
		return "constructor_threw"
	case ResultConstructorMissing:
		return "constructor_missing"
	case ResultControllerRejectedLoad:
		return "load_rejected"
	}
	return "unknown"
}

// InjectorState is the lifecycle state of a registered controller.
type InjectorState int

const (
	StateRegistered InjectorState = iota
	StateLoaded
	StateStarted
	StateFailed
)

func (s InjectorState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateLoaded:
		return "loaded"
	case StateStarted:
		return "started"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Controller is the object a bundle contributes. Load attempts to load the
// native companion library; the two application callbacks bracket the host's
// application creation and are called once each, in that order.
type Controller interface {
	Load() bool
	BeforeApplicationCreate(app any)
	AfterApplicationCreate(app any)
}

// MakeApplicationObserver is implemented by controllers that want a callback
// before the host application object is constructed.
type MakeApplicationObserver interface {
	BeforeMakeApplication()
}

// ControllerArgs is what a controller constructor receives.
type ControllerArgs struct {
	LibraryName string
	LibraryDir  string
	ArgString   string
	ArgInt      int

	Installer *HookInstaller
	Binder    *VersionBinder
	Logger    Logger
}

// ControllerFactory constructs a controller.
type ControllerFactory func(args ControllerArgs) (Controller, error)

// BundleLoader opens bundles by path.
type BundleLoader interface {
	Open(bundlePath string) (Bundle, error)
}

// Bundle resolves declared class names to controller constructors. Lookup
// errors carrying ErrCodeAccessDenied or ErrCodeConstructorMissing are reported
// with the matching ResultCode; any other error means the class was not found.
type Bundle interface {
	Lookup(className string) (ControllerFactory, error)
}

// InjectorRecord is one registered (bundle, class) pair.
type InjectorRecord struct {
	BundlePath  string
	ClassName   string
	LibraryName string
	LibraryDir  string
	Controller  Controller

	state atomic.Int32
}

// State returns the lifecycle state.
func (r *InjectorRecord) State() InjectorState {
	return InjectorState(r.state.Load())
}

// InjectorRegistryOptions configures an InjectorRegistry.
type InjectorRegistryOptions struct {
	// ApplicationTarget is the host's application creation-completion entry.
	ApplicationTarget Target
	// ApplicationArg is the index of the application object in that entry's arguments.
	ApplicationArg int
	// ApplicationRequired fails Init when the target type is absent.
	ApplicationRequired bool
}

// DefaultApplicationTarget is the host entry that completes application creation.
var DefaultApplicationTarget = MethodTarget("android.app.Instrumentation", "callApplicationOnCreate", "android.app.Application")

// InjectorRegistry owns every InjectorRecord and the per-bundle loader cache
// for the process lifetime.
type InjectorRegistry struct {
	loader    BundleLoader
	installer *HookInstaller
	binder    *VersionBinder
	logger    Logger
	metrics   MetricsCollector
	opts      InjectorRegistryOptions

	// bundleMu guards the loader cache and is held while a bundle opens.
	bundleMu sync.Mutex
	bundles  map[string]Bundle

	mu          sync.RWMutex
	records     map[injectorKey]*InjectorRecord
	order       []*InjectorRecord
	app         any
	initialized bool
}

// NewInjectorRegistry creates a registry. installer may be nil when the
// registry is only used for registration, in which case Init cannot hook
// application creation.
func NewInjectorRegistry(loader BundleLoader, installer *HookInstaller, binder *VersionBinder, opts InjectorRegistryOptions, logger any, metrics MetricsCollector) *InjectorRegistry {
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}
	if opts.ApplicationTarget == (Target{}) {
		opts.ApplicationTarget = DefaultApplicationTarget
	}
	return &InjectorRegistry{
		loader:    loader,
		installer: installer,
		binder:    binder,
		logger:    NewLogger(logger).With("component", "injector_registry"),
		metrics:   metrics,
		opts:      opts,
		bundles:   make(map[string]Bundle),
		records:   make(map[injectorKey]*InjectorRecord),
	}
}

type injectorKey struct {
	bundle string
	class  string
}

// ParseLibraryHint splits a native library path such as
// "/data/app/lib/arm64/libdemo.so" into its directory and bare name ("demo").
// Hints shorter than five characters carry no library.
func ParseLibraryHint(hint string) (dir, name string) {
	if len(hint) < 5 {
		return "", ""
	}
	i := strings.LastIndex(hint, "/")
	if i > 0 {
		dir = hint[:i]
	}
	name = strings.TrimSuffix(strings.TrimPrefix(hint[i+1:], "lib"), ".so")
	return dir, name
}

// Register loads className from bundlePath and records its controller. Failures
// are reported through the ResultCode and logged; they never surface as errors
// or panics.
func (r *InjectorRegistry) Register(bundlePath, libraryHint, className, argString string, argInt int) ResultCode {
	code := r.register(bundlePath, libraryHint, className, argString, argInt)
	r.metrics.IncrementCounter("albatross_injector_registrations_total", map[string]string{"result": code.String()}, 1)
	return code
}

func (r *InjectorRegistry) register(bundlePath, libraryHint, className, argString string, argInt int) ResultCode {
	key := injectorKey{bundle: bundlePath, class: className}
	log := r.logger.With("bundle", bundlePath, "class", className)

	if r.registered(key) {
		log.Info("Injector already registered")
		return ResultDuplicateKey
	}

	// Opening and construction run unlocked: a constructor may call back
	// into the registry, and hooks firing meanwhile must not wait on a bundle.
	bundle, err := r.bundle(bundlePath)
	if err != nil {
		log.Error("Bundle open failed", "error", err)
		return ResultLoadClassFailed
	}

	factory, err := bundle.Lookup(className)
	if err != nil {
		log.Error("Controller lookup failed", "error", err)
		switch {
		case HasErrorCode(err, ErrCodeAccessDenied):
			return ResultConstructorAccessFailed
		case HasErrorCode(err, ErrCodeConstructorMissing):
			return ResultConstructorMissing
		}
		return ResultLoadClassFailed
	}
	if factory == nil {
		log.Error("Controller constructor missing", "error", NewConstructorMissingError(bundlePath, className))
		return ResultConstructorMissing
	}

	libDir, libName := ParseLibraryHint(libraryHint)
	args := ControllerArgs{
		LibraryName: libName,
		LibraryDir:  libDir,
		ArgString:   argString,
		ArgInt:      argInt,
		Installer:   r.installer,
		Binder:      r.binder,
		Logger:      log,
	}

	var controller Controller
	err = callGuarded(log, "controller_constructor", func() error {
		var cerr error
		controller, cerr = factory(args)
		return cerr
	})
	if err != nil {
		log.Error("Controller constructor failed", "error", err)
		return ResultConstructorThrew
	}
	if controller == nil {
		log.Error("Controller constructor returned no instance")
		return ResultInstantiationFailed
	}

	rec := &InjectorRecord{
		BundlePath:  bundlePath,
		ClassName:   className,
		LibraryName: libName,
		LibraryDir:  libDir,
		Controller:  controller,
	}
	r.mu.Lock()
	if _, dup := r.records[key]; dup {
		r.mu.Unlock()
		log.Info("Injector registered concurrently, dropping duplicate controller")
		return ResultDuplicateKey
	}
	r.records[key] = rec
	r.order = append(r.order, rec)
	app := r.app
	r.mu.Unlock()

	log.Info("Injector registered", "library", libName)

	if app == nil {
		return ResultSuccess
	}

	// The application already exists: catch the controller up synchronously.
	if !r.load(rec) {
		return ResultControllerRejectedLoad
	}
	r.before(rec, app)
	r.after(rec, app)
	return ResultSuccess
}

func (r *InjectorRegistry) registered(key injectorKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[key]
	return ok
}

// bundle returns the cached bundle for path, opening it on first use.
func (r *InjectorRegistry) bundle(bundlePath string) (Bundle, error) {
	r.bundleMu.Lock()
	defer r.bundleMu.Unlock()
	if b, ok := r.bundles[bundlePath]; ok {
		return b, nil
	}
	b, err := r.loader.Open(bundlePath)
	if err != nil {
		return nil, err
	}
	r.bundles[bundlePath] = b
	return b, nil
}

func (r *InjectorRegistry) setState(rec *InjectorRecord, s InjectorState) {
	rec.state.Store(int32(s))
}

func (r *InjectorRegistry) load(rec *InjectorRecord) bool {
	var ok bool
	err := callGuarded(r.logger, "controller_load", func() error {
		ok = rec.Controller.Load()
		return nil
	})
	if err != nil || !ok {
		r.setState(rec, StateFailed)
		r.logger.Error("Controller load returned false",
			"class", rec.ClassName, "error", NewLibraryLoadError(rec.LibraryName, err))
		return false
	}
	r.setState(rec, StateLoaded)
	return true
}

func (r *InjectorRegistry) before(rec *InjectorRecord, app any) {
	_ = callGuarded(r.logger, "before_application_create", func() error {
		rec.Controller.BeforeApplicationCreate(app)
		return nil
	})
}

func (r *InjectorRegistry) after(rec *InjectorRecord, app any) {
	_ = callGuarded(r.logger, "after_application_create", func() error {
		rec.Controller.AfterApplicationCreate(app)
		return nil
	})
	r.setState(rec, StateStarted)
}

// snapshot returns the records in registration order, skipping failed ones.
func (r *InjectorRegistry) snapshot() []*InjectorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*InjectorRecord, 0, len(r.order))
	for _, rec := range r.order {
		if rec.State() != StateFailed {
			out = append(out, rec)
		}
	}
	return out
}

// Init drives every registered controller through Load then
// BeforeMakeApplication in registration order, stopping at the first Load that
// returns false. On success it hooks the host's application creation so that
// BeforeApplicationCreate runs for all controllers, then the original, then
// AfterApplicationCreate for all controllers.
func (r *InjectorRegistry) Init() error {
	r.mu.RLock()
	order := append([]*InjectorRecord(nil), r.order...)
	r.mu.RUnlock()

	for _, rec := range order {
		if !r.load(rec) {
			err := NewInitAbortedError(rec.ClassName)
			r.logger.Error("Injector initialization stopped", "class", rec.ClassName, "error", err)
			return err
		}
		if obs, ok := rec.Controller.(MakeApplicationObserver); ok {
			_ = callGuarded(r.logger, "before_make_application", func() error {
				obs.BeforeMakeApplication()
				return nil
			})
		}
	}

	if r.installer == nil {
		r.logger.Warn("No hook installer configured; application creation not hooked")
		r.markInitialized()
		return nil
	}

	decl := []HookDeclaration{{
		Target:   r.opts.ApplicationTarget,
		Replace:  r.applicationCreateHook,
		Required: r.opts.ApplicationRequired,
	}}
	res := r.installer.InstallBatchDetailed(decl)
	if res.Failed > 0 {
		return res.Errors[0]
	}
	r.markInitialized()
	r.logger.Info("Injector registry initialized", "controllers", len(order), "hooked", res.Installed == 1)
	return nil
}

func (r *InjectorRegistry) markInitialized() {
	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()
}

func (r *InjectorRegistry) applicationCreateHook(original Entry) Entry {
	return func(args ...any) (any, error) {
		var app any
		if idx := r.opts.ApplicationArg; idx >= 0 && idx < len(args) {
			app = args[idx]
		}
		r.SetApplication(app)

		recs := r.snapshot()
		for _, rec := range recs {
			r.before(rec, app)
		}
		res, err := original(args...)
		for _, rec := range recs {
			r.after(rec, app)
		}
		return res, err
	}
}

// SetApplication records the host application object. Controllers registered
// afterwards are caught up immediately.
func (r *InjectorRegistry) SetApplication(app any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.app = app
}

// Application returns the recorded host application, or nil.
func (r *InjectorRegistry) Application() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.app
}

// Initialized reports whether Init completed.
func (r *InjectorRegistry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Records returns the records in registration order.
func (r *InjectorRegistry) Records() []*InjectorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*InjectorRecord(nil), r.order...)
}

// Lookup returns the record for (bundlePath, className).
func (r *InjectorRegistry) Lookup(bundlePath, className string) (*InjectorRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[injectorKey{bundle: bundlePath, class: className}]
	return rec, ok
}

// CachedBundles returns how many bundle loaders are cached.
func (r *InjectorRegistry) CachedBundles() int {
	r.bundleMu.Lock()
	defer r.bundleMu.Unlock()
	return len(r.bundles)
}
