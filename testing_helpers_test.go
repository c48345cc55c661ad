// testing_helpers_test.go: shared fixtures for endpoint, host and hook tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEnvironment owns the temporary resources of one test.
type TestEnvironment struct {
	t         *testing.T
	socketDir string
	logger    *TestLogger
	metrics   *DefaultMetricsCollector
}

// NewTestEnvironment creates an environment cleaned up with the test.
//
// Unix socket paths are limited to about 100 bytes, so the socket directory
// is created directly under the system temp dir instead of t.TempDir().
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	dir, err := os.MkdirTemp("", "alb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return &TestEnvironment{
		t:         t,
		socketDir: dir,
		logger:    NewTestLogger(),
		metrics:   NewDefaultMetricsCollector(),
	}
}

// EndpointConfig returns a fast-timing endpoint config rooted in the socket dir.
func (te *TestEnvironment) EndpointConfig(name string) EndpointConfig {
	return EndpointConfig{
		Name:             name,
		Network:          NetworkUnix,
		SocketDir:        te.socketDir,
		RequestTimeout:   2 * time.Second,
		BroadcastTimeout: 300 * time.Millisecond,
		DrainTimeout:     500 * time.Millisecond,
	}
}

// StartEndpoint creates and starts an endpoint stopped with the test.
func (te *TestEnvironment) StartEndpoint(cfg EndpointConfig, api *API) *Endpoint {
	te.t.Helper()
	ep := NewEndpoint(cfg, api, te.logger, te.metrics)
	require.NoError(te.t, ep.Start(context.Background()))
	te.t.Cleanup(func() { _ = ep.Stop() })
	return ep
}

// Dial connects a client to cfg, closed with the test.
func (te *TestEnvironment) Dial(cfg EndpointConfig, api *API) *Client {
	te.t.Helper()
	c, err := DialEndpoint(context.Background(), cfg, api, ClientOptions{Timeout: 2 * time.Second, Logger: te.logger})
	require.NoError(te.t, err)
	te.t.Cleanup(func() { _ = c.Close() })
	return c
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// fakeHost implements HostServices over in-memory tables.
type fakeHost struct {
	mu        sync.Mutex
	uids      map[string]int
	front     ComponentName
	hasFront  bool
	procs     []ProcessInfo
	home      string
	homeCalls int
	attachErr error
	attached  int
	started   []string
	sent      []string
	stopped   []string
	moved     []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		uids:     map[string]int{"com.example.app": 10057, "com.example.mail": 10058},
		front:    ComponentName{Package: "com.example.app", Class: "com.example.app.MainActivity"},
		hasFront: true,
		procs: []ProcessInfo{
			{PID: 4100, UID: 10057, Importance: 100, ProcessName: "com.example.app", Packages: []string{"com.example.app"}},
			{PID: 4101, UID: 10057, Importance: 300, ProcessName: "com.example.app:sync", Packages: []string{"com.example.app"},
				ImportanceReason: &ComponentName{Package: "com.example.app", Class: "com.example.app.SyncService"}},
			{PID: 4200, UID: 10058, Importance: 400, ProcessName: "com.example.mail", Packages: []string{"com.example.mail"}},
		},
		home: "com.example.launcher",
	}
}

func (h *fakeHost) Attach(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attachErr != nil {
		return h.attachErr
	}
	h.attached++
	return nil
}

func (h *fakeHost) FrontActivity(context.Context) (ComponentName, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.front, h.hasFront, nil
}

func (h *fakeHost) RunningAppProcesses(context.Context) ([]ProcessInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ProcessInfo(nil), h.procs...), nil
}

func (h *fakeHost) HomePackage(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.homeCalls++
	return h.home, nil
}

func (h *fakeHost) PackageUID(pkg string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uid, ok := h.uids[pkg]
	if !ok {
		return 0, fmt.Errorf("package %s not found", pkg)
	}
	return uid, nil
}

func (h *fakeHost) StartActivity(_ context.Context, pkg, activity string, uid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if activity == "" {
		return errors.New("activity required")
	}
	h.started = append(h.started, fmt.Sprintf("%s/%s@%d", pkg, activity, uid))
	return nil
}

func (h *fakeHost) SendBroadcast(_ context.Context, target ComponentName, action string, uid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, fmt.Sprintf("%s/%s:%s@%d", target.Package, target.Class, action, uid))
	return nil
}

func (h *fakeHost) ForceStopPackage(_ context.Context, pkg string, _ int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.uids[pkg]; !ok {
		return fmt.Errorf("package %s not found", pkg)
	}
	h.stopped = append(h.stopped, pkg)
	return nil
}

func (h *fakeHost) MoveTaskToFront(_ context.Context, pkg string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.moved = append(h.moved, pkg)
	return pkg == h.front.Package, nil
}

func (h *fakeHost) Stopped() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stopped...)
}

func (h *fakeHost) AttachCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached
}
