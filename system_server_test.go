// system_server_test.go: admin API and process attach interception tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testActivityManager struct {
	mPidsSelfLocked map[int]any
}

type testAppInfo struct {
	packageName string
}

type testHostingRecord struct {
	name string
	kind string
}

func (r *testHostingRecord) GetName() string { return r.name }
func (r *testHostingRecord) GetType() string { return r.kind }

type testProcessRecord struct {
	processName   string
	info          *testAppInfo
	hostingRecord *testHostingRecord
}

func testHostLayout() HostLayout {
	return HostLayout{
		ActivityManager: DescribeStruct(ActivityManagerType, testActivityManager{}),
		ProcessRecord:   DescribeStruct(ProcessRecordType, testProcessRecord{}),
		ApplicationInfo: DescribeStruct("android.content.pm.ApplicationInfo", testAppInfo{}),
		HostingRecord:   DescribeStruct(HostingRecordType, testHostingRecord{}),
	}
}

func testActivityManagerState() *testActivityManager {
	return &testActivityManager{mPidsSelfLocked: map[int]any{
		4100: &testProcessRecord{
			processName:   "com.example.app",
			info:          &testAppInfo{packageName: "com.example.app"},
			hostingRecord: &testHostingRecord{name: "com.example.app/.MainActivity", kind: "activity"},
		},
		4200: &testProcessRecord{
			processName: "com.example.mail",
			info:        &testAppInfo{packageName: "com.example.mail"},
		},
	}}
}

type systemFixture struct {
	env     *TestEnvironment
	host    *fakeHost
	table   *DispatchTable
	server  *SystemServer
	ep      *Endpoint
	cfg     EndpointConfig
	client  *Client
	metrics *DefaultMetricsCollector
}

func newSystemFixture(t *testing.T, opts SystemServerOptions) *systemFixture {
	t.Helper()
	env := NewTestEnvironment(t)
	host := newFakeHost()
	table := NewDispatchTable()
	table.Define(AttachApplicationTarget, func(args ...any) (any, error) { return true, nil })

	binder, err := NewVersionBinder("", nil, env.logger)
	require.NoError(t, err)
	installer := NewHookInstaller(table, env.logger, env.metrics)
	srv, err := NewSystemServer(host, installer, binder, opts, env.logger, env.metrics)
	require.NoError(t, err)

	cfg := env.EndpointConfig(SystemServerName)
	ep := env.StartEndpoint(cfg, SystemServerAPI)
	require.NoError(t, srv.Bind(ep))

	return &systemFixture{
		env: env, host: host, table: table, server: srv, ep: ep, cfg: cfg,
		client:  env.Dial(cfg, SystemServerAPI),
		metrics: env.metrics,
	}
}

func (f *systemFixture) call(t *testing.T, method string, args ...any) any {
	t.Helper()
	v, err := f.client.Call(context.Background(), method, args...)
	require.NoError(t, err, method)
	return v
}

func TestSystemServer_Queries(t *testing.T) {
	f := newSystemFixture(t, SystemServerOptions{})

	assert.Equal(t, "com.example.app,com.example.app.MainActivity", f.call(t, MethodGetTopActivity, false))
	assert.Equal(t,
		"com.example.app,com.example.app.MainActivity|4100:100:com.example.app&4101:300:com.example.app:sync&",
		f.call(t, MethodGetTopActivity, true))

	assert.Equal(t,
		"com.example.app,com.example.app.MainActivity|"+
			"4100:100:com.example.app&"+
			"4101:300:com.example.app:sync:com.example.app/com.example.app.SyncService&",
		f.call(t, MethodGetTargetProcess, "com.example.app"))
	assert.Equal(t,
		"com.example.app,com.example.app.MainActivity|4200:400:com.example.mail&",
		f.call(t, MethodGetTargetProcess, "com.example.mail"))

	assert.Equal(t, `["com.example.app","com.example.app.MainActivity"]`, f.call(t, MethodGetFrontActivityQuick))
	assert.JSONEq(t, `["com.example.app","com.example.app.MainActivity",[
		[4100,10057,100,"com.example.app",["com.example.app"]],
		[4101,10057,300,"com.example.app:sync",["com.example.app"]],
		[4200,10058,400,"com.example.mail",["com.example.mail"]]]]`,
		f.call(t, MethodGetFrontActivity).(string))

	procs := f.call(t, MethodGetAllProcesses).(string)
	assert.JSONEq(t, procs, f.call(t, MethodGetAppProcesses).(string))
	assert.Contains(t, procs, `[4200,10058,400,"com.example.mail",["com.example.mail"]]`)
}

func TestSystemServer_NoFrontActivity(t *testing.T) {
	f := newSystemFixture(t, SystemServerOptions{})
	f.host.mu.Lock()
	f.host.hasFront = false
	f.host.mu.Unlock()

	assert.Equal(t, "", f.call(t, MethodGetTopActivity, true))
	assert.Equal(t, "", f.call(t, MethodGetTargetProcess, "com.example.app"))
	assert.Equal(t, "", f.call(t, MethodGetFrontActivityQuick))
}

func TestSystemServer_LaunchPackageCached(t *testing.T) {
	f := newSystemFixture(t, SystemServerOptions{})
	assert.Equal(t, "com.example.launcher", f.call(t, MethodGetLaunchPackage))
	assert.Equal(t, "com.example.launcher", f.call(t, MethodGetLaunchPackage))

	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	assert.Equal(t, 1, f.host.homeCalls)
}

func TestSystemServer_Actions(t *testing.T) {
	f := newSystemFixture(t, SystemServerOptions{})

	assert.Equal(t, StatusSuccess, f.call(t, MethodStartActivity, "com.example.app", ".MainActivity", 10057))
	assert.Equal(t, "activity required", f.call(t, MethodStartActivity, "com.example.app", "", 10057))
	assert.Equal(t, StatusSuccess, f.call(t, MethodSendBroadcast, "com.example.mail", ".SyncReceiver", "com.example.SYNC", 10058))

	assert.Equal(t, true, f.call(t, MethodForceStopApp, "com.example.mail"))
	assert.Equal(t, false, f.call(t, MethodForceStopApp, "com.example.ghost"))
	assert.Equal(t, []string{"com.example.mail"}, f.host.Stopped())

	assert.Equal(t, true, f.call(t, MethodSetTopApp, "com.example.app"))
	assert.Equal(t, false, f.call(t, MethodSetTopApp, "com.example.mail"))

	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	assert.Equal(t, []string{"com.example.app/.MainActivity@10057"}, f.host.started)
	assert.Equal(t, []string{"com.example.mail/.SyncReceiver:com.example.SYNC@10058"}, f.host.sent)
	assert.Equal(t, []string{"com.example.app", "com.example.mail"}, f.host.moved)
}

func TestSystemServer_InterceptRules(t *testing.T) {
	f := newSystemFixture(t, SystemServerOptions{})

	assert.Equal(t, int32(10057), f.call(t, MethodSetInterceptApp, "com.example.app", false))
	assert.Equal(t, int32(10058), f.call(t, MethodSetInterceptApp, "com.example.mail", false))
	assert.Equal(t, map[int]string{10057: "com.example.app", 10058: "com.example.mail"}, f.server.Filter().Rules())

	assert.Equal(t, int32(10058), f.call(t, MethodSetInterceptApp, "com.example.mail", true))
	assert.Equal(t, map[int]string{10058: "com.example.mail"}, f.server.Filter().Rules())

	assert.Equal(t, int32(0), f.call(t, MethodSetInterceptApp, "com.example.ghost", false))
	assert.Equal(t, int32(0), f.call(t, MethodSetInterceptApp, InterceptAllLabel, false))
	assert.True(t, f.server.Filter().InterceptAll())

	assert.Equal(t, false, f.call(t, MethodSetInterceptAll, false))
	assert.False(t, f.server.Filter().ShouldIntercept(10057))
	assert.True(t, f.server.Filter().ShouldIntercept(10058))
}

func TestSystemServer_Init(t *testing.T) {
	t.Run("InstallsHooksThenAttaches", func(t *testing.T) {
		var hooked bool
		target := MethodTarget("demo.Settings", "load", "()V")
		f := newSystemFixture(t, SystemServerOptions{InitHooks: []HookDeclaration{{
			Target: target,
			Replace: func(original Entry) Entry {
				return func(args ...any) (any, error) {
					hooked = true
					return original(args...)
				}
			},
			Required: true,
		}}})
		f.table.Define(target, func(...any) (any, error) { return nil, nil })

		assert.Equal(t, true, f.call(t, MethodInit))
		_, err := f.table.Call(target)
		require.NoError(t, err)
		assert.True(t, hooked)
		assert.Equal(t, 1, f.table.HookCount(target))
		assert.Equal(t, 1, f.host.AttachCount())

		assert.Equal(t, true, f.call(t, MethodInit), "init is idempotent")
		assert.Equal(t, 1, f.host.AttachCount())
	})

	t.Run("MissingRequiredHook", func(t *testing.T) {
		f := newSystemFixture(t, SystemServerOptions{InitHooks: []HookDeclaration{{
			Target:   MethodTarget("demo.Missing", "load", "()V"),
			Replace:  func(original Entry) Entry { return original },
			Required: true,
		}}})
		assert.False(t, f.server.Init(context.Background()))
		assert.Equal(t, 0, f.host.AttachCount())
	})

	t.Run("AttachFailure", func(t *testing.T) {
		f := newSystemFixture(t, SystemServerOptions{})
		f.host.mu.Lock()
		f.host.attachErr = errors.New("service manager unavailable")
		f.host.mu.Unlock()
		assert.False(t, f.server.Init(context.Background()))
		assert.True(t, f.env.logger.HasMessage("ERROR", "Host services not attached"))

		f.host.mu.Lock()
		f.host.attachErr = nil
		f.host.mu.Unlock()
		assert.True(t, f.server.Init(context.Background()))
	})
}

func TestSystemServer_InitIntercept(t *testing.T) {
	f := newSystemFixture(t, SystemServerOptions{Layout: testHostLayout()})

	assert.Equal(t, int32(1), f.call(t, MethodInitIntercept), "only the defined attach signature binds")
	assert.True(t, f.server.InterceptActive())
	assert.Equal(t, 1, f.table.HookCount(AttachApplicationTarget))
	assert.Equal(t, int32(-1), f.call(t, MethodInitIntercept))

	events := make(chan LaunchEvent, 4)
	sub, err := f.env.Dial(f.cfg, SystemServerAPI).Subscribe(context.Background(), map[string]BroadcastHandler{
		BroadcastLaunchProcess: LaunchProcessHandler(func(ev LaunchEvent) error {
			events <- ev
			return nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	f.server.Filter().SetRule("com.example.app", false)
	am := testActivityManagerState()

	res, err := f.table.Call(AttachApplicationTarget, am, nil, 4100, 10057, int64(3))
	require.NoError(t, err)
	assert.Equal(t, true, res, "the host attach still runs")

	select {
	case ev := <-events:
		assert.Equal(t, 10057, ev.UID)
		assert.Equal(t, 4100, ev.PID)
		assert.Equal(t, "com.example.app", ev.Package)
		assert.Equal(t, "com.example.app", ev.Process)
		assert.Equal(t, "activity", ev.Type)
		assert.Equal(t, "com.example.app/.MainActivity", ev.Name)
		assert.False(t, ev.ObservedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("launch event not received")
	}

	_, err = f.table.Call(AttachApplicationTarget, am, nil, 4200, 10058, int64(4))
	require.NoError(t, err)
	select {
	case ev := <-events:
		t.Fatalf("unexpected launch event for %s", ev.Process)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), f.metrics.Counter("albatross_launch_events_total", map[string]string{"delivered": "true"}))

	f.server.Filter().SetInterceptAll(true)
	_, err = f.table.Call(AttachApplicationTarget, am, nil, 4200, 10058, int64(5))
	require.NoError(t, err)
	select {
	case ev := <-events:
		assert.Equal(t, "com.example.mail", ev.Package)
		assert.Empty(t, ev.Type, "no hosting record")
	case <-time.After(2 * time.Second):
		t.Fatal("launch event not received under intercept all")
	}

	_, err = f.table.Call(AttachApplicationTarget, am, nil, 9999, 10058, int64(6))
	require.NoError(t, err, "an unknown pid never breaks the attach")
	assert.True(t, f.env.logger.HasMessage("WARN", "Intercept check failed"))
}

func TestSystemServer_InitInterceptUnboundLayout(t *testing.T) {
	layout := testHostLayout()
	layout.ProcessRecord = DescribeRecord(ProcessRecordType, "info")
	f := newSystemFixture(t, SystemServerOptions{Layout: layout})

	assert.Equal(t, 0, f.server.InitIntercept())
	assert.False(t, f.server.InterceptActive())
	assert.Equal(t, 0, f.table.HookCount(AttachApplicationTarget))
}

func TestSystemServer_LaunchProcessWithoutEndpoint(t *testing.T) {
	srv, err := NewSystemServer(newFakeHost(), nil, nil, SystemServerOptions{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0), srv.LaunchProcess(`{"uid":1,"pid":2,"process":"p"}`))
	assert.Equal(t, 0, srv.InitIntercept(), "no installer")
}

func TestParseLaunchEvent(t *testing.T) {
	ev, err := ParseLaunchEvent(`{"uid":10057,"pid":4100,"pkg":"com.example.app","process":"com.example.app","type":"activity","name":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, LaunchEvent{
		UID: 10057, PID: 4100, Package: "com.example.app", Process: "com.example.app",
		Type: "activity", Name: "x", ObservedAt: ev.ObservedAt,
	}, ev)

	_, err = ParseLaunchEvent("{")
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))
}

func TestProcessInfo_MarshalJSON(t *testing.T) {
	data, err := ProcessInfo{PID: 1, UID: 2, Importance: 3, ProcessName: "p"}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3,"p",[]]`, string(data))
}
