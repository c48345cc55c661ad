// process_hooks.go: process attach interception and launch events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agilira/go-timecache"
)

// Host types and entry points the attach interception binds to.
const (
	ActivityManagerType = "com.android.server.am.ActivityManagerService"
	PidMapType          = "com.android.server.am.ActivityManagerService$PidMap"
	ProcessRecordType   = "com.android.server.am.ProcessRecord"
	HostingRecordType   = "com.android.server.am.HostingRecord"

	attachApplicationMember = "attachApplicationLocked"
)

var (
	// AttachApplicationTarget is the attach entry returning a verdict.
	AttachApplicationTarget = MethodTarget(ActivityManagerType, attachApplicationMember,
		"(Landroid/app/IApplicationThread;IIJ)Z")
	// AttachApplicationVoidTarget is the same entry on layouts where it returns nothing.
	AttachApplicationVoidTarget = MethodTarget(ActivityManagerType, attachApplicationMember,
		"(Landroid/app/IApplicationThread;IIJ)V")
	// PidMapGetTarget looks a process record up by pid on layouts with a PidMap.
	PidMapGetTarget = MethodTarget(PidMapType, "get", "(I)Lcom/android/server/am/ProcessRecord;")
)

// HostLayout describes the host types the attach hooks read from.
// HostingRecord may be nil on layouts that keep hosting data in flat fields.
type HostLayout struct {
	ActivityManager TypeDescriptor
	ProcessRecord   TypeDescriptor
	ApplicationInfo TypeDescriptor
	HostingRecord   TypeDescriptor
}

// PidIndex is a pid keyed table of process records.
type PidIndex interface {
	Get(pid int) any
}

// LaunchEvent is one intercepted process attach.
type LaunchEvent struct {
	UID     int    `json:"uid"`
	PID     int    `json:"pid"`
	Package string `json:"pkg,omitempty"`
	Process string `json:"process"`
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`

	ObservedAt time.Time `json:"-"`
}

// ParseLaunchEvent decodes a launch_process payload.
func ParseLaunchEvent(data string) (LaunchEvent, error) {
	var ev LaunchEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return ev, NewProtocolError("malformed launch event", err)
	}
	ev.ObservedAt = timecache.CachedTime()
	return ev, nil
}

// LaunchProcessHandler adapts fn to the launch_process broadcast. It answers 1
// for every event it could decode.
func LaunchProcessHandler(fn func(LaunchEvent) error) BroadcastHandler {
	return func(args []any) (any, error) {
		data, _ := args[0].(string)
		ev, err := ParseLaunchEvent(data)
		if err != nil {
			return nil, err
		}
		if err := fn(ev); err != nil {
			return nil, err
		}
		return int8(1), nil
	}
}

type processHooks struct {
	server *SystemServer
	logger Logger

	pids          *Binding
	processName   *Binding
	info          *Binding
	packageName   *Binding
	hostingName   *Binding
	hostingType   *Binding
	hostingRecord *Binding
	recordName    *Binding
	recordType    *Binding

	pidMapGet Entry
}

func newProcessHooks(s *SystemServer, layout HostLayout) (*processHooks, error) {
	vb := s.binder
	if vb == nil {
		return nil, NewInvalidDeclarationError("process hooks need a version binder")
	}
	h := &processHooks{server: s, logger: s.logger.With("hooks", "process_attach")}

	bind := func(dst **Binding, desc TypeDescriptor, spec FieldSpec) error {
		b, err := vb.Resolve(desc, spec)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
	steps := []error{
		bind(&h.pids, layout.ActivityManager, FieldSpec{Name: "mPidsSelfLocked", Required: true}),
		bind(&h.processName, layout.ProcessRecord, FieldSpec{Name: "processName", Required: true}),
		bind(&h.info, layout.ProcessRecord, FieldSpec{Name: "info", Required: true}),
		bind(&h.packageName, layout.ApplicationInfo, FieldSpec{Name: "packageName", Required: true}),
		bind(&h.hostingName, layout.ProcessRecord, FieldSpec{Name: "hostingNameStr"}),
		bind(&h.hostingType, layout.ProcessRecord, FieldSpec{Name: "hostingType"}),
		bind(&h.hostingRecord, layout.ProcessRecord, FieldSpec{Name: "hostingRecord", Aliases: []string{"mHostingRecord"}}),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}

	if !h.hostingName.Present() && layout.HostingRecord != nil {
		var err error
		if h.recordName, err = vb.ResolveMethod(layout.HostingRecord, FieldSpec{Name: "getName", Aliases: []string{"GetName"}}); err != nil {
			return nil, err
		}
		if h.recordType, err = vb.ResolveMethod(layout.HostingRecord, FieldSpec{Name: "getType", Aliases: []string{"GetType"}}); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *processHooks) pidMapDeclarations() []HookDeclaration {
	return []HookDeclaration{{
		Target:  PidMapGetTarget,
		Replace: func(original Entry) Entry { return original },
		Backup:  &h.pidMapGet,
	}}
}

func (h *processHooks) attachDeclarations() []HookDeclaration {
	return []HookDeclaration{
		{Target: AttachApplicationTarget, Replace: h.attachHook, Required: true},
		{Target: AttachApplicationVoidTarget, Replace: h.attachHook, Required: true},
	}
}

// attachHook reports the process, then lets the host attach it. Arguments:
// (service, thread, pid, callingUid, startSeq).
func (h *processHooks) attachHook(original Entry) Entry {
	return func(args ...any) (any, error) {
		if len(args) >= 4 {
			h.interceptCheck(args[0], args[2], args[3])
		}
		return original(args...)
	}
}

func (h *processHooks) interceptCheck(service, pidArg, uidArg any) {
	uid, err := toInt64(uidArg)
	if err != nil {
		return
	}
	if !h.server.filter.ShouldIntercept(int(uid)) {
		return
	}
	pid, err := toInt64(pidArg)
	if err != nil {
		h.logger.Warn("Attach pid not readable", "error", err)
		return
	}

	err = callGuarded(h.logger, "intercept_check", func() error {
		ev, err := h.describe(service, int(pid), int(uid))
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		delivered := h.server.LaunchProcess(string(data))
		h.server.metrics.IncrementCounter("albatross_launch_events_total",
			map[string]string{"delivered": fmt.Sprint(delivered == 1)}, 1)
		h.logger.Debug("Launch event broadcast", "pid", ev.PID, "process", ev.Process, "delivered", delivered)
		return nil
	})
	if err != nil {
		h.logger.Warn("Intercept check failed", "pid", pid, "uid", uid, "error", err)
	}
}

func (h *processHooks) describe(service any, pid, uid int) (LaunchEvent, error) {
	ev := LaunchEvent{UID: uid, PID: pid, ObservedAt: timecache.CachedTime()}

	rec, err := h.processRecord(service, pid)
	if err != nil {
		return ev, err
	}
	if ev.Process, err = h.processName.GetString(rec); err != nil {
		return ev, err
	}
	if info, err := h.info.Get(rec); err == nil && info != nil {
		if ev.Package, err = h.packageName.GetString(info); err != nil {
			return ev, err
		}
	}

	var name, typ string
	switch {
	case h.hostingName.Present():
		name, _ = h.hostingName.GetString(rec)
		typ, _ = h.hostingType.GetString(rec)
	case h.hostingRecord.Present():
		hr, err := h.hostingRecord.Get(rec)
		if err != nil || hr == nil {
			break
		}
		name = h.callString(h.recordName, hr)
		typ = h.callString(h.recordType, hr)
	}
	if typ != "" {
		ev.Type, ev.Name = typ, name
	}
	return ev, nil
}

func (h *processHooks) processRecord(service any, pid int) (any, error) {
	pids, err := h.pids.Get(service)
	if err != nil {
		return nil, err
	}
	var rec any
	switch table := pids.(type) {
	case PidIndex:
		rec = table.Get(pid)
	case map[int]any:
		rec = table[pid]
	default:
		if h.pidMapGet == nil {
			return nil, fmt.Errorf("no accessor for pid table %T", pids)
		}
		if rec, err = h.pidMapGet(pids, pid); err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("no process record for pid %d", pid)
	}
	return rec, nil
}

func (h *processHooks) callString(b *Binding, instance any) string {
	if !b.Present() {
		return ""
	}
	out, err := b.Invoke(instance)
	if err != nil || len(out) == 0 {
		return ""
	}
	s, _ := asString(out[0])
	return s
}
