// hook_installer_test.go: hook batches, transactions and rollback tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	greetTarget = MethodTarget("demo.Greeter", "greet", "(Ljava/lang/String;)Ljava/lang/String;")
	countTarget = MethodTarget("demo.Greeter", "count", "()I")
	ctorTarget  = Constructor("demo.Greeter", "()V")
)

func newGreeterTable() *DispatchTable {
	table := NewDispatchTable()
	table.Define(greetTarget, func(args ...any) (any, error) {
		return fmt.Sprintf("hello %v", args[0]), nil
	})
	table.Define(countTarget, func(args ...any) (any, error) {
		return 1, nil
	})
	table.Define(ctorTarget, func(args ...any) (any, error) {
		return nil, nil
	})
	return table
}

func shout(original Entry) Entry {
	return func(args ...any) (any, error) {
		v, err := original(args...)
		return fmt.Sprintf("%v!", v), err
	}
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "demo.Greeter.greet((Ljava/lang/String;)Ljava/lang/String;)", greetTarget.String())
	assert.Equal(t, "demo.Greeter.<init>(()V)", ctorTarget.String())
	assert.True(t, ctorTarget.IsConstructor())
	assert.False(t, greetTarget.IsConstructor())
}

func TestDispatchTable(t *testing.T) {
	table := newGreeterTable()

	v, err := table.Call(greetTarget, "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", v)

	stub := table.Stub(greetTarget)
	trampoline, err := table.Install(greetTarget, shout)
	require.NoError(t, err)
	assert.Equal(t, 1, table.HookCount(greetTarget))

	v, err = stub("bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob!", v, "stubs observe installs")

	v, err = trampoline("bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", v, "trampoline runs the original")

	require.NoError(t, table.Restore(greetTarget))
	v, _ = stub("bob")
	assert.Equal(t, "hello bob", v)

	err = table.Restore(greetTarget)
	assert.True(t, HasErrorCode(err, ErrCodeNothingToRestore))

	missing := MethodTarget("demo.Greeter", "wave", "()V")
	_, err = table.Install(missing, shout)
	assert.True(t, HasErrorCode(err, ErrCodeEntryNotFound))
	_, err = table.Call(missing)
	assert.True(t, HasErrorCode(err, ErrCodeEntryNotFound))

	assert.True(t, table.HasType("demo.Greeter"))
	assert.False(t, table.HasType("demo.Absent"))
	table.DefineType("demo.Absent")
	assert.True(t, table.HasType("demo.Absent"))
}

func TestHookInstaller_InstallBatch(t *testing.T) {
	t.Run("InstallsAndFillsBackup", func(t *testing.T) {
		table := newGreeterTable()
		metrics := NewDefaultMetricsCollector()
		h := NewHookInstaller(table, nil, metrics)

		var backup Entry
		n := h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout, Backup: &backup}})
		assert.Equal(t, 1, n)
		assert.True(t, h.Installed(greetTarget))
		require.NotNil(t, backup)

		v, _ := backup("amy")
		assert.Equal(t, "hello amy", v)
		v, _ = table.Call(greetTarget, "amy")
		assert.Equal(t, "hello amy!", v)

		trampoline, ok := h.Trampoline(greetTarget)
		require.True(t, ok)
		v, _ = trampoline("amy")
		assert.Equal(t, "hello amy", v)

		assert.Equal(t, int64(1), metrics.Counter("albatross_hook_installs_total", map[string]string{"result": "installed"}))
	})

	t.Run("OptionalAbsentTypeSkipped", func(t *testing.T) {
		h := NewHookInstaller(newGreeterTable(), nil, nil)
		res := h.InstallBatchDetailed([]HookDeclaration{
			{Target: MethodTarget("demo.Absent", "run", "()V"), Replace: shout},
			{Target: greetTarget, Replace: shout},
		})
		assert.Equal(t, 1, res.Installed)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 0, res.Failed)
	})

	t.Run("RequiredAbsentTypeFails", func(t *testing.T) {
		h := NewHookInstaller(newGreeterTable(), nil, nil)
		res := h.InstallBatchDetailed([]HookDeclaration{
			{Target: MethodTarget("demo.Absent", "run", "()V"), Replace: shout, Required: true},
		})
		assert.Equal(t, 1, res.Failed)
		require.Len(t, res.Errors, 1)
		assert.True(t, HasErrorCode(res.Errors[0], ErrCodeTargetMissing))
	})

	t.Run("FailureDoesNotAbortBatch", func(t *testing.T) {
		h := NewHookInstaller(newGreeterTable(), nil, nil)
		res := h.InstallBatchDetailed([]HookDeclaration{
			{Target: MethodTarget("demo.Greeter", "wave", "()V"), Replace: shout},
			{Target: greetTarget},
			{Target: countTarget, Replace: shout},
		})
		assert.Equal(t, 1, res.Installed)
		assert.Equal(t, 2, res.Failed)
		assert.True(t, HasErrorCode(res.Errors[0], ErrCodeInstallFailed))
		assert.True(t, HasErrorCode(res.Errors[1], ErrCodeInvalidDeclaration))
		assert.True(t, h.Installed(countTarget))
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		table := newGreeterTable()
		h := NewHookInstaller(table, nil, nil)
		require.Equal(t, 1, h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}}))

		res := h.InstallBatchDetailed([]HookDeclaration{{Target: greetTarget, Replace: shout}})
		assert.Equal(t, 0, res.Installed)
		require.Len(t, res.Errors, 1)
		assert.True(t, HasErrorCode(res.Errors[0], ErrCodeDuplicateInstall))
		assert.Equal(t, 1, table.HookCount(greetTarget))
	})

	t.Run("PanickingBodyRunsOriginal", func(t *testing.T) {
		table := newGreeterTable()
		logger := NewTestLogger()
		h := NewHookInstaller(table, logger, nil)
		h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: func(original Entry) Entry {
			return func(args ...any) (any, error) {
				panic("hook exploded")
			}
		}}})

		v, err := table.Call(greetTarget, "zed")
		require.NoError(t, err)
		assert.Equal(t, "hello zed", v)
		assert.True(t, logger.HasMessage("ERROR", "Hook body panicked, running original"))
	})

	t.Run("PanickingOriginalRunsOnce", func(t *testing.T) {
		table := NewDispatchTable()
		var runs int
		table.Define(greetTarget, func(args ...any) (any, error) {
			runs++
			panic("host failure")
		})
		h := NewHookInstaller(table, NewTestLogger(), nil)
		require.Equal(t, 1, h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}}))

		assert.PanicsWithValue(t, "host failure", func() { _, _ = table.Call(greetTarget, "zed") },
			"the host's own panic propagates")
		assert.Equal(t, 1, runs, "the original runs once per host call")
	})

	t.Run("PanicAfterOriginalKeepsItsResult", func(t *testing.T) {
		table := newGreeterTable()
		var runs int
		logger := NewTestLogger()
		h := NewHookInstaller(table, logger, nil)
		h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: func(original Entry) Entry {
			return func(args ...any) (any, error) {
				runs++
				if _, err := original(args...); err != nil {
					return nil, err
				}
				panic("post-processing failed")
			}
		}}})

		v, err := table.Call(greetTarget, "zed")
		require.NoError(t, err)
		assert.Equal(t, "hello zed", v)
		assert.Equal(t, 1, runs)
		assert.True(t, logger.HasMessage("ERROR", "Hook body panicked after the original returned"))
	})
}

func TestHookInstaller_Transactions(t *testing.T) {
	t.Run("CommitKeepsHooks", func(t *testing.T) {
		table := newGreeterTable()
		h := NewHookInstaller(table, nil, nil)

		depth, err := h.TransactionBegin()
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
		h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}, {Target: countTarget, Replace: shout}})

		rep := h.TransactionEnd(true, true)
		assert.True(t, rep.Success)
		assert.Equal(t, 2, rep.Installed)
		assert.Equal(t, 0, rep.RolledBack)
		assert.Equal(t, 0, h.Depth())
		assert.Equal(t, 1, table.HookCount(greetTarget))
	})

	t.Run("FailureRollsBackInReverseOrder", func(t *testing.T) {
		table := newGreeterTable()
		rec := &recordingPatcher{Patcher: table}
		h := NewHookInstaller(rec, nil, nil)

		_, err := h.TransactionBegin()
		require.NoError(t, err)
		h.InstallBatch([]HookDeclaration{
			{Target: greetTarget, Replace: shout},
			{Target: countTarget, Replace: shout},
			{Target: MethodTarget("demo.Absent", "run", "()V"), Replace: shout, Required: true},
		})
		rep := h.TransactionEnd(false, true)

		assert.False(t, rep.Success)
		assert.Equal(t, 2, rep.Installed)
		assert.Equal(t, 1, rep.Failed)
		assert.Equal(t, 2, rep.RolledBack)
		assert.Empty(t, rep.RollbackErrors)
		assert.Equal(t, []Target{countTarget, greetTarget}, rec.restored)
		assert.Equal(t, 0, table.HookCount(greetTarget))
		assert.False(t, h.Installed(greetTarget))

		// A rolled back target can be installed again.
		assert.Equal(t, 1, h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}}))
	})

	t.Run("FailureWithoutRollbackKeepsHooks", func(t *testing.T) {
		table := newGreeterTable()
		h := NewHookInstaller(table, nil, nil)
		_, _ = h.TransactionBegin()
		h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}})
		rep := h.TransactionEnd(false, false)
		assert.Equal(t, 0, rep.RolledBack)
		assert.Equal(t, 1, table.HookCount(greetTarget))
	})

	t.Run("RestoreErrorsAreRecorded", func(t *testing.T) {
		table := newGreeterTable()
		rec := &recordingPatcher{Patcher: table, restoreErr: errors.New("patch area locked")}
		h := NewHookInstaller(rec, nil, nil)
		_, _ = h.TransactionBegin()
		h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}})
		rep := h.TransactionEnd(false, true)

		assert.Equal(t, 0, rep.RolledBack)
		require.Len(t, rep.RollbackErrors, 1)
		assert.True(t, HasErrorCode(rep.RollbackErrors[0], ErrCodeRollbackFailed))
		assert.True(t, h.Installed(greetTarget))
	})

	t.Run("NestedBeginIsMisuse", func(t *testing.T) {
		h := NewHookInstaller(newGreeterTable(), nil, nil)
		_, err := h.TransactionBegin()
		require.NoError(t, err)

		depth, err := h.TransactionBegin()
		require.Error(t, err)
		assert.Equal(t, 2, depth)
		assert.True(t, HasErrorCode(err, ErrCodeTransactionMisuse))

		inner := h.TransactionEnd(false, true)
		assert.True(t, inner.Misuse)
		assert.Equal(t, 1, h.Depth())

		h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}})
		outer := h.TransactionEnd(true, false)
		assert.False(t, outer.Misuse)
		assert.Equal(t, 1, outer.Installed)
		assert.Equal(t, 0, h.Depth())
	})

	t.Run("EndWithoutBegin", func(t *testing.T) {
		logger := NewTestLogger()
		h := NewHookInstaller(newGreeterTable(), logger, nil)
		rep := h.TransactionEnd(true, false)
		assert.Equal(t, 0, rep.Depth)
		assert.Equal(t, 0, h.Depth())
		assert.True(t, logger.HasMessage("WARN", "Hook transaction end without begin"))
	})

	t.Run("InstallsOutsideTransactionAreNotTracked", func(t *testing.T) {
		table := newGreeterTable()
		h := NewHookInstaller(table, nil, nil)
		h.InstallBatch([]HookDeclaration{{Target: greetTarget, Replace: shout}})

		_, _ = h.TransactionBegin()
		h.InstallBatch([]HookDeclaration{{Target: countTarget, Replace: shout}})
		rep := h.TransactionEnd(false, true)

		assert.Equal(t, 1, rep.RolledBack)
		assert.Equal(t, 1, table.HookCount(greetTarget))
		assert.Equal(t, 0, table.HookCount(countTarget))
	})
}

// recordingPatcher wraps a Patcher and records restores.
type recordingPatcher struct {
	Patcher
	restoreErr error
	restored   []Target
}

func (r *recordingPatcher) Restore(target Target) error {
	if r.restoreErr != nil {
		return r.restoreErr
	}
	r.restored = append(r.restored, target)
	return r.Patcher.Restore(target)
}
