// journal_test.go: launch event journal tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build cgo

package albatross

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJournal_RecordAndQuery(t *testing.T) {
	j, err := OpenEventJournal(":memory:", NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	ctx := context.Background()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []LaunchEvent{
		{UID: 10057, PID: 4100, Package: "com.example.app", Process: "com.example.app", Type: "activity", Name: "com.example.app/.Main", ObservedAt: at},
		{UID: 10058, PID: 4200, Package: "com.example.mail", Process: "com.example.mail"},
		{UID: 10057, PID: 4101, Package: "com.example.app", Process: "com.example.app:sync", Type: "service"},
	}
	for _, ev := range events {
		require.NoError(t, j.Record(ctx, ev))
	}

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 4101, recent[0].PID, "newest first")
	assert.Equal(t, "service", recent[0].Type)
	assert.Equal(t, 4200, recent[1].PID)
	assert.False(t, recent[1].ObservedAt.IsZero(), "zero time is stamped on record")

	all, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[2].ObservedAt.Equal(at))
	assert.Equal(t, "com.example.app/.Main", all[2].Name)

	counts, err := j.CountByPackage(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"com.example.app": 2, "com.example.mail": 1}, counts)
}

func TestEventJournal_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "events.db")
	j, err := OpenEventJournal(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), LaunchEvent{UID: 1, PID: 2, Process: "p"}))
	require.NoError(t, j.Close())

	reopened, err := OpenEventJournal(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	recent, err := reopened.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "events survive a reopen")
}

func TestEventJournal_Errors(t *testing.T) {
	j, err := OpenEventJournal(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	err = j.Record(context.Background(), LaunchEvent{})
	assert.True(t, HasErrorCode(err, ErrCodeJournalQuery))
	_, err = j.Recent(context.Background(), 1)
	assert.True(t, HasErrorCode(err, ErrCodeJournalQuery))
}
