package watch

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapfree/internal/fsutil"
	"mapfree/internal/state"
)

func writeRecord(t *testing.T, dir string, st state.State) {
	t.Helper()
	rec := state.Record{Version: 1, State: st, RunID: "run-1", UpdatedAt: time.Now().UTC()}
	require.NoError(t, fsutil.WriteJSONAtomic(state.Path(dir), rec))
}

func next(t *testing.T, updates <-chan Update, match func(Update) bool) Update {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			require.True(t, ok, "updates closed early")
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("no matching update")
		}
	}
}

func TestSnapshotOfEmptyProject(t *testing.T) {
	u := Snapshot(t.TempDir())
	assert.NoError(t, u.Err)
	assert.Equal(t, state.Init, u.Record.State)
	assert.False(t, u.Running)
	assert.False(t, u.Done())
}

func TestSnapshotReportsCorruptState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(state.Path(dir), []byte("{not json"), 0o644))
	assert.Error(t, Snapshot(dir).Err)
}

func TestFollowerReportsStateAndLock(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFollower(dir, nil)
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := f.Updates(ctx)

	first := next(t, updates, func(Update) bool { return true })
	assert.Equal(t, state.Init, first.Record.State)

	lock, _ := json.Marshal(state.LockInfo{PID: os.Getpid(), Host: "host", RunID: "run-1", StartedAt: time.Now()})
	require.NoError(t, os.WriteFile(state.LockPath(dir), lock, 0o644))
	writeRecord(t, dir, state.FeaturesDone)
	u := next(t, updates, func(u Update) bool { return u.Record.State == state.FeaturesDone && u.Running })
	assert.Equal(t, "run-1", u.Lock.RunID)
	assert.False(t, u.Done())

	writeRecord(t, dir, state.Complete)
	require.NoError(t, os.Remove(state.LockPath(dir)))
	u = next(t, updates, Update.Done)
	assert.Equal(t, state.Complete, u.Record.State)

	cancel()
	for range updates {
	}
}

func TestNewFollowerRejectsMissingDir(t *testing.T) {
	_, err := NewFollower(t.TempDir()+"/missing", nil)
	assert.Error(t, err)
}
