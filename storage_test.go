package saga

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inspectableStorage interface {
	RecoveryStorage
	Inspector
}

// testRecoveryStorage runs the behavior every RecoveryStorage must share.
func testRecoveryStorage(t *testing.T, newStorage func(t *testing.T) inspectableStorage) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("absent snapshot", func(t *testing.T) {
		s := newStorage(t)
		got, err := s.RecoverSnapshot(ctx, "nothing")
		require.NoError(t, err)
		assert.Nil(t, got)

		rec, err := s.Get(ctx, "nothing")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("save and recover", func(t *testing.T) {
		s := newStorage(t)
		d := NewTransactionData("order/1", "s-1", 3, now)
		require.NoError(t, d.Payload.Set("units", 2))
		require.NoError(t, s.NotifyTransactionStarted(ctx, d))

		d.State.Increment(2)
		d.UpdatedAt = now.Add(time.Second)
		require.NoError(t, s.SaveSnapshot(ctx, d))

		got, err := s.RecoverSnapshot(ctx, "order/1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "s-1", got.SessionID)
		assert.Equal(t, 2, got.State.CurrentStepIndex())
		assert.True(t, d.Payload.Equal(got.Payload))

		rec, err := s.Get(ctx, "order/1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.Active)

		require.NoError(t, s.NotifyTransactionEnded(ctx, d))
		rec, err = s.Get(ctx, "order/1")
		require.NoError(t, err)
		assert.False(t, rec.Active)

		require.NoError(t, s.RemoveSnapshot(ctx, d))
		got, err = s.RecoverSnapshot(ctx, "order/1")
		require.NoError(t, err)
		assert.Nil(t, got)

		// Removing twice is not an error.
		require.NoError(t, s.RemoveSnapshot(ctx, d))
	})

	t.Run("second session is locked", func(t *testing.T) {
		s := newStorage(t)
		first := NewTransactionData("busy", "s-1", 1, now)
		require.NoError(t, s.NotifyTransactionStarted(ctx, first))

		second := NewTransactionData("busy", "s-2", 1, now)
		assert.ErrorIs(t, s.NotifyTransactionStarted(ctx, second), ErrTransactionLocked)

		require.NoError(t, s.NotifyTransactionEnded(ctx, first))
		assert.NoError(t, s.NotifyTransactionStarted(ctx, second))
	})

	t.Run("failed start leaves no active session", func(t *testing.T) {
		s := newStorage(t)
		bad := NewTransactionData("broken", "s-1", 1, now)
		bad.Payload["raw"] = json.RawMessage("{")
		require.Error(t, s.NotifyTransactionStarted(ctx, bad))

		rec, err := s.Get(ctx, "broken")
		require.NoError(t, err)
		assert.True(t, rec == nil || !rec.Active)

		assert.NoError(t, s.NotifyTransactionStarted(ctx, NewTransactionData("broken", "s-2", 1, now)))
	})

	t.Run("end from another session keeps the owner active", func(t *testing.T) {
		s := newStorage(t)
		owner := NewTransactionData("owned", "s-1", 1, now)
		require.NoError(t, s.NotifyTransactionStarted(ctx, owner))

		require.NoError(t, s.NotifyTransactionEnded(ctx, NewTransactionData("owned", "s-2", 1, now)))
		rec, err := s.Get(ctx, "owned")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.Active)

		// The owner may start again, as a resumed run does.
		assert.NoError(t, s.NotifyTransactionStarted(ctx, owner))
	})

	t.Run("list and discard", func(t *testing.T) {
		s := newStorage(t)
		for i, name := range []string{"a", "b", "c"} {
			d := NewTransactionData(name, "s-"+name, 2, now)
			d.UpdatedAt = now.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.NotifyTransactionStarted(ctx, d))
			require.NoError(t, s.SaveSnapshot(ctx, d))
			if name == "b" {
				require.NoError(t, s.NotifyTransactionEnded(ctx, d))
			}
		}

		all, err := s.List(ctx, SnapshotFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, all.Total)
		require.Len(t, all.Snapshots, 3)

		active := true
		running, err := s.List(ctx, SnapshotFilter{Active: &active})
		require.NoError(t, err)
		assert.Equal(t, 2, running.Total)

		idle := false
		stopped, err := s.List(ctx, SnapshotFilter{Active: &idle})
		require.NoError(t, err)
		require.Len(t, stopped.Snapshots, 1)
		assert.Equal(t, "b", stopped.Snapshots[0].Name)

		page, err := s.List(ctx, SnapshotFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Len(t, page.Snapshots, 1)

		require.NoError(t, s.Discard(ctx, "a"))
		require.NoError(t, s.Discard(ctx, "missing"))
		all, err = s.List(ctx, SnapshotFilter{})
		require.NoError(t, err)
		assert.Equal(t, 2, all.Total)

		// A discarded name can start a new session.
		assert.NoError(t, s.NotifyTransactionStarted(ctx, NewTransactionData("a", "s-new", 2, now)))
	})

	t.Run("drives a transaction", func(t *testing.T) {
		s := newStorage(t)
		tr := &trace{}
		tx := newTestTransaction(t, "driven", ModeRollbackResumable, s,
			StepDefinition{ID: "a", Forward: tr.forward("a"), Backward: tr.backward("a")},
			StepDefinition{ID: "b", Forward: tr.forward("b")},
		)
		result, err := tx.Run(ctx)
		require.NoError(t, err)
		assert.True(t, result.Success())

		got, err := s.RecoverSnapshot(ctx, "driven")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestMemoryStorage(t *testing.T) {
	testRecoveryStorage(t, func(t *testing.T) inspectableStorage {
		return NewMemoryStorage()
	})
}

func TestFileStorage(t *testing.T) {
	testRecoveryStorage(t, func(t *testing.T) inspectableStorage {
		s, err := NewFileStorage(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStorage(dir)
	require.NoError(t, err)
	d := NewTransactionData("reopen", "s-1", 4, time.Now())
	d.State.Increment(3)
	require.NoError(t, s.SaveSnapshot(ctx, d))

	reopened, err := NewFileStorage(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, reopened.Dir())
	got, err := reopened.RecoverSnapshot(ctx, "reopen")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.State.CurrentStepIndex())
}

func TestFileStorageFailedSnapshotWriteRemovesMarker(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)

	// A directory in place of the snapshot file makes the rename fail.
	require.NoError(t, os.Mkdir(s.path("blocked", snapshotExt), 0o755))

	d := NewTransactionData("blocked", "s-1", 1, time.Now())
	require.Error(t, s.NotifyTransactionStarted(ctx, d))
	assert.NoFileExists(t, s.path("blocked", activeExt))

	require.NoError(t, os.Remove(s.path("blocked", snapshotExt)))
	assert.NoError(t, s.NotifyTransactionStarted(ctx, NewTransactionData("blocked", "s-2", 1, time.Now())))
}

func TestFileStorageDiscardClearsMarkerWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	marker := s.path("orphan", activeExt)
	require.NoError(t, os.WriteFile(marker, []byte("s-dead"), 0o644))
	assert.ErrorIs(t, s.NotifyTransactionStarted(ctx, NewTransactionData("orphan", "s-1", 1, time.Now())), ErrTransactionLocked)

	require.NoError(t, s.Discard(ctx, "orphan"))
	assert.NoFileExists(t, marker)
	assert.NoError(t, s.NotifyTransactionStarted(ctx, NewTransactionData("orphan", "s-1", 1, time.Now())))
}

func TestNewFileStorageRequiresDir(t *testing.T) {
	_, err := NewFileStorage("")
	assert.Error(t, err)
}

func TestNoOpStorage(t *testing.T) {
	ctx := context.Background()
	d := NewTransactionData("x", "s", 1, time.Now())
	assert.NoError(t, NoStorage.NotifyTransactionStarted(ctx, d))
	assert.NoError(t, NoStorage.SaveSnapshot(ctx, d))
	got, err := NoStorage.RecoverSnapshot(ctx, "x")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, NoStorage.RemoveSnapshot(ctx, d))
	assert.NoError(t, NoStorage.NotifyTransactionEnded(ctx, d))
}
