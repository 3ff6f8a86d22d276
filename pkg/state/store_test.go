package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(StoreConfig{ProjectDir: t.TempDir(), LockTimeout: 2 * time.Second})
}

func TestStoreUpdateCreatesSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.Update(ctx, "sess-1", models.SessionPatch{
		Objective: models.Ptr("build a parser"),
		Status:    models.Ptr(models.StatusRunning),
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, "build a parser", st.Objective)
	assert.Equal(t, models.StatusRunning, st.Status)
	assert.False(t, st.CreatedAt.IsZero())

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, st.Objective, got.Objective)
}

func TestStoreUpdateMergesOverCurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "sess-1", models.SessionPatch{
		Objective:  models.Ptr("objective"),
		StageIndex: models.Ptr(1),
	})
	require.NoError(t, err)

	st, err := store.Update(ctx, "sess-1", models.SessionPatch{StageIndex: models.Ptr(2)})
	require.NoError(t, err)

	assert.Equal(t, "objective", st.Objective, "untouched fields survive")
	assert.Equal(t, 2, st.StageIndex)
}

func TestStoreEmptyPatchOnlyBumpsUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Update(ctx, "sess-1", models.SessionPatch{Objective: models.Ptr("o")})
	require.NoError(t, err)

	second, err := store.Update(ctx, "sess-1", models.SessionPatch{})
	require.NoError(t, err)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	second.UpdatedAt = first.UpdatedAt
	assert.Equal(t, first, second)
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	st, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStoreListOrdersByUpdatedAtDesc(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Update(ctx, id, models.SessionPatch{})
		require.NoError(t, err)
	}
	_, err := store.Update(ctx, "a", models.SessionPatch{})
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].SessionID)
}

func TestStoreStopAndClearStop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Stop(ctx, "sess-1"))
	st, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, st.StopRequested)

	require.NoError(t, store.ClearStop(ctx, "sess-1"))
	st, err = store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, st.StopRequested)
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "sess-1", models.SessionPatch{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "sess-1"))
	st, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, st)

	assert.NoError(t, store.Delete(ctx, "sess-1"), "deleting a missing session is a no-op")
}

func TestStoreCapsFileChanges(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(StoreConfig{ProjectDir: dir, LockTimeout: time.Second, FileChangesLimit: 3})
	ctx := context.Background()

	var changes []models.FileChange
	for i := 0; i < 10; i++ {
		changes = append(changes, models.FileChange{Path: fmt.Sprintf("f%d.go", i), AddedLines: 1})
	}
	st, err := store.Update(ctx, "sess-1", models.SessionPatch{FileChanges: changes})
	require.NoError(t, err)

	require.Len(t, st.FileChanges, 3)
	assert.Equal(t, "f7.go", st.FileChanges[0].Path)
	assert.Equal(t, "f9.go", st.FileChanges[2].Path)
}

func TestStoreConcurrentUpdatesSerialize(t *testing.T) {
	dir := t.TempDir()
	// Two independent Store values over the same path simulate two processes
	// contending on the file lock.
	a := NewStore(StoreConfig{ProjectDir: dir, LockTimeout: 5 * time.Second})
	b := NewStore(StoreConfig{ProjectDir: dir, LockTimeout: 5 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := a.Update(ctx, "sess-1", models.SessionPatch{StageIndex: models.Ptr(i)}); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := b.Update(ctx, "sess-1", models.SessionPatch{Iterations: models.Ptr(i)}); err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// The file must still be valid JSON with both writers' fields present.
	data, err := os.ReadFile(a.Path())
	require.NoError(t, err)
	var parsed map[string]map[string]*models.SessionState
	require.NoError(t, json.Unmarshal(data, &parsed))

	st, err := a.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 9, st.StageIndex)
	assert.Equal(t, 9, st.Iterations)
}

func TestStoreWithLockReadModifyWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "sess-1", models.SessionPatch{Status: models.Ptr(models.StatusCompleted)})
	require.NoError(t, err)

	err = store.WithLock(ctx, func(tx *Tx) error {
		st, err := tx.Get("sess-1")
		if err != nil {
			return err
		}
		if st.Status == models.StatusCompleted {
			_, err = tx.Update("sess-1", models.SessionPatch{Phase: models.Ptr(models.PhaseTerminal)})
		}
		return err
	})
	require.NoError(t, err)

	st, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseTerminal, st.Phase)
}

func TestStoreHealth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Health(ctx), "an absent state file is healthy")

	_, err := store.Update(ctx, "sess-1", models.SessionPatch{})
	require.NoError(t, err)
	require.NoError(t, store.Health(ctx))

	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o755))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{corrupt"), 0o644))
	assert.Error(t, store.Health(ctx))
}
