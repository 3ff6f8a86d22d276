package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	rec := &models.CheckpointRecord{
		Name:       "stage_s1",
		Iteration:  4,
		Phase:      models.PhaseStageRunning,
		StageIndex: 1,
		StagePlan: &models.StagePlan{
			PlanID: "p1",
			Stages: []models.Stage{{StageID: "s1", PassRule: models.PassRuleAllSuccess,
				Tasks: []models.PlanTask{{TaskID: "t1", Prompt: "do it", PlannedFiles: []string{"a.go"}}}}},
		},
		TaskProgress: map[string]*models.TaskProgress{
			"t1": {TaskID: "t1", Status: models.TaskCompleted, Attempt: 1},
		},
		GateStatus: map[string]models.GateResult{
			"build": {Enabled: true, Status: models.GatePass},
		},
	}
	require.NoError(t, store.Save(ctx, "sess-1", rec))
	assert.False(t, rec.SavedAt.IsZero())

	loaded, err := store.Load(ctx, "sess-1", "stage_s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rec, loaded)
}

func TestStoreSaveDefaultsToLatest(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess-1", &models.CheckpointRecord{Iteration: 1}))

	loaded, err := store.Load(ctx, "sess-1", "")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.CheckpointLatest, loaded.Name)
	assert.Equal(t, 1, loaded.Iteration)
}

func TestStoreLoadMissingReturnsNil(t *testing.T) {
	store := NewStore(t.TempDir())

	rec, err := store.Load(context.Background(), "sess-1", "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStoreRejectsPathEscapingNames(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	err := store.Save(ctx, "sess-1", &models.CheckpointRecord{Name: "../escape"})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = store.Load(ctx, "sess-1", "a/b")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestStoreListOrdersBySavedAtDesc(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, "sess-1",
			&models.CheckpointRecord{Name: fmt.Sprintf("cp%d", i), Iteration: i}))
	}

	records, err := store.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "cp2", records[0].Name)
	assert.Equal(t, "cp0", records[2].Name)
}

func TestStoreCleanup(t *testing.T) {
	t.Run("keeps newest maxKeep", func(t *testing.T) {
		store := NewStore(t.TempDir())
		ctx := context.Background()
		for i := 0; i < 6; i++ {
			require.NoError(t, store.Save(ctx, "sess-1",
				&models.CheckpointRecord{Name: fmt.Sprintf("cp%d", i)}))
		}

		removed, err := store.Cleanup(ctx, "sess-1", CleanupOptions{MaxKeep: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, removed)

		records, err := store.List(ctx, "sess-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "cp5", records[0].Name)
		assert.Equal(t, "cp4", records[1].Name)
	})

	t.Run("never prunes stage checkpoints when asked to keep them", func(t *testing.T) {
		store := NewStore(t.TempDir())
		ctx := context.Background()
		names := []string{"stage_s1", "cp0", "stage_s2", "cp1", "cp2"}
		for _, name := range names {
			require.NoError(t, store.Save(ctx, "sess-1", &models.CheckpointRecord{Name: name}))
		}

		_, err := store.Cleanup(ctx, "sess-1", CleanupOptions{MaxKeep: 1, KeepStageCheckpoints: true})
		require.NoError(t, err)

		records, err := store.List(ctx, "sess-1")
		require.NoError(t, err)

		var kept []string
		for _, rec := range records {
			kept = append(kept, rec.Name)
		}
		assert.ElementsMatch(t, []string{"stage_s1", "stage_s2", "cp2"}, kept)
	})
}

func TestStoreRemoveSessionAndSessions(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess-a", &models.CheckpointRecord{}))
	require.NoError(t, store.Save(ctx, "sess-b", &models.CheckpointRecord{}))

	ids, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-a", "sess-b"}, ids)

	require.NoError(t, store.RemoveSession(ctx, "sess-a"))
	ids, err = store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-b"}, ids)
}
