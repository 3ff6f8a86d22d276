package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

// deadPID is far beyond any real pid space, so liveness probes see a dead
// owner process.
const deadPID = 1 << 30

func TestRunResumesAcrossRestart(t *testing.T) {
	first := NewTestApp(t)
	first.Agent.SetDelay(100 * time.Millisecond)

	sessionID := sessionIDFor(t, "restart")
	first.SubmitRun(sessionID, "Build the feature end to end")

	// Let stage one land, then kill the run mid stage two.
	require.Eventually(t, func() bool {
		return len(first.Agent.CallsFor("t3")) == 1
	}, 10*time.Second, 10*time.Millisecond, "stage two dispatched")
	require.True(t, first.Manager.Cancel(sessionID))
	require.Eventually(t, func() bool {
		return first.Manager.ActiveCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The interrupted session is resumable: still running, progress kept.
	interrupted := first.GetSession(sessionID)
	assert.Equal(t, models.StatusRunning, interrupted.Status)
	assert.Equal(t, models.TaskCompleted, interrupted.TaskProgress["t1"].Status)
	assert.Equal(t, models.TaskCompleted, interrupted.TaskProgress["t2"].Status)

	// A fresh process over the same project dir picks the session up.
	second := NewTestApp(t, WithProjectDir(first.ProjectDir))
	second.ResumeRun(sessionID)

	detail := second.WaitForStatus(sessionID, models.StatusCompleted, 15*time.Second)
	assert.Equal(t, 2, detail.StageCount)
	assert.Empty(t, second.Agent.CallsFor("t1"), "finished stage is not re-executed")
	assert.Empty(t, second.Agent.CallsFor("t2"))
	assert.Len(t, second.Agent.CallsFor("t3"), 1, "only the interrupted stage re-runs")
}

func TestOrphanRecoveryAtBoot(t *testing.T) {
	dir := t.TempDir()
	sessionID := sessionIDFor(t, "orphan")

	// A session left running by a process that no longer exists.
	seed := state.NewStore(state.StoreConfig{ProjectDir: dir, LockTimeout: 2 * time.Second})
	_, err := seed.Update(context.Background(), sessionID, models.SessionPatch{
		Objective:   models.Ptr("finish the migration"),
		Status:      models.Ptr(models.StatusRunning),
		Phase:       models.Ptr(models.PhaseStageRunning),
		PID:         models.Ptr(deadPID),
		HeartbeatAt: models.Ptr(time.Now().Add(-time.Hour).UTC()),
	})
	require.NoError(t, err)

	app := NewTestApp(t, WithProjectDir(dir), WithHeartbeatMonitor(), WithPlan(SingleTaskPlan()))
	assert.Equal(t, models.StatusRecovering, app.GetSession(sessionID).Status,
		"boot flags the abandoned session")

	app.ResumeRun(sessionID)
	app.WaitForStatus(sessionID, models.StatusCompleted, 15*time.Second)
}

func TestHeartbeatScanFlagsStaleSession(t *testing.T) {
	app := NewTestApp(t,
		WithHeartbeatMonitor(),
		WithConfig(func(cfg *config.Config) {
			cfg.HeartbeatTimeoutMs = 50
		}),
	)

	// Seeded after boot, so startup recovery does not see it; the background
	// scan must.
	sessionID := sessionIDFor(t, "stale")
	_, err := app.Store.Update(context.Background(), sessionID, models.SessionPatch{
		Objective:   models.Ptr("abandoned work"),
		Status:      models.Ptr(models.StatusRunning),
		PID:         models.Ptr(deadPID),
		HeartbeatAt: models.Ptr(time.Now().Add(-time.Minute).UTC()),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return app.GetSession(sessionID).Status == models.StatusRecovering
	}, 5*time.Second, 20*time.Millisecond)
}
