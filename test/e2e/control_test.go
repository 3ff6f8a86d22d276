package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

func TestStopRequestHaltsRunAtIterationBoundary(t *testing.T) {
	app := NewTestApp(t, WithPlan(SingleTaskPlan()))
	app.Agent.SetDelay(200 * time.Millisecond)

	sessionID := sessionIDFor(t, "stop")
	app.SubmitRun(sessionID, "small change")

	// The run is live in this process; request the stop while the worker
	// turn is still in flight.
	app.WaitForActive(sessionID, 5*time.Second)
	app.StopSession(sessionID)

	detail := app.WaitForStatus(sessionID, models.StatusStopped, 15*time.Second)
	assert.False(t, detail.StopRequested, "the stop consumed the flag")
	assert.False(t, detail.Active)

	// Stopped is terminal: resuming returns without new worker turns.
	turns := len(app.Agent.Calls())
	app.ResumeRun(sessionID)
	require.Eventually(t, func() bool {
		return app.Manager.ActiveCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusStopped, app.GetSession(sessionID).Status)
	assert.Len(t, app.Agent.Calls(), turns)
}

func TestRetryStageReexecutesFromThatStage(t *testing.T) {
	app := NewTestApp(t)

	sessionID := sessionIDFor(t, "retry")
	app.SubmitRun(sessionID, "Build the feature end to end")
	app.WaitForStatus(sessionID, models.StatusCompleted, 15*time.Second)
	require.Len(t, app.Agent.CallsFor("t3"), 1)

	// The retry flag is durable until the next run consumes it.
	app.RetryStage(sessionID, "s2")
	assert.Equal(t, "s2", app.GetSession(sessionID).RetryStageID)

	app.ResumeRun(sessionID)
	require.Eventually(t, func() bool {
		return len(app.Agent.CallsFor("t3")) == 2
	}, 10*time.Second, 10*time.Millisecond, "stage two re-executes")

	detail := app.WaitForStatus(sessionID, models.StatusCompleted, 15*time.Second)
	assert.Empty(t, detail.RetryStageID, "the retry consumed the flag")
	assert.Len(t, app.Agent.CallsFor("t1"), 1, "earlier stages are not re-executed")
	assert.Len(t, app.Agent.CallsFor("t2"), 1)
}

func TestRetryStageValidatesAgainstFrozenPlan(t *testing.T) {
	app := NewTestApp(t)

	sessionID := sessionIDFor(t, "badstage")
	app.SubmitRun(sessionID, "Build the feature end to end")
	app.WaitForStatus(sessionID, models.StatusCompleted, 15*time.Second)

	resp, body := app.postJSON("/api/v1/sessions/"+sessionID+"/retry-stage", map[string]string{"stage_id": "s99"})
	assert.Equal(t, 400, resp.StatusCode)
	assert.Contains(t, string(body), "not found in the plan")
}
