package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/api"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// --- Plan fixtures ---

// TwoStagePlan is the default fixture: two parallel tasks with disjoint
// files, then one integration task gated on both.
func TwoStagePlan() *models.StagePlan {
	return &models.StagePlan{
		PlanID:    "plan_e2e",
		Objective: "build the feature",
		Stages: []models.Stage{
			{
				StageID:  "s1",
				Name:     "Core",
				PassRule: models.PassRuleAllSuccess,
				Tasks: []models.PlanTask{
					{TaskID: "t1", Prompt: "write a", PlannedFiles: []string{"a.go"}},
					{TaskID: "t2", Prompt: "write b", PlannedFiles: []string{"b.go"}},
				},
			},
			{
				StageID:  "s2",
				Name:     "Integration",
				PassRule: models.PassRuleAllSuccess,
				Tasks: []models.PlanTask{
					{TaskID: "t3", Prompt: "wire it", PlannedFiles: []string{"c.go"}, DependsOn: []string{"t1", "t2"}},
				},
			},
		},
	}
}

// SingleTaskPlan has one stage with one task.
func SingleTaskPlan() *models.StagePlan {
	return &models.StagePlan{
		PlanID:    "plan_e2e_single",
		Objective: "small change",
		Stages: []models.Stage{
			{
				StageID:  "s1",
				Name:     "Change",
				PassRule: models.PassRuleAllSuccess,
				Tasks: []models.PlanTask{
					{TaskID: "t1", Prompt: "do it", PlannedFiles: []string{"main.go"}},
				},
			},
		},
	}
}

// --- Task result builders ---

func CompletedResult(files ...string) *models.TaskResult {
	return &models.TaskResult{
		Status:         models.ResultCompleted,
		CompletedFiles: files,
		Reply:          "done " + models.CompletionSentinel,
	}
}

func CompletedResultCost(cost float64, files ...string) *models.TaskResult {
	r := CompletedResult(files...)
	r.Cost = cost
	return r
}

func FailedResult(msg string) *models.TaskResult {
	return &models.TaskResult{Status: models.ResultError, Error: msg}
}

// --- HTTP helpers ---

// SubmitRun posts a new run with a caller-chosen session id and asserts it
// was accepted. Choosing the id lets tests subscribe to the event channel
// before any event fires.
func (app *TestApp) SubmitRun(sessionID, objective string) api.RunResponse {
	app.t.Helper()

	resp, body := app.postJSON("/api/v1/runs", api.SubmitRunRequest{
		SessionID: sessionID,
		Objective: objective,
	})
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode, "submit run: %s", body)

	var out api.RunResponse
	require.NoError(app.t, json.Unmarshal(body, &out))
	require.NotEmpty(app.t, out.SessionID)
	return out
}

// ResumeRun posts a bare session id and asserts it was accepted.
func (app *TestApp) ResumeRun(sessionID string) api.RunResponse {
	app.t.Helper()

	resp, body := app.postJSON("/api/v1/runs", api.SubmitRunRequest{SessionID: sessionID})
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode, "resume run: %s", body)

	var out api.RunResponse
	require.NoError(app.t, json.Unmarshal(body, &out))
	return out
}

// SubmitRunExpect posts a run request and returns the raw status code and
// body for error-path assertions.
func (app *TestApp) SubmitRunExpect(sessionID, objective string) (int, string) {
	app.t.Helper()

	resp, body := app.postJSON("/api/v1/runs", api.SubmitRunRequest{
		SessionID: sessionID,
		Objective: objective,
	})
	return resp.StatusCode, string(body)
}

// StopSession requests a stop and asserts it was accepted.
func (app *TestApp) StopSession(sessionID string) {
	app.t.Helper()

	resp, body := app.postJSON("/api/v1/sessions/"+sessionID+"/stop", nil)
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode, "stop session: %s", body)
}

// RetryStage requests a stage retry and asserts it was accepted.
func (app *TestApp) RetryStage(sessionID, stageID string) {
	app.t.Helper()

	resp, body := app.postJSON("/api/v1/sessions/"+sessionID+"/retry-stage", api.RetryStageRequest{StageID: stageID})
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode, "retry stage: %s", body)
}

// GetSession fetches one session and asserts the call succeeded.
func (app *TestApp) GetSession(sessionID string) api.SessionDetail {
	app.t.Helper()

	var out api.SessionDetail
	resp := app.getJSON("/api/v1/sessions/"+sessionID, &out)
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	return out
}

// ListSessions fetches the session list, optionally filtered by status.
func (app *TestApp) ListSessions(status string) api.SessionListResponse {
	app.t.Helper()

	path := "/api/v1/sessions"
	if status != "" {
		path += "?status=" + status
	}
	var out api.SessionListResponse
	resp := app.getJSON(path, &out)
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	return out
}

// ListCheckpoints fetches the checkpoint list for a session.
func (app *TestApp) ListCheckpoints(sessionID string) api.CheckpointListResponse {
	app.t.Helper()

	var out api.CheckpointListResponse
	resp := app.getJSON("/api/v1/sessions/"+sessionID+"/checkpoints", &out)
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	return out
}

// WaitForActive polls until the session exists and has a live run in this
// process. Tolerates the window between accepting a run and the driver's
// first state write, where the session GET still 404s.
func (app *TestApp) WaitForActive(sessionID string, timeout time.Duration) {
	app.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var out api.SessionDetail
		resp := app.getJSON("/api/v1/sessions/"+sessionID, &out)
		if resp.StatusCode == http.StatusOK && out.Active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	app.t.Fatalf("session %s never became active", sessionID)
}

// WaitForStatus polls the session endpoint until it reports the wanted
// status, and returns the final detail.
func (app *TestApp) WaitForStatus(sessionID string, status models.SessionStatus, timeout time.Duration) api.SessionDetail {
	app.t.Helper()

	deadline := time.Now().Add(timeout)
	var last api.SessionDetail
	for time.Now().Before(deadline) {
		var out api.SessionDetail
		resp := app.getJSON("/api/v1/sessions/"+sessionID, &out)
		if resp.StatusCode == http.StatusOK {
			last = out
			if out.Status == status {
				return out
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := "absent"
	if last.SessionState != nil {
		got = string(last.Status)
	}
	app.t.Fatalf("session %s never reached status %s (last: %s)", sessionID, status, got)
	return last
}

func (app *TestApp) postJSON(path string, body any) (*http.Response, []byte) {
	app.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(app.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, app.BaseURL+path, &buf)
	require.NoError(app.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	return resp, data
}

func (app *TestApp) getJSON(path string, out any) *http.Response {
	app.t.Helper()

	resp, err := http.Get(app.BaseURL + path)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	if resp.StatusCode == http.StatusOK {
		require.NoError(app.t, json.Unmarshal(data, out), "GET %s: %s", path, data)
	}
	return resp
}

// checkpointNames extracts the names from a checkpoint list.
func checkpointNames(list api.CheckpointListResponse) []string {
	names := make([]string, 0, len(list.Checkpoints))
	for _, rec := range list.Checkpoints {
		names = append(names, rec.Name)
	}
	return names
}

// sessionIDFor builds a unique, readable session id per test.
func sessionIDFor(t *testing.T, suffix string) string {
	return fmt.Sprintf("e2e-%s-%s", sanitize(t.Name()), suffix)
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
