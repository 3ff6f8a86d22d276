package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/session"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

// stubRunner stands in for the driver. It records the sessions it was asked
// to run and optionally blocks until released.
type stubRunner struct {
	mu      sync.Mutex
	started []string
	block   chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, sessionID, objective string) (*models.DriverResult, error) {
	r.mu.Lock()
	r.started = append(r.started, sessionID)
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &models.DriverResult{SessionID: sessionID, Status: models.StatusRunning}, ctx.Err()
		}
	}
	return &models.DriverResult{SessionID: sessionID, Status: models.StatusCompleted}, nil
}

func (r *stubRunner) startedSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

type testServer struct {
	srv         *Server
	store       *state.Store
	checkpoints *checkpoint.Store
	manager     *session.Manager
	runner      *stubRunner
	bus         *events.Publisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := state.NewStore(state.StoreConfig{ProjectDir: t.TempDir(), LockTimeout: 2 * time.Second})
	ckpts := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoints"))
	runner := &stubRunner{}
	manager := session.NewManager(runner, 2, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	connManager := events.NewConnectionManager(time.Second)
	bus := events.NewPublisher()
	bus.SetSink(connManager)

	srv := NewServer(config.APIConfig{ListenAddr: "127.0.0.1:0"}, Deps{
		Store:       store,
		Checkpoints: ckpts,
		Manager:     manager,
		Metrics:     metrics.New(),
		ConnManager: connManager,
	})

	return &testServer{
		srv:         srv,
		store:       store,
		checkpoints: ckpts,
		manager:     manager,
		runner:      runner,
		bus:         bus,
	}
}

// do runs one request through the full router, middleware included.
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServerSubmitRunLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{Objective: "build a parser"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeJSON[RunResponse](t, rec)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "accepted", resp.Status)

	require.Eventually(t, func() bool {
		for _, id := range ts.runner.startedSessions() {
			if id == resp.SessionID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerRunCapacityAndDuplicates(t *testing.T) {
	ts := newTestServer(t)
	ts.runner.block = make(chan struct{})
	defer close(ts.runner.block)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{SessionID: "run-a", Objective: "one"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Same session again while it is still running.
	rec = ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{SessionID: "run-a", Objective: "one"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{SessionID: "run-b", Objective: "two"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The manager was built with a limit of two.
	rec = ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{SessionID: "run-c", Objective: "three"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServerHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, 0, resp.ActiveRuns)
	assert.Equal(t, "healthy", resp.Checks["state_store"].Status)
	assert.Equal(t, "healthy", resp.Checks["checkpoints"].Status)
}

func TestServerMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kkcode_")
}

func TestServerSecurityHeadersOnEveryRoute(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServerWebSocketStreamsSessionEvents(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws?session_id=sess-ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "connection.established")

	// The session_id query parameter subscribed the client up front, so a
	// published event arrives without an explicit subscribe message.
	ts.bus.PublishStageStarted("sess-ws", events.StageStartedPayload{StageID: "s1", StageName: "Build"})

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var evt map[string]any
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, events.EventTypeStageStarted, evt["type"])
	assert.Equal(t, "sess-ws", evt["sessionId"])
}
