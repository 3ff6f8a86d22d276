// Package e2e boots the full serve-mode stack against a scripted agent and
// exercises it through the public HTTP and WebSocket surface.
package e2e

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/agent"
	"github.com/kkelly-offical/kkcode-sub002/pkg/api"
	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/driver"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/plan"
	"github.com/kkelly-offical/kkcode-sub002/pkg/scheduler"
	"github.com/kkelly-offical/kkcode-sub002/pkg/session"
	"github.com/kkelly-offical/kkcode-sub002/pkg/slack"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
	"github.com/kkelly-offical/kkcode-sub002/pkg/worker"
)

// TestApp is one complete kkcode instance: real driver, scheduler, state and
// checkpoint stores, session manager and HTTP server, with only the worker
// agent replaced by a scripted double.
type TestApp struct {
	Config      *config.Config
	Agent       *agent.ScriptedAgent
	Store       *state.Store
	Checkpoints *checkpoint.Store
	Bus         *events.Publisher
	ConnManager *events.ConnectionManager
	Manager     *session.Manager
	Monitor     *session.Monitor
	Server      *api.Server

	BaseURL string // e.g. "http://127.0.0.1:43301"
	WSURL   string // e.g. "ws://127.0.0.1:43301/api/v1/ws"

	ProjectDir string

	t *testing.T
}

// testAppConfig holds options accumulated before the app boots.
type testAppConfig struct {
	mutateCfg  func(*config.Config)
	plan       *models.StagePlan
	planner    plan.Planner
	projectDir string
	maxActive  int
	notifier   *slack.Service
	monitor    bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig mutates the tuned default config before wiring.
func WithConfig(mutate func(cfg *config.Config)) TestAppOption {
	return func(c *testAppConfig) { c.mutateCfg = mutate }
}

// WithPlan freezes a fixed plan for every objective.
func WithPlan(p *models.StagePlan) TestAppOption {
	return func(c *testAppConfig) { c.plan = p }
}

// WithPlanner installs a custom planner, overriding WithPlan.
func WithPlanner(p plan.Planner) TestAppOption {
	return func(c *testAppConfig) { c.planner = p }
}

// WithProjectDir anchors the state and checkpoint stores in an existing
// directory. Restart tests boot a second app over the first one's dir.
func WithProjectDir(dir string) TestAppOption {
	return func(c *testAppConfig) { c.projectDir = dir }
}

// WithMaxActiveRuns caps concurrently executing sessions.
func WithMaxActiveRuns(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxActive = n }
}

// WithSlackService injects a notification service backed by a mock API.
func WithSlackService(svc *slack.Service) TestAppOption {
	return func(c *testAppConfig) { c.notifier = svc }
}

// WithHeartbeatMonitor runs startup orphan recovery and the background
// heartbeat scan, the way serve mode does.
func WithHeartbeatMonitor() TestAppOption {
	return func(c *testAppConfig) { c.monitor = true }
}

// NewTestApp boots a complete instance on a random port. Shutdown is
// registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{maxActive: 4}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.projectDir == "" {
		tc.projectDir = t.TempDir()
	}

	// 1. Config tuned for test speed: no scaffold turn, no intake dialogue,
	// no per-task retries unless a test opts back in.
	cfg := config.Default()
	cfg.State.ProjectDir = tc.projectDir
	cfg.Scaffold.Enabled = models.Ptr(false)
	cfg.Planner.IntakeQuestions.Enabled = models.Ptr(false)
	cfg.Parallel.TaskMaxRetries = models.Ptr(0)
	cfg.Serve.MaxActiveRuns = tc.maxActive
	if tc.mutateCfg != nil {
		tc.mutateCfg(cfg)
	}

	// 2. Scripted agent behind a real pool and scheduler
	scripted := agent.NewScriptedAgent()
	pool := worker.NewLocalPool(scripted, cfg.Parallel.MaxConcurrency)
	bus := events.NewPublisher()
	store := state.NewStore(state.StoreConfig{
		ProjectDir:       tc.projectDir,
		LockTimeout:      2 * time.Second,
		FileChangesLimit: cfg.FileChangesLimit,
	})
	checkpoints := checkpoint.NewStore(filepath.Join(tc.projectDir, "checkpoints"))
	sched := scheduler.New(pool, scheduler.Config{
		MaxConcurrency:   cfg.Parallel.MaxConcurrency,
		TaskTimeout:      cfg.Parallel.TaskTimeout(),
		BudgetLimitUSD:   cfg.Parallel.BudgetLimitUSD,
		PollInterval:     2 * time.Millisecond,
		FileChangesLimit: cfg.FileChangesLimit,
	}, bus, nil)

	// 3. Driver with a scripted planner
	planner := tc.planner
	if planner == nil {
		fixed := tc.plan
		if fixed == nil {
			fixed = TwoStagePlan()
		}
		planner = plan.PlannerFunc(func(context.Context, string, string) (*models.StagePlan, error) {
			return fixed.Clone(), nil
		})
	}
	drv := driver.New(cfg, driver.Deps{
		Store:       store,
		Checkpoints: checkpoints,
		Scheduler:   sched,
		Agent:       scripted,
		Planner:     planner,
		Bus:         bus,
		ProjectDir:  tc.projectDir,
	})

	// 4. WebSocket fan-out
	connManager := events.NewConnectionManager(time.Second)
	bus.SetSink(connManager)

	// 5. Session manager and HTTP server on a random port
	manager := session.NewManager(drv, cfg.Serve.MaxActiveRuns, nil, tc.notifier)
	srv := api.NewServer(cfg.API, api.Deps{
		Store:       store,
		Checkpoints: checkpoints,
		Manager:     manager,
		ConnManager: connManager,
	})
	httpSrv := httptest.NewServer(srv.Handler())

	app := &TestApp{
		Config:      cfg,
		Agent:       scripted,
		Store:       store,
		Checkpoints: checkpoints,
		Bus:         bus,
		ConnManager: connManager,
		Manager:     manager,
		Server:      srv,
		BaseURL:     httpSrv.URL,
		WSURL:       "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws",
		ProjectDir:  tc.projectDir,
		t:           t,
	}

	// 6. Heartbeat monitor, serve-mode style: recover orphans before
	// accepting runs, then scan in the background.
	if tc.monitor {
		monitor := session.NewMonitor(session.MonitorConfig{
			Timeout:  cfg.HeartbeatTimeout(),
			Interval: 50 * time.Millisecond,
		}, store, bus, nil)
		if _, err := monitor.RecoverOrphans(context.Background()); err != nil {
			t.Fatalf("startup orphan recovery: %v", err)
		}
		monitor.Start(context.Background())
		app.Monitor = monitor
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
		if app.Monitor != nil {
			app.Monitor.Stop()
		}
		httpSrv.Close()
		pool.Stop()
	})
	return app
}
