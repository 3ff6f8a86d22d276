package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/slack"
)

// Manager owns the active runs of a serve-mode process. Each submitted
// objective executes in its own goroutine; the manager tracks cancel
// functions, enforces the capacity cap, and drains everything on shutdown.
type Manager struct {
	runner   Runner
	limit    int
	metrics  *metrics.Registry
	notifier *slack.Service
	logger   *slog.Logger

	mu      sync.RWMutex
	runs    map[string]*Run
	closing bool
	wg      sync.WaitGroup
}

// NewManager creates a run manager. maxActiveRuns of 0 or less means no cap;
// notifier may be nil (Slack notifications disabled).
func NewManager(runner Runner, maxActiveRuns int, reg *metrics.Registry, notifier *slack.Service) *Manager {
	return &Manager{
		runner:   runner,
		limit:    maxActiveRuns,
		metrics:  reg,
		notifier: notifier,
		logger:   slog.Default().With("component", "session_manager"),
		runs:     make(map[string]*Run),
	}
}

// Start launches a driver run for the objective. An empty sessionID gets a
// fresh one; passing an existing id resumes that session. The run inherits
// ctx, so callers pass the process root context, not a request context.
func (m *Manager) Start(ctx context.Context, sessionID, objective string) (*Run, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.limit > 0 && len(m.runs) >= m.limit {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrCapacity, m.limit)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if _, ok := m.runs[sessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		SessionID: sessionID,
		Objective: objective,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.runs[sessionID] = run
	m.wg.Add(1)
	m.metrics.SetActiveRuns(len(m.runs))
	m.mu.Unlock()

	m.logger.Info("Run started", "session_id", sessionID, "active", m.ActiveCount())
	go m.execute(runCtx, run)
	return run, nil
}

func (m *Manager) execute(ctx context.Context, run *Run) {
	defer m.wg.Done()

	res, err := m.runner.Run(ctx, run.SessionID, run.Objective)
	run.setOutcome(res, err)

	m.mu.Lock()
	delete(m.runs, run.SessionID)
	m.metrics.SetActiveRuns(len(m.runs))
	m.mu.Unlock()

	run.cancel()
	close(run.done)

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		m.logger.Info("Run cancelled", "session_id", run.SessionID)
	case err != nil:
		m.logger.Error("Run failed", "session_id", run.SessionID, "error", err)
	default:
		m.logger.Info("Run finished", "session_id", run.SessionID, "status", res.Status)
	}

	// The run context is cancelled by now; the notification gets its own.
	if err == nil && res != nil && res.Status.IsTerminal() {
		m.notifier.NotifyRunFinished(context.Background(), slack.RunFinishedInput{
			SessionID:   run.SessionID,
			Status:      string(res.Status),
			Objective:   run.Objective,
			Reply:       res.Reply,
			CostUSD:     res.Usage.TotalCostUSD,
			StagesDone:  res.StageProgress.Done,
			StagesTotal: res.StageProgress.Total,
		})
	}
}

// Get returns the active run for the session, if any.
func (m *Manager) Get(sessionID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[sessionID]
	return run, ok
}

// Cancel interrupts the session's active run. It reports whether a run was
// found; it does not wait for the run to finish.
func (m *Manager) Cancel(sessionID string) bool {
	run, ok := m.Get(sessionID)
	if ok {
		run.Cancel()
	}
	return ok
}

// Active lists the in-flight runs, newest first.
func (m *Manager) Active() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, Info{
			SessionID: run.SessionID,
			Objective: run.Objective,
			StartedAt: run.StartedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of in-flight runs.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// Shutdown stops accepting new runs and waits for the active ones to finish.
// Runs still going when ctx expires are cancelled and then awaited; the
// driver persists their progress on the way out, so those sessions resume
// after a restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closing = true
	active := len(m.runs)
	m.mu.Unlock()

	if active > 0 {
		m.logger.Info("Waiting for active runs", "count", active)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	m.mu.RLock()
	for _, run := range m.runs {
		run.Cancel()
	}
	m.mu.RUnlock()
	<-done
	m.logger.Info("Active runs drained")
}
