package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

// MonitorConfig bounds the heartbeat monitor.
type MonitorConfig struct {
	// Timeout is the heartbeat staleness threshold. 0 or less disables
	// staleness flagging; the scan then only feeds the status metrics.
	Timeout time.Duration
	// Interval is the scan cadence. Defaults to half the timeout, at least
	// one second.
	Interval time.Duration
}

// Monitor periodically scans the state store for sessions whose owner
// process died mid-run. The driver refreshes heartbeatAt on every iteration,
// so a running session with a stale heartbeat and a dead PID was abandoned;
// the monitor flips it to recovering so a resume can pick it up from the
// latest checkpoint. All instances may run this concurrently, the flagging
// update is idempotent.
type Monitor struct {
	cfg     MonitorConfig
	store   *state.Store
	bus     *events.Publisher
	metrics *metrics.Registry
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a heartbeat monitor over the state store.
func NewMonitor(cfg MonitorConfig, store *state.Store, bus *events.Publisher, reg *metrics.Registry) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Timeout / 2
		if cfg.Interval < time.Second {
			cfg.Interval = time.Second
		}
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		metrics: reg,
		logger:  slog.Default().With("component", "heartbeat_monitor"),
	}
}

// RecoverOrphans flags sessions left running by a process that no longer
// exists. Called once at startup, before this process accepts runs, so a
// session id equal to our own PID belongs to a dead predecessor.
func (m *Monitor) RecoverOrphans(ctx context.Context) (int, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	recovered := 0
	for _, st := range sessions {
		if st.Status != models.StatusRunning {
			continue
		}
		if st.PID != 0 && st.PID != os.Getpid() && pidAlive(st.PID) {
			continue
		}
		reason := fmt.Sprintf("process %d is gone", st.PID)
		if err := m.flagRecovering(ctx, st, reason); err != nil {
			m.logger.Error("Startup orphan recovery failed", "session_id", st.SessionID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.Warn("Recovered startup orphans", "count", recovered)
	}
	return recovered, nil
}

// Start launches the background scan loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	m.logger.Info("Heartbeat monitor started",
		"timeout", m.cfg.Timeout,
		"interval", m.cfg.Interval)
}

// Stop signals the scan loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Heartbeat monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Scan(ctx); err != nil {
				m.logger.Error("Heartbeat scan failed", "error", err)
			}
		}
	}
}

// Scan runs one pass: refresh the per-status session gauge and flag running
// sessions whose heartbeat went stale while their owner process is dead.
// Sessions owned by this process are never flagged; a slow stage holds the
// heartbeat between iterations and that is the stuck detector's turf.
func (m *Monitor) Scan(ctx context.Context) error {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	counts := make(map[string]int, len(sessions))
	for _, st := range sessions {
		counts[string(st.Status)]++
	}
	m.metrics.SetSessionsByStatus(counts)

	if m.cfg.Timeout <= 0 {
		return nil
	}

	for _, st := range sessions {
		if st.Status != models.StatusRunning {
			continue
		}
		age := time.Since(st.HeartbeatAt)
		if age <= m.cfg.Timeout {
			continue
		}
		if st.PID != 0 && (st.PID == os.Getpid() || pidAlive(st.PID)) {
			continue
		}
		reason := fmt.Sprintf("heartbeat stale for %s", age.Round(time.Second))
		if err := m.flagRecovering(ctx, st, reason); err != nil {
			m.logger.Error("Failed to flag stale session", "session_id", st.SessionID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) flagRecovering(ctx context.Context, st *models.SessionState, reason string) error {
	_, err := m.store.Update(ctx, st.SessionID, models.SessionPatch{
		Status: models.Ptr(models.StatusRecovering),
	})
	if err != nil {
		return err
	}

	m.bus.PublishRecoveryEntered(st.SessionID, events.RecoveryEnteredPayload{
		StageID:       st.CurrentStageID,
		RecoveryCount: st.RecoveryCount,
		Reason:        reason,
	})
	m.logger.Warn("Session flagged for recovery",
		"session_id", st.SessionID,
		"stage_id", st.CurrentStageID,
		"reason", reason)
	return nil
}

// pidAlive reports whether a process with the pid exists. Signal 0 performs
// the existence check without delivering anything; EPERM still means the
// process is there, just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
