// Package cleanup provides data retention for the session store and the
// checkpoint tree.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

// Service periodically enforces retention policies:
//   - Deletes terminal sessions whose last update is past the age threshold
//   - Removes checkpoint directories whose session no longer exists
//
// All operations are idempotent and safe to run from multiple processes.
type Service struct {
	config      config.RetentionConfig
	store       *state.Store
	checkpoints *checkpoint.Store
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service over the state and checkpoint
// stores.
func NewService(cfg config.RetentionConfig, store *state.Store, checkpoints *checkpoint.Store) *Service {
	return &Service{
		config:      cfg,
		store:       store,
		checkpoints: checkpoints,
		logger:      slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"max_age", s.config.MaxAge.Std(),
		"interval", s.config.Interval.Std())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one retention pass.
func (s *Service) RunAll(ctx context.Context) {
	s.pruneTerminalSessions(ctx)
	s.pruneOrphanedCheckpoints(ctx)
}

// pruneTerminalSessions deletes sessions that reached a terminal status and
// have not been touched within the retention window. Active and recovering
// sessions are never aged out.
func (s *Service) pruneTerminalSessions(ctx context.Context) {
	maxAge := s.config.MaxAge.Std()
	if maxAge <= 0 {
		return
	}

	sessions, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("Retention: listing sessions failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-maxAge)
	count := 0
	for _, st := range sessions {
		if !st.Status.IsTerminal() || st.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, st.SessionID); err != nil {
			s.logger.Error("Retention: session delete failed",
				"session_id", st.SessionID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		s.logger.Info("Retention: pruned terminal sessions", "count", count)
	}
}

// pruneOrphanedCheckpoints removes checkpoint directories for sessions that
// were deleted from the state file.
func (s *Service) pruneOrphanedCheckpoints(ctx context.Context) {
	ids, err := s.checkpoints.Sessions(ctx)
	if err != nil {
		s.logger.Error("Retention: listing checkpoint sessions failed", "error", err)
		return
	}

	count := 0
	for _, id := range ids {
		st, err := s.store.Get(ctx, id)
		if err != nil {
			s.logger.Error("Retention: session lookup failed",
				"session_id", id, "error", err)
			continue
		}
		if st != nil {
			continue
		}
		if err := s.checkpoints.RemoveSession(ctx, id); err != nil {
			s.logger.Error("Retention: checkpoint removal failed",
				"session_id", id, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		s.logger.Info("Retention: removed orphaned checkpoint dirs", "count", count)
	}
}
