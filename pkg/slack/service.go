// Package slack delivers best-effort run notifications: one message when a
// session reaches a terminal status and one per operator-facing alert.
// Delivery failures are logged and never propagated to the orchestrator.
package slack

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// RunFinishedInput contains data for a terminal run notification.
type RunFinishedInput struct {
	SessionID   string
	Status      string // completed, failed, blocked, stopped, error
	Objective   string
	Reply       string
	CostUSD     float64
	StagesDone  int
	StagesTotal int
}

// AlertInput contains data for an alert notification.
type AlertInput struct {
	SessionID string
	Kind      string
	Message   string
	StageID   string
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NotifyRunFinished sends a terminal status notification.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyRunFinished(ctx context.Context, input RunFinishedInput) {
	if s == nil {
		return
	}

	blocks := BuildRunFinishedMessage(input, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack run notification",
			"session_id", input.SessionID,
			"status", input.Status,
			"error", err)
	}
}

// NotifyAlert sends an alert notification.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyAlert(ctx context.Context, input AlertInput) {
	if s == nil {
		return
	}

	blocks := BuildAlertMessage(input, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack alert notification",
			"session_id", input.SessionID,
			"kind", input.Kind,
			"error", err)
	}
}
