package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

const maxCapturedOutput = 4000

// CommandConfig describes the external agent binary. The request is written
// to its stdin as JSON and the task result is read from its stdout as JSON.
type CommandConfig struct {
	Command string
	Args    []string
	Dir     string
}

// CommandAgent runs each turn as one invocation of an external command.
type CommandAgent struct {
	cfg    CommandConfig
	logger *slog.Logger
}

func NewCommandAgent(cfg CommandConfig) *CommandAgent {
	return &CommandAgent{
		cfg:    cfg,
		logger: slog.Default().With("component", "agent"),
	}
}

// Run executes one agent turn. Timeouts surface as an interrupted result and
// cancellation as a cancelled result, never as a bare error, so callers can
// keep whatever partial progress the agent reported.
func (a *CommandAgent) Run(ctx context.Context, req Request) (*models.TaskResult, error) {
	if a.cfg.Command == "" {
		return nil, errors.New("agent command is not configured")
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding agent request: %w", err)
	}

	cmd := exec.CommandContext(runCtx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("Running agent turn",
		"session_id", req.SessionID,
		"task_id", req.TaskID,
		"attempt", req.Attempt)

	runErr := cmd.Run()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return &models.TaskResult{
			Status: models.ResultInterrupted,
			Reply:  tail(stdout.String(), maxCapturedOutput),
			Error:  "agent turn timed out",
		}, nil
	case runCtx.Err() == context.Canceled:
		return &models.TaskResult{
			Status: models.ResultCancelled,
			Reply:  tail(stdout.String(), maxCapturedOutput),
			Error:  "agent turn cancelled",
		}, nil
	}

	if runErr != nil {
		a.logger.Warn("Agent command failed",
			"session_id", req.SessionID,
			"task_id", req.TaskID,
			"error", runErr)
		return &models.TaskResult{
			Status: models.ResultError,
			Reply:  tail(stdout.String(), maxCapturedOutput),
			Error:  fmt.Sprintf("agent command failed: %v: %s", runErr, tail(stderr.String(), 1000)),
		}, nil
	}

	result, err := decodeResult(stdout.Bytes())
	if err != nil {
		// Agents that do not speak the JSON protocol still produce a
		// usable reply; treat the raw output as one.
		return &models.TaskResult{
			Status: models.ResultCompleted,
			Reply:  tail(stdout.String(), maxCapturedOutput),
		}, nil
	}
	return result, nil
}

func decodeResult(out []byte) (*models.TaskResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("agent output is not a JSON object")
	}
	var result models.TaskResult
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return nil, err
	}
	if result.Status == "" {
		result.Status = models.ResultCompleted
	}
	return &result, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
