package config

import (
	"errors"
	"fmt"
)

// ConfigValidator checks a merged configuration before any work starts.
// Validation is fail-fast: the first invalid field aborts startup.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll validates every section.
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateCore(); err != nil {
		return fmt.Errorf("core config: %w", err)
	}
	if err := v.validateParallel(); err != nil {
		return fmt.Errorf("parallel config: %w", err)
	}
	if err := v.validatePlanner(); err != nil {
		return fmt.Errorf("planner config: %w", err)
	}
	if err := v.validateGates(); err != nil {
		return fmt.Errorf("usability_gates config: %w", err)
	}
	if err := v.validateServe(); err != nil {
		return fmt.Errorf("serve config: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention config: %w", err)
	}
	if err := v.validateSlack(); err != nil {
		return fmt.Errorf("slack config: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateCore() error {
	c := v.cfg
	if c.MaxIterations < 0 {
		return NewValidationError("core", "max_iterations", errors.New("must be >= 0"))
	}
	if c.NoProgressWarning < 1 {
		return NewValidationError("core", "no_progress_warning", errors.New("must be >= 1"))
	}
	if c.NoProgressLimit < c.NoProgressWarning {
		return NewValidationError("core", "no_progress_limit",
			errors.New("must be >= no_progress_warning"))
	}
	if c.MaxStageRecoveries < 1 {
		return NewValidationError("core", "max_stage_recoveries", errors.New("must be >= 1"))
	}
	if c.MaxGateAttempts < 1 {
		return NewValidationError("core", "max_gate_attempts", errors.New("must be >= 1"))
	}
	if c.HeartbeatTimeoutMs < 1000 {
		return NewValidationError("core", "heartbeat_timeout_ms", errors.New("must be >= 1000"))
	}
	if c.CheckpointInterval < 1 {
		return NewValidationError("core", "checkpoint_interval", errors.New("must be >= 1"))
	}
	if c.LockTimeoutMs < 100 {
		return NewValidationError("core", "lock_timeout_ms", errors.New("must be >= 100"))
	}
	if c.FileChangesLimit < 1 {
		return NewValidationError("core", "file_changes_limit", errors.New("must be >= 1"))
	}
	return nil
}

func (v *ConfigValidator) validateParallel() error {
	p := v.cfg.Parallel
	if p.MaxConcurrency < 1 {
		return NewValidationError("parallel", "max_concurrency", errors.New("must be >= 1"))
	}
	if p.TaskTimeoutMs < 1000 {
		return NewValidationError("parallel", "task_timeout_ms", errors.New("must be >= 1000"))
	}
	if p.TaskMaxRetries != nil && *p.TaskMaxRetries < 0 {
		return NewValidationError("parallel", "task_max_retries", errors.New("must be >= 0"))
	}
	if p.BudgetLimitUSD < 0 {
		return NewValidationError("parallel", "budget_limit_usd", errors.New("must be >= 0"))
	}
	return nil
}

func (v *ConfigValidator) validatePlanner() error {
	iq := v.cfg.Planner.IntakeQuestions
	if iq.MaxRounds < 1 {
		return NewValidationError("planner", "intake_questions.max_rounds", errors.New("must be >= 1"))
	}
	return nil
}

func (v *ConfigValidator) validateGates() error {
	g := v.cfg.Gates
	switch g.PromptUser {
	case PromptFirstRun, PromptAlways, PromptNever:
	default:
		return NewValidationError("usability_gates", "prompt_user",
			fmt.Errorf("must be one of %s, %s, %s", PromptFirstRun, PromptAlways, PromptNever))
	}
	if g.GateTimeoutMs < 1000 {
		return NewValidationError("usability_gates", "gate_timeout_ms", errors.New("must be >= 1000"))
	}
	switch g.Budget.Strategy {
	case BudgetStrategyBlock, BudgetStrategyWarn:
	default:
		return NewValidationError("usability_gates", "budget.strategy",
			fmt.Errorf("must be %s or %s", BudgetStrategyBlock, BudgetStrategyWarn))
	}
	if g.Budget.LimitUSD < 0 {
		return NewValidationError("usability_gates", "budget.limit_usd", errors.New("must be >= 0"))
	}
	return nil
}

func (v *ConfigValidator) validateServe() error {
	if v.cfg.API.ListenAddr == "" {
		return NewValidationError("api", "listen_addr", errors.New("must not be empty"))
	}
	if v.cfg.Serve.MaxActiveRuns < 1 {
		return NewValidationError("serve", "max_active_runs", errors.New("must be >= 1"))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if !r.IsEnabled() {
		return nil
	}
	if r.Interval.Std() <= 0 {
		return NewValidationError("retention", "interval", errors.New("must be > 0"))
	}
	if r.MaxAge.Std() <= 0 {
		return NewValidationError("retention", "max_age", errors.New("must be > 0"))
	}
	return nil
}

func (v *ConfigValidator) validateSlack() error {
	s := v.cfg.Slack
	if !s.Enabled {
		return nil
	}
	if s.ChannelID == "" {
		return NewValidationError("slack", "channel_id", errors.New("required when slack is enabled"))
	}
	if s.TokenEnv == "" {
		return NewValidationError("slack", "token_env", errors.New("required when slack is enabled"))
	}
	return nil
}
