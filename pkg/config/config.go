// Package config defines the orchestrator configuration: explicit records
// with documented defaults, YAML file loading with environment expansion, and
// fail-fast validation at startup.
package config

import "time"

// Config is the root configuration. File values are merged over Default()
// at load time; every knob has a documented default.
type Config struct {
	// MaxIterations is an informational cap on driver iterations.
	// 0 means unlimited; exceeding it warns but does not stop the loop.
	MaxIterations int `yaml:"max_iterations"`
	// NoProgressWarning is the number of consecutive stage iterations without
	// progress before a stuck warning is emitted.
	NoProgressWarning int `yaml:"no_progress_warning"`
	// NoProgressLimit is the number of consecutive stage iterations without
	// progress before the run is aborted.
	NoProgressLimit int `yaml:"no_progress_limit"`
	// MaxStageRecoveries caps recovery attempts per stage before the run
	// aborts with a stage_aborted alert.
	MaxStageRecoveries int `yaml:"max_stage_recoveries"`
	// MaxGateAttempts caps gate-failure/remediation cycles after the stages.
	MaxGateAttempts int `yaml:"max_gate_attempts"`
	// HeartbeatTimeoutMs marks a session as needing recovery when its
	// heartbeat is older than this at an iteration boundary.
	HeartbeatTimeoutMs int `yaml:"heartbeat_timeout_ms"`
	// CheckpointInterval saves a checkpoint every N driver iterations, in
	// addition to the per-stage checkpoints.
	CheckpointInterval int `yaml:"checkpoint_interval"`
	// LockTimeoutMs bounds state-lock acquisition.
	LockTimeoutMs int `yaml:"lock_timeout_ms"`
	// FileChangesLimit caps the per-session file-change history.
	FileChangesLimit int `yaml:"file_changes_limit"`

	Parallel  ParallelConfig  `yaml:"parallel"`
	Scaffold  ScaffoldConfig  `yaml:"scaffold"`
	Planner   PlannerConfig   `yaml:"planner"`
	Gates     GatesConfig     `yaml:"usability_gates"`
	Git       GitConfig       `yaml:"git"`
	Agent     AgentConfig     `yaml:"agent"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Serve     ServeConfig     `yaml:"serve"`
	Retention RetentionConfig `yaml:"retention"`
	Slack     SlackConfig     `yaml:"slack"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// HeartbeatTimeout returns the heartbeat staleness threshold.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// LockTimeout returns the state-lock acquisition budget.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// ParallelConfig bounds one stage's task execution.
type ParallelConfig struct {
	// MaxConcurrency is the number of tasks a stage may run at once.
	MaxConcurrency int `yaml:"max_concurrency"`
	// TaskTimeoutMs bounds one worker attempt.
	TaskTimeoutMs int `yaml:"task_timeout_ms"`
	// TaskMaxRetries is the default retry budget per task. A task keeps its
	// own value when the plan sets one. Explicit 0 disables retries.
	TaskMaxRetries *int `yaml:"task_max_retries"`
	// BudgetLimitUSD trips the stage budget breaker when the summed task
	// cost reaches it. 0 disables the breaker.
	BudgetLimitUSD float64 `yaml:"budget_limit_usd"`
}

// TaskTimeout returns the per-attempt timeout.
func (p ParallelConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutMs) * time.Millisecond
}

// Retries returns the effective default retry budget.
func (p ParallelConfig) Retries() int {
	if p.TaskMaxRetries == nil {
		return DefaultTaskMaxRetries
	}
	if *p.TaskMaxRetries < 0 {
		return 0
	}
	return *p.TaskMaxRetries
}

// ScaffoldConfig controls the single scaffold turn before the first stage.
type ScaffoldConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled defaults to true when unset.
func (s ScaffoldConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// PlannerConfig controls the intake dialogue preceding plan freeze.
type PlannerConfig struct {
	IntakeQuestions IntakeQuestionsConfig `yaml:"intake_questions"`
}

// IntakeQuestionsConfig bounds the optional clarification rounds.
type IntakeQuestionsConfig struct {
	Enabled   *bool `yaml:"enabled"`
	MaxRounds int   `yaml:"max_rounds"`
}

// IsEnabled defaults to true when unset.
func (i IntakeQuestionsConfig) IsEnabled() bool { return i.Enabled == nil || *i.Enabled }

// Gate prompt policies.
const (
	PromptFirstRun = "first_run"
	PromptAlways   = "always"
	PromptNever    = "never"
)

// GatesConfig enables and configures the post-run quality gates.
type GatesConfig struct {
	Build  BuildGateConfig  `yaml:"build"`
	Test   TestGateConfig   `yaml:"test"`
	Review ReviewGateConfig `yaml:"review"`
	Health HealthGateConfig `yaml:"health"`
	Budget BudgetGateConfig `yaml:"budget"`
	// PromptUser controls whether the user is asked to select gates before
	// verification: first_run, always, or never.
	PromptUser string `yaml:"prompt_user"`
	// GateTimeoutMs bounds one gate check (build and test scripts).
	GateTimeoutMs int `yaml:"gate_timeout_ms"`
}

// GateTimeout returns the per-gate timeout.
func (g GatesConfig) GateTimeout() time.Duration {
	return time.Duration(g.GateTimeoutMs) * time.Millisecond
}

// BuildGateConfig runs a build script and passes on exit 0.
type BuildGateConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Script  string `yaml:"script"`
}

func (g BuildGateConfig) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// TestGateConfig runs a test script; without one it detects test files to
// decide applicability.
type TestGateConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Script  string `yaml:"script"`
	Dir     string `yaml:"dir"`
}

func (g TestGateConfig) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// ReviewGateConfig fails while review items are pending approval.
type ReviewGateConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	StateFile string `yaml:"state_file"`
}

func (g ReviewGateConfig) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// HealthGateConfig checks state-store consistency.
type HealthGateConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (g HealthGateConfig) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// Budget gate strategies.
const (
	BudgetStrategyBlock = "block"
	BudgetStrategyWarn  = "warn"
)

// BudgetGateConfig compares the session's accumulated cost to a limit.
type BudgetGateConfig struct {
	Enabled  *bool   `yaml:"enabled"`
	LimitUSD float64 `yaml:"limit_usd"`
	Strategy string  `yaml:"strategy"`
}

func (g BudgetGateConfig) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// GitConfig controls the optional git gating around a run.
type GitConfig struct {
	Enabled bool `yaml:"enabled"`
	// BaseBranch is the branch merged back into after a completed run.
	BaseBranch string `yaml:"base_branch"`
	// CommitPerStage commits after each successful stage.
	CommitPerStage *bool `yaml:"commit_per_stage"`
	// Merge merges the feature branch back on completion.
	Merge *bool `yaml:"merge"`
}

func (g GitConfig) ShouldCommitPerStage() bool { return g.CommitPerStage == nil || *g.CommitPerStage }
func (g GitConfig) ShouldMerge() bool          { return g.Merge == nil || *g.Merge }

// AgentConfig identifies the worker subprocess and the model routed to it.
type AgentConfig struct {
	// Command is the worker executable. Empty means no subprocess agent is
	// available; run and serve refuse to start without one.
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Model    string   `yaml:"model"`
	Provider string   `yaml:"provider"`
}

// StateConfig locates the durable state.
type StateConfig struct {
	// ProjectDir is the directory whose .kkcode subdirectory holds the state
	// file. Defaults to the working directory.
	ProjectDir string `yaml:"project_dir"`
	// CheckpointDir overrides the checkpoint root. Defaults to
	// <user-home>/.kkcode/checkpoints.
	CheckpointDir string `yaml:"checkpoint_dir"`
}

// APIConfig configures the control API in serve mode.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ServeConfig bounds the service mode.
type ServeConfig struct {
	// MaxActiveRuns caps concurrently executing driver runs.
	MaxActiveRuns int `yaml:"max_active_runs"`
}

// RetentionConfig controls pruning of terminal sessions and orphaned
// checkpoint directories.
type RetentionConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
}

func (r RetentionConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// SlackConfig enables best-effort run and alert notifications.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ChannelID string `yaml:"channel_id"`
	// TokenEnv names the environment variable holding the bot token.
	TokenEnv     string `yaml:"token_env"`
	DashboardURL string `yaml:"dashboard_url"`
}

// MetricsConfig exposes Prometheus metrics on /metrics in serve mode.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m MetricsConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }
