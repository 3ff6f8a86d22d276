package config

import "time"

// Documented defaults. Values not listed here default to the zero value.
const (
	DefaultMaxIterations      = 0 // unlimited
	DefaultNoProgressWarning  = 3
	DefaultNoProgressLimit    = 5
	DefaultMaxStageRecoveries = 3
	DefaultMaxGateAttempts    = 5
	DefaultHeartbeatTimeoutMs = 120000
	DefaultCheckpointInterval = 5
	DefaultLockTimeoutMs      = 5000
	DefaultFileChangesLimit   = 400

	DefaultMaxConcurrency = 3
	DefaultTaskTimeoutMs  = 600000
	DefaultTaskMaxRetries = 2

	DefaultIntakeMaxRounds = 6
	DefaultGateTimeoutMs   = 900000 // 15 minutes
	DefaultGatePromptUser  = PromptFirstRun
	DefaultBudgetStrategy  = BudgetStrategyBlock

	DefaultBaseBranch    = "main"
	DefaultListenAddr    = ":8080"
	DefaultMaxActiveRuns = 4
	DefaultSlackTokenEnv = "SLACK_BOT_TOKEN"
)

const (
	DefaultRetentionInterval = time.Hour
	DefaultRetentionMaxAge   = 72 * time.Hour
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// Default returns the full configuration with every documented default set.
func Default() *Config {
	return &Config{
		MaxIterations:      DefaultMaxIterations,
		NoProgressWarning:  DefaultNoProgressWarning,
		NoProgressLimit:    DefaultNoProgressLimit,
		MaxStageRecoveries: DefaultMaxStageRecoveries,
		MaxGateAttempts:    DefaultMaxGateAttempts,
		HeartbeatTimeoutMs: DefaultHeartbeatTimeoutMs,
		CheckpointInterval: DefaultCheckpointInterval,
		LockTimeoutMs:      DefaultLockTimeoutMs,
		FileChangesLimit:   DefaultFileChangesLimit,
		Parallel:           DefaultParallelConfig(),
		Scaffold:           ScaffoldConfig{Enabled: boolPtr(true)},
		Planner: PlannerConfig{
			IntakeQuestions: IntakeQuestionsConfig{
				Enabled:   boolPtr(true),
				MaxRounds: DefaultIntakeMaxRounds,
			},
		},
		Gates: DefaultGatesConfig(),
		Git: GitConfig{
			Enabled:        false,
			BaseBranch:     DefaultBaseBranch,
			CommitPerStage: boolPtr(true),
			Merge:          boolPtr(true),
		},
		State: StateConfig{ProjectDir: "."},
		API:   APIConfig{ListenAddr: DefaultListenAddr},
		Serve: ServeConfig{MaxActiveRuns: DefaultMaxActiveRuns},
		Retention: RetentionConfig{
			Enabled:  boolPtr(true),
			Interval: Duration(DefaultRetentionInterval),
			MaxAge:   Duration(DefaultRetentionMaxAge),
		},
		Slack:   SlackConfig{TokenEnv: DefaultSlackTokenEnv},
		Metrics: MetricsConfig{Enabled: boolPtr(true)},
	}
}

// DefaultParallelConfig returns the stage execution defaults.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		MaxConcurrency: DefaultMaxConcurrency,
		TaskTimeoutMs:  DefaultTaskTimeoutMs,
		TaskMaxRetries: intPtr(DefaultTaskMaxRetries),
		BudgetLimitUSD: 0,
	}
}

// DefaultGatesConfig enables every gate with the documented defaults.
func DefaultGatesConfig() GatesConfig {
	return GatesConfig{
		Build:         BuildGateConfig{Enabled: boolPtr(true)},
		Test:          TestGateConfig{Enabled: boolPtr(true)},
		Review:        ReviewGateConfig{Enabled: boolPtr(true)},
		Health:        HealthGateConfig{Enabled: boolPtr(true)},
		Budget:        BudgetGateConfig{Enabled: boolPtr(true), Strategy: DefaultBudgetStrategy},
		PromptUser:    DefaultGatePromptUser,
		GateTimeoutMs: DefaultGateTimeoutMs,
	}
}
