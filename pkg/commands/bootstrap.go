package commands

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/agent"
	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/driver"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/gates"
	"github.com/kkelly-offical/kkcode-sub002/pkg/gitops"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/scheduler"
	"github.com/kkelly-offical/kkcode-sub002/pkg/slack"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
	"github.com/kkelly-offical/kkcode-sub002/pkg/worker"
)

// runtime bundles the driver stack both run and serve mode build from
// configuration.
type runtime struct {
	cfg    *config.Config
	store  *state.Store
	ckpts  *checkpoint.Store
	driver *driver.Driver
}

// buildRuntime assembles the state store, the worker scheduler and the
// driver. bus, reg and prompter may all be nil: run mode wires a terminal
// prompter and no metrics, serve mode the other way around.
func buildRuntime(cfg *config.Config, bus *events.Publisher, reg *metrics.Registry, prompter gates.Prompter) (*runtime, error) {
	if cfg.Agent.Command == "" {
		return nil, errors.New("agent.command is not configured, set it in kkcode.yaml or KKCODE_AGENT_COMMAND")
	}

	var lockObserver func(time.Duration)
	if reg != nil {
		lockObserver = reg.ObserveLockWait
	}
	store := state.NewStore(state.StoreConfig{
		ProjectDir:       cfg.State.ProjectDir,
		LockTimeout:      cfg.LockTimeout(),
		FileChangesLimit: cfg.FileChangesLimit,
		LockWaitObserver: lockObserver,
	})
	ckpts := checkpoint.NewStore(cfg.State.CheckpointDir)

	ag := agent.NewCommandAgent(agent.CommandConfig{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Dir:     cfg.State.ProjectDir,
	})
	pool := worker.NewLocalPool(ag, cfg.Parallel.MaxConcurrency)
	sched := scheduler.New(pool, scheduler.Config{
		MaxConcurrency:   cfg.Parallel.MaxConcurrency,
		TaskTimeout:      cfg.Parallel.TaskTimeout(),
		BudgetLimitUSD:   cfg.Parallel.BudgetLimitUSD,
		FileChangesLimit: cfg.FileChangesLimit,
		Model:            cfg.Agent.Model,
		Provider:         cfg.Agent.Provider,
	}, bus, reg)

	var git *gitops.Runner
	if cfg.Git.Enabled {
		git = gitops.NewRunner(cfg.State.ProjectDir)
	}

	drv := driver.New(cfg, driver.Deps{
		Store:       store,
		Checkpoints: ckpts,
		Scheduler:   sched,
		Agent:       ag,
		Prompter:    prompter,
		Git:         git,
		Bus:         bus,
		Metrics:     reg,
		ProjectDir:  cfg.State.ProjectDir,
	})

	return &runtime{cfg: cfg, store: store, ckpts: ckpts, driver: drv}, nil
}

// buildStores constructs only the read side. Inspection commands must not
// require a configured agent command.
func buildStores(cfg *config.Config) (*state.Store, *checkpoint.Store) {
	store := state.NewStore(state.StoreConfig{
		ProjectDir:       cfg.State.ProjectDir,
		LockTimeout:      cfg.LockTimeout(),
		FileChangesLimit: cfg.FileChangesLimit,
	})
	return store, checkpoint.NewStore(cfg.State.CheckpointDir)
}

// newSlackService builds the notifier, or nil when Slack is disabled or the
// token environment variable is empty.
func newSlackService(cfg config.SlackConfig) *slack.Service {
	if !cfg.Enabled {
		return nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		slog.Warn("Slack notifications enabled but token is empty", "token_env", cfg.TokenEnv)
		return nil
	}
	return slack.NewService(slack.ServiceConfig{
		Token:        token,
		Channel:      cfg.ChannelID,
		DashboardURL: cfg.DashboardURL,
	})
}
