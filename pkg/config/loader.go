package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the file looked up in the working directory when no
// explicit path is given.
const DefaultConfigFile = "kkcode.yaml"

// Initialize loads, merges, and validates the configuration. A missing
// default file falls back to pure defaults; a missing explicit path is an
// error. Environment variables are expanded inside the file before parsing.
func Initialize(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	source := "defaults"
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg Config
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fileCfg); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("merging config: %w", err)}
		}
		source = path
	case errors.Is(err, fs.ErrNotExist):
		if explicit {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
	default:
		return nil, &LoadError{File: path, Err: err}
	}

	applyEnvOverrides(cfg)
	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"source", source,
		"project_dir", cfg.State.ProjectDir,
		"checkpoint_dir", cfg.State.CheckpointDir,
		"max_concurrency", cfg.Parallel.MaxConcurrency,
		"git_enabled", cfg.Git.Enabled,
		"slack_enabled", cfg.Slack.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled())
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override select keys
// without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KKCODE_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("KKCODE_PROJECT_DIR"); v != "" {
		cfg.State.ProjectDir = v
	}
	if v := os.Getenv("KKCODE_CHECKPOINT_DIR"); v != "" {
		cfg.State.CheckpointDir = v
	}
	if v := os.Getenv("KKCODE_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
}

// resolvePaths fills in path defaults that depend on the environment.
func resolvePaths(cfg *Config) error {
	if cfg.State.ProjectDir == "" {
		cfg.State.ProjectDir = "."
	}
	abs, err := filepath.Abs(cfg.State.ProjectDir)
	if err != nil {
		return NewValidationError("state", "project_dir", err)
	}
	cfg.State.ProjectDir = abs

	if cfg.State.CheckpointDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return NewValidationError("state", "checkpoint_dir",
				fmt.Errorf("resolving user home for checkpoint dir: %w", err))
		}
		cfg.State.CheckpointDir = filepath.Join(home, ".kkcode", "checkpoints")
	}
	return nil
}
