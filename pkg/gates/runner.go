// Package gates runs the post-run quality gates: build, test, review, health
// and budget. Gates evaluate concurrently; only a fail verdict blocks
// completion, and passing verdicts are cached briefly so unchanged gates are
// not re-run between remediation attempts.
package gates

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
	"github.com/kkelly-offical/kkcode-sub002/pkg/metrics"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// Gate names, in evaluation/report order.
const (
	GateBuild  = "build"
	GateTest   = "test"
	GateReview = "review"
	GateHealth = "health"
	GateBudget = "budget"
)

// GateOrder is the canonical report order.
var GateOrder = []string{GateBuild, GateTest, GateReview, GateHealth, GateBudget}

// Check is one quality gate.
type Check interface {
	Name() string
	Enabled() bool
	Run(ctx context.Context, sessionID string) models.GateResult
}

// HealthChecker is the state-store consistency probe the health gate uses.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CostFn reports a session's accumulated agent cost for the budget gate.
type CostFn func(sessionID string) float64

// Deps carries the external probes the checks need.
type Deps struct {
	ProjectDir string
	Store      HealthChecker
	Cost       CostFn
}

// BuildChecks assembles the five gates from config. Overrides, when present,
// replace a gate's configured enablement for this run (the gate-selection
// prompt produces them).
func BuildChecks(cfg config.GatesConfig, deps Deps, overrides map[string]bool) []Check {
	enabled := func(name string, configured bool) bool {
		if overrides != nil {
			if v, ok := overrides[name]; ok {
				return v
			}
		}
		return configured
	}
	timeout := cfg.GateTimeout()

	return []Check{
		&buildCheck{
			enabled: enabled(GateBuild, cfg.Build.IsEnabled()),
			script:  cfg.Build.Script,
			dir:     deps.ProjectDir,
			timeout: timeout,
		},
		&testCheck{
			enabled: enabled(GateTest, cfg.Test.IsEnabled()),
			script:  cfg.Test.Script,
			dir:     testDir(cfg.Test.Dir, deps.ProjectDir),
			timeout: timeout,
		},
		&reviewCheck{
			enabled:   enabled(GateReview, cfg.Review.IsEnabled()),
			stateFile: reviewStateFile(cfg.Review.StateFile, deps.ProjectDir),
		},
		&healthCheck{
			enabled: enabled(GateHealth, cfg.Health.IsEnabled()),
			store:   deps.Store,
		},
		&budgetCheck{
			enabled:  enabled(GateBudget, cfg.Budget.IsEnabled()),
			limitUSD: cfg.Budget.LimitUSD,
			strategy: cfg.Budget.Strategy,
			cost:     deps.Cost,
		},
	}
}

// Runner evaluates checks and assembles gate reports.
type Runner struct {
	checks  []Check
	cache   *resultCache
	bus     *events.Publisher
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewRunner(checks []Check, bus *events.Publisher, reg *metrics.Registry) *Runner {
	return &Runner{
		checks:  checks,
		cache:   newResultCache(),
		bus:     bus,
		metrics: reg,
		logger:  slog.Default().With("component", "gates"),
	}
}

// Run evaluates every enabled gate concurrently and returns the combined
// report. Attempt is the 1-based gate-loop attempt, carried into gate_checked
// events. Warn verdicts count as passing; only fail verdicts land in
// Failures.
func (r *Runner) Run(ctx context.Context, sessionID string, attempt int) *models.GateReport {
	report := &models.GateReport{Gates: make(map[string]models.GateResult, len(r.checks))}

	var mu sync.Mutex
	evaluated := make(map[string]bool, len(r.checks))
	g, gctx := errgroup.WithContext(ctx)

	for _, check := range r.checks {
		name := check.Name()
		if !check.Enabled() {
			report.Gates[name] = models.GateResult{Status: models.GateDisabled}
			continue
		}
		if cached, ok := r.cache.get(sessionID, name); ok {
			report.Gates[name] = cached
			evaluated[name] = true
			continue
		}

		check := check
		evaluated[name] = true
		g.Go(func() error {
			res := check.Run(gctx, sessionID)
			res.Enabled = true
			if res.Status == models.GatePass || res.Status == models.GateNotApplicable {
				r.cache.put(sessionID, name, res)
			}
			mu.Lock()
			report.Gates[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, name := range GateOrder {
		res, ok := report.Gates[name]
		if !ok {
			continue
		}
		if evaluated[name] {
			r.metrics.ObserveGate(name, string(res.Status))
			r.bus.PublishGateChecked(sessionID, events.GateCheckedPayload{
				Gate:    name,
				Status:  string(res.Status),
				Reason:  res.Reason,
				Attempt: attempt,
			})
		}
		if res.Status == models.GateFail {
			report.Failures = append(report.Failures, models.GateFailure{
				Gate:   name,
				Status: res.Status,
				Reason: res.Reason,
				Output: res.Output,
			})
		}
	}
	report.AllPass = len(report.Failures) == 0

	r.logger.Info("Gate report assembled",
		"session_id", sessionID,
		"attempt", attempt,
		"all_pass", report.AllPass,
		"failures", len(report.Failures))
	return report
}

// ClearCache drops cached verdicts for a session. Called after remediation
// turns so every gate is re-proven.
func (r *Runner) ClearCache(sessionID string) {
	r.cache.clear(sessionID)
}
