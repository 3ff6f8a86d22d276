package gates

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

type fakeCheck struct {
	name    string
	enabled bool
	result  models.GateResult

	mu   sync.Mutex
	runs int
}

func (f *fakeCheck) Name() string  { return f.name }
func (f *fakeCheck) Enabled() bool { return f.enabled }

func (f *fakeCheck) Run(context.Context, string) models.GateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.result
}

func (f *fakeCheck) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func TestRunnerCollectsVerdicts(t *testing.T) {
	build := &fakeCheck{name: GateBuild, enabled: true, result: models.GateResult{Status: models.GatePass, Reason: "ok"}}
	test := &fakeCheck{name: GateTest, enabled: true, result: models.GateResult{Status: models.GateFail, Reason: "2 tests failed"}}
	review := &fakeCheck{name: GateReview, enabled: false}
	budget := &fakeCheck{name: GateBudget, enabled: true, result: models.GateResult{Status: models.GateWarn, Reason: "over budget"}}
	r := NewRunner([]Check{build, test, review, budget}, nil, nil)

	report := r.Run(context.Background(), "sess-1", 1)

	assert.False(t, report.AllPass)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, GateTest, report.Failures[0].Gate)
	assert.Equal(t, "2 tests failed", report.Failures[0].Reason)

	assert.Equal(t, models.GatePass, report.Gates[GateBuild].Status)
	assert.True(t, report.Gates[GateBuild].Enabled)
	assert.Equal(t, models.GateDisabled, report.Gates[GateReview].Status)
	assert.False(t, report.Gates[GateReview].Enabled)
	assert.Equal(t, models.GateWarn, report.Gates[GateBudget].Status)

	assert.Equal(t, 0, review.runCount(), "disabled gates are never evaluated")
}

func TestRunnerWarnCountsAsPassing(t *testing.T) {
	budget := &fakeCheck{name: GateBudget, enabled: true, result: models.GateResult{Status: models.GateWarn, Reason: "over budget"}}
	r := NewRunner([]Check{budget}, nil, nil)

	report := r.Run(context.Background(), "sess-1", 1)

	assert.True(t, report.AllPass)
	assert.Empty(t, report.Failures)
	assert.True(t, report.Gates[GateBudget].Passing())
}

func TestRunnerCachesPassingVerdicts(t *testing.T) {
	build := &fakeCheck{name: GateBuild, enabled: true, result: models.GateResult{Status: models.GatePass}}
	test := &fakeCheck{name: GateTest, enabled: true, result: models.GateResult{Status: models.GateFail, Reason: "boom"}}
	r := NewRunner([]Check{build, test}, nil, nil)

	_ = r.Run(context.Background(), "sess-1", 1)
	_ = r.Run(context.Background(), "sess-1", 2)

	assert.Equal(t, 1, build.runCount(), "passing verdict is served from cache")
	assert.Equal(t, 2, test.runCount(), "failing gate is re-evaluated every attempt")
}

func TestRunnerCacheIsPerSession(t *testing.T) {
	build := &fakeCheck{name: GateBuild, enabled: true, result: models.GateResult{Status: models.GatePass}}
	r := NewRunner([]Check{build}, nil, nil)

	_ = r.Run(context.Background(), "sess-1", 1)
	_ = r.Run(context.Background(), "sess-2", 1)

	assert.Equal(t, 2, build.runCount())
}

func TestRunnerClearCacheForcesReRun(t *testing.T) {
	build := &fakeCheck{name: GateBuild, enabled: true, result: models.GateResult{Status: models.GatePass}}
	r := NewRunner([]Check{build}, nil, nil)

	_ = r.Run(context.Background(), "sess-1", 1)
	r.ClearCache("sess-1")
	_ = r.Run(context.Background(), "sess-1", 2)

	assert.Equal(t, 2, build.runCount())
}

func TestResultCacheExpires(t *testing.T) {
	c := newResultCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.put("sess-1", GateBuild, models.GateResult{Status: models.GatePass})
	_, ok := c.get("sess-1", GateBuild)
	assert.True(t, ok)

	now = now.Add(cacheTTL + time.Second)
	_, ok = c.get("sess-1", GateBuild)
	assert.False(t, ok)
}

func TestBuildChecksAppliesOverrides(t *testing.T) {
	cfg := config.DefaultGatesConfig()
	checks := BuildChecks(cfg, Deps{ProjectDir: t.TempDir()}, map[string]bool{
		GateTest:   false,
		GateBudget: true,
	})

	byName := make(map[string]Check)
	for _, c := range checks {
		byName[c.Name()] = c
	}
	require.Len(t, checks, 5)
	assert.True(t, byName[GateBuild].Enabled(), "no override keeps the configured enablement")
	assert.False(t, byName[GateTest].Enabled(), "override disables the gate")
	assert.True(t, byName[GateBudget].Enabled())
}
