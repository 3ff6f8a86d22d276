package gates

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// testFilePatterns detect a test suite when no test script is configured.
var testFilePatterns = []string{
	"**/*_test.go",
	"**/*.test.{js,jsx,ts,tsx}",
	"**/*.spec.{js,jsx,ts,tsx}",
	"**/test_*.py",
	"**/*_test.py",
}

type testCheck struct {
	enabled bool
	script  string
	dir     string
	timeout time.Duration
}

func (c *testCheck) Name() string  { return GateTest }
func (c *testCheck) Enabled() bool { return c.enabled }

func (c *testCheck) Run(ctx context.Context, _ string) models.GateResult {
	if strings.TrimSpace(c.script) != "" {
		output, err, timedOut := runScript(ctx, c.dir, c.script, c.timeout)
		switch {
		case timedOut:
			return models.GateResult{
				Status: models.GateFail,
				Reason: fmt.Sprintf("tests timed out after %s", c.timeout),
				Output: output,
			}
		case err != nil:
			return models.GateResult{
				Status: models.GateFail,
				Reason: fmt.Sprintf("tests failed: %v", err),
				Output: output,
			}
		default:
			return models.GateResult{Status: models.GatePass, Reason: "tests passed"}
		}
	}

	// Detection only: report whether a test suite exists that nothing runs.
	count := c.countTestFiles()
	if count > 0 {
		return models.GateResult{
			Status: models.GateNotApplicable,
			Reason: fmt.Sprintf("%d test files detected but no test script configured", count),
		}
	}
	return models.GateResult{
		Status: models.GateNotApplicable,
		Reason: "no test script configured and no test files detected",
	}
}

func (c *testCheck) countTestFiles() int {
	root := os.DirFS(c.dir)
	seen := make(map[string]struct{})
	for _, pattern := range testFilePatterns {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			seen[m] = struct{}{}
		}
	}
	return len(seen)
}

func testDir(configured, projectDir string) string {
	if configured != "" {
		return configured
	}
	return projectDir
}
