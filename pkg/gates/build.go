package gates

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// maxGateOutput caps the command output carried in a gate result.
const maxGateOutput = 4000

type buildCheck struct {
	enabled bool
	script  string
	dir     string
	timeout time.Duration
}

func (c *buildCheck) Name() string  { return GateBuild }
func (c *buildCheck) Enabled() bool { return c.enabled }

func (c *buildCheck) Run(ctx context.Context, _ string) models.GateResult {
	if strings.TrimSpace(c.script) == "" {
		return models.GateResult{
			Status: models.GateNotApplicable,
			Reason: "no build script configured",
		}
	}

	output, err, timedOut := runScript(ctx, c.dir, c.script, c.timeout)
	switch {
	case timedOut:
		return models.GateResult{
			Status: models.GateFail,
			Reason: fmt.Sprintf("build timed out after %s", c.timeout),
			Output: output,
		}
	case err != nil:
		return models.GateResult{
			Status: models.GateFail,
			Reason: fmt.Sprintf("build failed: %v", err),
			Output: output,
		}
	default:
		return models.GateResult{Status: models.GatePass, Reason: "build succeeded"}
	}
}

// runScript runs a shell script in dir and returns its combined output tail.
func runScript(ctx context.Context, dir, script string, timeout time.Duration) (output string, err error, timedOut bool) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", script)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err = cmd.Run()
	output = outputTail(buf.String())
	if runCtx.Err() == context.DeadlineExceeded {
		return output, err, true
	}
	return output, err, false
}

func outputTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxGateOutput {
		return s
	}
	return "..." + s[len(s)-maxGateOutput:]
}
