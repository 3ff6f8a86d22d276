package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// defaultReviewStateFile is resolved relative to the project directory.
const defaultReviewStateFile = ".kkcode/review-state.json"

// reviewState is the on-disk shape an external review tool maintains.
type reviewState struct {
	Items []reviewItem `json:"items"`
}

type reviewItem struct {
	ID     string `json:"id"`
	Status string `json:"status"` // pending, resolved
	Note   string `json:"note,omitempty"`
}

type reviewCheck struct {
	enabled   bool
	stateFile string
}

func (c *reviewCheck) Name() string  { return GateReview }
func (c *reviewCheck) Enabled() bool { return c.enabled }

func (c *reviewCheck) Run(_ context.Context, _ string) models.GateResult {
	data, err := os.ReadFile(c.stateFile)
	if os.IsNotExist(err) {
		return models.GateResult{
			Status: models.GateNotApplicable,
			Reason: "no review state file",
		}
	}
	if err != nil {
		return models.GateResult{
			Status: models.GateFail,
			Reason: fmt.Sprintf("reading review state: %v", err),
		}
	}

	var state reviewState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.GateResult{
			Status: models.GateFail,
			Reason: fmt.Sprintf("review state is not valid JSON: %v", err),
		}
	}

	pending := 0
	for _, item := range state.Items {
		if item.Status != "resolved" {
			pending++
		}
	}
	if pending > 0 {
		return models.GateResult{
			Status: models.GateFail,
			Reason: fmt.Sprintf("%d review items pending", pending),
		}
	}
	return models.GateResult{Status: models.GatePass, Reason: "all review items resolved"}
}

func reviewStateFile(configured, projectDir string) string {
	if configured != "" {
		if filepath.IsAbs(configured) {
			return configured
		}
		return filepath.Join(projectDir, configured)
	}
	return filepath.Join(projectDir, defaultReviewStateFile)
}
