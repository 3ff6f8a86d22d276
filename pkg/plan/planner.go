package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// ErrNotActionable marks objectives the planner refuses to plan for.
var ErrNotActionable = errors.New("objective is not actionable")

// Planner produces a candidate stage plan for an objective. The intake
// summary carries any clarification dialogue that preceded planning and may
// be empty.
type Planner interface {
	Plan(ctx context.Context, objective, intakeSummary string) (*models.StagePlan, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, objective, intakeSummary string) (*models.StagePlan, error)

func (f PlannerFunc) Plan(ctx context.Context, objective, intakeSummary string) (*models.StagePlan, error) {
	return f(ctx, objective, intakeSummary)
}

// ExtractPlanJSON pulls the first top-level JSON object out of free-form
// planner text and decodes it as a stage plan. Agents wrap their plan in
// prose or code fences; everything outside the outermost braces is ignored.
func ExtractPlanJSON(text string) (*models.StagePlan, error) {
	raw, err := extractObject(text)
	if err != nil {
		return nil, err
	}
	var p models.StagePlan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decoding plan JSON: %w", err)
	}
	return &p, nil
}

// extractObject scans for the first balanced top-level {...}, honoring JSON
// string literals and escapes.
func extractObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errors.New("no JSON object found in planner output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errors.New("unterminated JSON object in planner output")
}
