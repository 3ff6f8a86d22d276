package gates

import (
	"context"
	"fmt"

	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

type budgetCheck struct {
	enabled  bool
	limitUSD float64
	strategy string
	cost     CostFn
}

func (c *budgetCheck) Name() string  { return GateBudget }
func (c *budgetCheck) Enabled() bool { return c.enabled }

// Run compares accumulated cost to the limit. An exceeded budget fails only
// under the block strategy; the warn strategy surfaces it without blocking.
func (c *budgetCheck) Run(_ context.Context, sessionID string) models.GateResult {
	if c.limitUSD <= 0 || c.cost == nil {
		return models.GateResult{
			Status: models.GateNotApplicable,
			Reason: "no budget limit configured",
		}
	}

	spent := c.cost(sessionID)
	if spent <= 0 {
		return models.GateResult{
			Status: models.GateNotApplicable,
			Reason: "no cost recorded",
		}
	}

	if spent >= c.limitUSD {
		reason := fmt.Sprintf("spent %.2f USD of a %.2f USD budget", spent, c.limitUSD)
		if c.strategy == config.BudgetStrategyBlock {
			return models.GateResult{Status: models.GateFail, Reason: reason}
		}
		return models.GateResult{Status: models.GateWarn, Reason: reason}
	}
	return models.GateResult{
		Status: models.GatePass,
		Reason: fmt.Sprintf("spent %.2f USD of a %.2f USD budget", spent, c.limitUSD),
	}
}
