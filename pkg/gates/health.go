package gates

import (
	"context"
	"fmt"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

type healthCheck struct {
	enabled bool
	store   HealthChecker
}

func (c *healthCheck) Name() string  { return GateHealth }
func (c *healthCheck) Enabled() bool { return c.enabled }

func (c *healthCheck) Run(ctx context.Context, _ string) models.GateResult {
	if c.store == nil {
		return models.GateResult{
			Status: models.GateNotApplicable,
			Reason: "no state store attached",
		}
	}
	if err := c.store.Health(ctx); err != nil {
		return models.GateResult{
			Status: models.GateFail,
			Reason: fmt.Sprintf("state store unhealthy: %v", err),
		}
	}
	return models.GateResult{Status: models.GatePass, Reason: "state store healthy"}
}
