package slack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
)

func TestWatcherRelaysOperatorAlerts(t *testing.T) {
	svc, api := newMockService(t)
	bus := events.NewPublisher()

	w := NewWatcher(svc, bus)
	w.Start(context.Background())
	defer w.Stop()

	// The stuck warning stays on the dashboard; the breaker goes to Slack.
	bus.PublishAlert("sess-1", events.AlertPayload{Kind: events.AlertStuckWarning, Message: "no progress"})
	bus.PublishAlert("sess-1", events.AlertPayload{Kind: events.AlertBudgetBreaker, Message: "limit reached", StageID: "s1"})

	require.Eventually(t, func() bool {
		return len(api.payloads()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	payloads := api.payloads()
	assert.Contains(t, payloads[0], "Budget Breaker Tripped")
	assert.Contains(t, payloads[0], "(stage s1)")
	assert.Contains(t, payloads[0], "limit reached")
	assert.NotContains(t, payloads[0], "no progress")
}

func TestWatcherRelaysMergeFailure(t *testing.T) {
	svc, api := newMockService(t)
	bus := events.NewPublisher()

	w := NewWatcher(svc, bus)
	w.Start(context.Background())

	bus.PublishAlert("sess-1", events.AlertPayload{Kind: events.AlertGitMergeFailed, Message: "branch kept"})

	require.Eventually(t, func() bool {
		return len(api.payloads()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.Contains(t, api.payloads()[0], "Git Merge Failed")
}

func TestWatcherDisabledWithoutService(t *testing.T) {
	bus := events.NewPublisher()

	w := NewWatcher(nil, bus)
	w.Start(context.Background())
	w.Stop() // must not block or panic

	bus.PublishAlert("sess-1", events.AlertPayload{Kind: events.AlertBudgetBreaker})
}
