package slack

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
)

// notifiedAlertKinds are the alert kinds worth an operator ping. The rest
// (stuck warnings, retry storms) stay on the dashboard.
var notifiedAlertKinds = map[string]bool{
	events.AlertBudgetBreaker:  true,
	events.AlertStageAborted:   true,
	events.AlertGitMergeFailed: true,
}

// Watcher relays orchestrator alerts to Slack. It subscribes to the global
// sessions channel of the event bus and forwards the alert kinds that warrant
// attention.
type Watcher struct {
	svc    *Service
	bus    *events.Publisher
	logger *slog.Logger

	stop        context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// NewWatcher creates an alert watcher. svc may be nil, in which case Start
// is a no-op.
func NewWatcher(svc *Service, bus *events.Publisher) *Watcher {
	return &Watcher{
		svc:    svc,
		bus:    bus,
		logger: slog.Default().With("component", "slack-watcher"),
	}
}

// Start subscribes to the alert stream and launches the relay loop.
func (w *Watcher) Start(ctx context.Context) {
	if w.svc == nil || w.stop != nil {
		return
	}
	ctx, w.stop = context.WithCancel(ctx)

	ch, cancel := w.bus.Subscribe(events.GlobalSessionsChannel, 64)
	w.unsubscribe = cancel
	w.done = make(chan struct{})

	go w.run(ctx, ch)
	w.logger.Info("Slack alert watcher started")
}

// Stop unsubscribes and waits for the relay loop to finish.
func (w *Watcher) Stop() {
	if w.stop == nil {
		return
	}
	w.stop()
	w.unsubscribe()
	<-w.done
	w.logger.Info("Slack alert watcher stopped")
}

func (w *Watcher) run(ctx context.Context, ch <-chan events.Event) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != events.EventTypeAlert {
				continue
			}
			var payload events.AlertPayload
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				w.logger.Warn("Dropping unparseable alert event", "error", err)
				continue
			}
			if !notifiedAlertKinds[payload.Kind] {
				continue
			}
			w.svc.NotifyAlert(ctx, AlertInput{
				SessionID: payload.SessionID,
				Kind:      payload.Kind,
				Message:   payload.Message,
				StageID:   payload.StageID,
			})
		}
	}
}
