package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event is one message delivered to a bus subscriber.
type Event struct {
	Channel string
	Type    string
	Data    []byte
}

// Sink receives every published event for out-of-process delivery. The
// WebSocket connection manager implements it.
type Sink interface {
	Broadcast(channel string, event []byte)
}

// Publisher is the in-process event bus. Delivery to subscribers is
// non-blocking: a subscriber whose buffer is full misses the event, so
// buffers should be sized for bursts and durable state read from the store.
//
// All methods are safe on a nil receiver, which keeps event emission optional
// in unit tests.
type Publisher struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Event
	nextID int
	sink   Sink
	logger *slog.Logger
}

func NewPublisher() *Publisher {
	return &Publisher{
		subs:   make(map[string]map[int]chan Event),
		logger: slog.Default().With("component", "event_bus"),
	}
}

// SetSink attaches the broadcast sink. Called once during startup after both
// the publisher and the connection manager are created.
func (p *Publisher) SetSink(s Sink) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = s
}

// Subscribe registers a buffered subscription to one channel and returns the
// receive side plus a cancel function. Cancel closes the channel.
func (p *Publisher) Subscribe(channel string, buffer int) (<-chan Event, func()) {
	if p == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[int]chan Event)
	}
	p.subs[channel][id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			if subs, ok := p.subs[channel]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(p.subs, channel)
				}
			}
			p.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// --- Typed public methods ---

// PublishPlanFrozen broadcasts a plan_frozen event on the session channel.
func (p *Publisher) PublishPlanFrozen(sessionID string, payload PlanFrozenPayload) {
	payload.Type = EventTypePlanFrozen
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishPhaseChanged broadcasts a phase_changed event on the session channel.
func (p *Publisher) PublishPhaseChanged(sessionID string, payload PhaseChangedPayload) {
	payload.Type = EventTypePhaseChanged
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishStageStarted broadcasts a stage_started event on the session channel.
func (p *Publisher) PublishStageStarted(sessionID string, payload StageStartedPayload) {
	payload.Type = EventTypeStageStarted
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishStageTaskDispatched broadcasts a stage_task_dispatched event.
func (p *Publisher) PublishStageTaskDispatched(sessionID string, payload StageTaskDispatchedPayload) {
	payload.Type = EventTypeStageTaskDispatched
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishStageTaskFinished broadcasts a stage_task_finished event.
func (p *Publisher) PublishStageTaskFinished(sessionID string, payload StageTaskFinishedPayload) {
	payload.Type = EventTypeStageTaskFinished
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishStageFinished broadcasts a stage_finished event on the session channel.
func (p *Publisher) PublishStageFinished(sessionID string, payload StageFinishedPayload) {
	payload.Type = EventTypeStageFinished
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishRecoveryEntered broadcasts a recovery_entered event.
func (p *Publisher) PublishRecoveryEntered(sessionID string, payload RecoveryEnteredPayload) {
	payload.Type = EventTypeRecoveryEntered
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishGateChecked broadcasts a gate_checked event on the session channel.
func (p *Publisher) PublishGateChecked(sessionID string, payload GateCheckedPayload) {
	payload.Type = EventTypeGateChecked
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
}

// PublishAlert broadcasts an alert on the session channel and mirrors it on
// the global sessions channel.
func (p *Publisher) PublishAlert(sessionID string, payload AlertPayload) {
	payload.Type = EventTypeAlert
	payload.SessionID = sessionID
	payload.Timestamp = eventTime()
	p.publish(SessionChannel(sessionID), payload.Type, payload)
	p.publish(GlobalSessionsChannel, payload.Type, payload)
}

// publish marshals the payload and fans it out to bus subscribers and the
// sink. Slow or full subscribers are skipped, never blocked on.
func (p *Publisher) publish(channel, eventType string, payload any) {
	if p == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event payload",
			"channel", channel, "type", eventType, "error", err)
		return
	}

	p.mu.RLock()
	subs := make([]chan Event, 0, len(p.subs[channel]))
	for _, ch := range p.subs[channel] {
		subs = append(subs, ch)
	}
	sink := p.sink
	p.mu.RUnlock()

	evt := Event{Channel: channel, Type: eventType, Data: data}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			p.logger.Debug("Dropping event for slow subscriber",
				"channel", channel, "type", eventType)
		}
	}

	if sink != nil {
		sink.Broadcast(channel, data)
	}
}

func eventTime() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
