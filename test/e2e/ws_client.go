package e2e

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// StreamEvent is one frame received over the events WebSocket.
type StreamEvent struct {
	Type      string
	SessionID string
	Raw       json.RawMessage
	Parsed    map[string]any
}

// Stream is a test client over the /api/v1/ws endpoint. A background
// goroutine collects every frame; assertions poll the growing log, since
// events are transient and arrive asynchronously.
type Stream struct {
	t      *testing.T
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	frames []StreamEvent
}

// WatchSession dials the WebSocket endpoint pre-subscribed to one session's
// channel and waits for the handshake. Events published after this returns
// cannot be missed, so tests call it before submitting the run.
func (app *TestApp) WatchSession(sessionID string) *Stream {
	app.t.Helper()

	s := app.dial(app.WSURL + "?session_id=" + sessionID)
	s.WaitForType("connection.established", 5*time.Second)
	return s
}

// WatchAlerts dials the WebSocket endpoint and subscribes to the global
// sessions channel, where every run's alerts are mirrored.
func (app *TestApp) WatchAlerts() *Stream {
	app.t.Helper()

	s := app.dial(app.WSURL)
	s.WaitForType("connection.established", 5*time.Second)
	s.send(map[string]string{"action": "subscribe", "channel": "sessions"})
	s.WaitForType("subscription.confirmed", 5*time.Second)
	return s
}

func (app *TestApp) dial(url string) *Stream {
	app.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(app.t, err)

	s := &Stream{t: app.t, conn: conn, cancel: cancel, done: make(chan struct{})}
	go s.readLoop(ctx)
	app.t.Cleanup(s.Close)
	return s
}

func (s *Stream) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var parsed map[string]any
		if json.Unmarshal(data, &parsed) != nil {
			continue
		}
		evt := StreamEvent{Raw: data, Parsed: parsed}
		if v, ok := parsed["type"].(string); ok {
			evt.Type = v
		}
		if v, ok := parsed["sessionId"].(string); ok {
			evt.SessionID = v
		}

		s.mu.Lock()
		s.frames = append(s.frames, evt)
		s.mu.Unlock()
	}
}

func (s *Stream) send(msg any) {
	s.t.Helper()

	data, err := json.Marshal(msg)
	if err != nil {
		s.t.Fatalf("marshal client message: %v", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		s.t.Fatalf("write client message: %v", err)
	}
}

// WaitFor blocks until a frame matching the predicate arrives.
func (s *Stream) WaitFor(desc string, pred func(StreamEvent) bool, timeout time.Duration) StreamEvent {
	s.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, evt := range s.frames {
			if pred(evt) {
				s.mu.Unlock()
				return evt
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}

	s.t.Fatalf("no %s frame within %s (saw types %v)", desc, timeout, s.Types())
	return StreamEvent{}
}

// WaitForType blocks until a frame of the given type arrives.
func (s *Stream) WaitForType(eventType string, timeout time.Duration) StreamEvent {
	s.t.Helper()
	return s.WaitFor(eventType, func(e StreamEvent) bool { return e.Type == eventType }, timeout)
}

// WaitForAlert blocks until an alert frame with the given kind arrives.
func (s *Stream) WaitForAlert(kind string, timeout time.Duration) StreamEvent {
	s.t.Helper()
	return s.WaitFor("alert "+kind, func(e StreamEvent) bool {
		return e.Type == "alert" && e.Parsed["kind"] == kind
	}, timeout)
}

// Types returns the frame types in arrival order.
func (s *Stream) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, evt := range s.frames {
		out[i] = evt.Type
	}
	return out
}

// OfType returns all frames of one type, in arrival order.
func (s *Stream) OfType(eventType string) []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamEvent
	for _, evt := range s.frames {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// Close tears the connection down and waits for the reader to exit. Safe to
// call twice; registered as a cleanup by dial.
func (s *Stream) Close() {
	s.cancel()
	_ = s.conn.CloseNow()
	<-s.done
}
