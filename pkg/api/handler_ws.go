package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/kkelly-offical/kkcode-sub002/pkg/events"
)

// wsHandler handles GET /api/v1/ws. It upgrades the connection and delegates
// to the ConnectionManager. A session_id query parameter subscribes the
// client to that session's channel up front; further subscriptions arrive as
// client messages.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	var channels []string
	if sessionID := c.QueryParam("session_id"); sessionID != "" {
		channels = append(channels, events.SessionChannel(sessionID))
	}

	// The control API is loopback-oriented, so all origins are accepted.
	// Exposing it beyond localhost calls for an OriginPatterns allowlist
	// here and auth in front of the router.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, channels...)
	return nil
}
