package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listCheckpointsHandler handles GET /api/v1/sessions/:id/checkpoints.
// The list is sorted newest first; an empty list is a 200, not a 404, so
// callers can poll before the first checkpoint lands.
func (s *Server) listCheckpointsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	recs, err := s.checkpoints.List(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &CheckpointListResponse{Checkpoints: recs, Total: len(recs)})
}

// getCheckpointHandler handles GET /api/v1/sessions/:id/checkpoints/:name.
func (s *Server) getCheckpointHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	name := c.Param("name")

	rec, err := s.checkpoints.Load(c.Request().Context(), sessionID, name)
	if err != nil {
		return mapServiceError(err)
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
	}

	return c.JSON(http.StatusOK, rec)
}
