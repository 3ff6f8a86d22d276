package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

var validStatuses = map[models.SessionStatus]bool{
	models.StatusIdle:       true,
	models.StatusRunning:    true,
	models.StatusRecovering: true,
	models.StatusCompleted:  true,
	models.StatusFailed:     true,
	models.StatusBlocked:    true,
	models.StatusStopped:    true,
	models.StatusError:      true,
}

// listSessionsHandler handles GET /api/v1/sessions.
// Sessions come back sorted by last update, newest first. An optional
// comma-separated status filter narrows the list.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	var filter map[models.SessionStatus]bool
	if v := c.QueryParam("status"); v != "" {
		filter = make(map[models.SessionStatus]bool)
		for _, raw := range strings.Split(v, ",") {
			status := models.SessionStatus(raw)
			if !validStatuses[status] {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+raw)
			}
			filter[status] = true
		}
	}

	sessions, err := s.store.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}

	out := make([]*models.SessionState, 0, len(sessions))
	for _, st := range sessions {
		if filter != nil && !filter[st.Status] {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	return c.JSON(http.StatusOK, &SessionListResponse{Sessions: out, Total: len(out)})
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	st, err := s.store.Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	active := false
	if s.manager != nil {
		_, active = s.manager.Get(sessionID)
	}

	return c.JSON(http.StatusOK, &SessionDetail{SessionState: st, Active: active})
}

// stopSessionHandler handles POST /api/v1/sessions/:id/stop.
// It sets the durable stop flag; the driver checkpoints and halts at its
// next iteration boundary, regardless of which process owns the run.
func (s *Server) stopSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	ctx := c.Request().Context()

	st, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if st.Status.IsTerminal() {
		return echo.NewHTTPError(http.StatusConflict, "session is not in a stoppable state")
	}

	if err := s.store.Stop(ctx, sessionID); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &StopResponse{
		SessionID: sessionID,
		Message:   "Stop requested; the run halts at the next iteration boundary",
	})
}

// retryStageHandler handles POST /api/v1/sessions/:id/retry-stage.
// It sets the durable retry flag. The driver rolls the session back to the
// named stage's checkpoint when it sees the flag; on a terminal session the
// flag makes the next run re-enter the loop at that stage.
func (s *Server) retryStageHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req RetryStageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.StageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stage_id field is required")
	}
	ctx := c.Request().Context()

	st, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if st.StagePlan == nil {
		return echo.NewHTTPError(http.StatusConflict, "session has no frozen plan")
	}
	if st.StagePlan.StageIndexByID(req.StageID) < 0 {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("stage %q not found in the plan", req.StageID))
	}

	if _, err := s.store.Update(ctx, sessionID, models.SessionPatch{
		RetryStageID: models.Ptr(req.StageID),
	}); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &RetryStageResponse{
		SessionID: sessionID,
		StageID:   req.StageID,
		Message:   "Stage retry requested",
	})
}
