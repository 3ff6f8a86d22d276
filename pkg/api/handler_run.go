package api

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// maxObjectiveSize caps the request body's objective field. Objectives are
// instructions, not payloads; anything near this limit belongs in the
// repository the agent works on.
const maxObjectiveSize = 64 << 10

// submitRunHandler handles POST /api/v1/runs.
// Starts a driver run in its own goroutine and returns immediately with the
// session id.
func (s *Server) submitRunHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Validate required fields
	if req.Objective == "" && req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "objective field is required")
	}

	// 3. Enforce objective size limit
	if len(req.Objective) > maxObjectiveSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("objective exceeds maximum size of %d bytes", maxObjectiveSize))
	}

	// 4. A bare session id is a resume; the session must exist and carry an
	// objective from its original submission.
	if req.Objective == "" {
		st, err := s.store.Get(c.Request().Context(), req.SessionID)
		if err != nil {
			return mapServiceError(err)
		}
		if st == nil {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		if st.Objective == "" {
			return echo.NewHTTPError(http.StatusConflict, "session has no stored objective to resume")
		}
	}

	// 5. Hand off to the session manager. The run gets the process root
	// context, not the request context: it must survive this request.
	run, err := s.manager.Start(s.runCtx, req.SessionID, req.Objective)
	if err != nil {
		return mapServiceError(err)
	}

	// 6. Return response
	return c.JSON(http.StatusAccepted, &RunResponse{
		SessionID: run.SessionID,
		Status:    "accepted",
		Message:   "Run started",
	})
}
