package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/session"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

// mapServiceError maps errors from the store and session layers to HTTP
// error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, checkpoint.ErrInvalidName) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, session.ErrAlreadyRunning) {
		return echo.NewHTTPError(http.StatusConflict, "session already has an active run")
	}
	if errors.Is(err, session.ErrCapacity) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "maximum active runs reached, retry later")
	}
	if errors.Is(err, session.ErrShuttingDown) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	if errors.Is(err, state.ErrLockTimeout) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "state store is busy, retry later")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
