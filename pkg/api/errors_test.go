package api

import (
	"fmt"
	"net/http"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/kkelly-offical/kkcode-sub002/pkg/checkpoint"
	"github.com/kkelly-offical/kkcode-sub002/pkg/session"
	"github.com/kkelly-offical/kkcode-sub002/pkg/state"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectMsg  string
	}{
		{
			name:       "invalid checkpoint name maps to 400",
			err:        fmt.Errorf("%w: %q", checkpoint.ErrInvalidName, "../escape"),
			expectCode: http.StatusBadRequest,
			expectMsg:  "invalid checkpoint name",
		},
		{
			name:       "already running maps to 409",
			err:        fmt.Errorf("wrapped: %w", session.ErrAlreadyRunning),
			expectCode: http.StatusConflict,
			expectMsg:  "active run",
		},
		{
			name:       "capacity maps to 429",
			err:        fmt.Errorf("%w: limit 4", session.ErrCapacity),
			expectCode: http.StatusTooManyRequests,
			expectMsg:  "maximum active runs",
		},
		{
			name:       "shutting down maps to 503",
			err:        session.ErrShuttingDown,
			expectCode: http.StatusServiceUnavailable,
			expectMsg:  "shutting down",
		},
		{
			name:       "lock timeout maps to 503",
			err:        fmt.Errorf("wrapped: %w", state.ErrLockTimeout),
			expectCode: http.StatusServiceUnavailable,
			expectMsg:  "state store is busy",
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("something unexpected happened"),
			expectCode: http.StatusInternalServerError,
			expectMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(tt.err)
			assert.IsType(t, &echo.HTTPError{}, he)
			assert.Equal(t, tt.expectCode, he.Code)
			assert.Contains(t, he.Error(), tt.expectMsg)
		})
	}
}
