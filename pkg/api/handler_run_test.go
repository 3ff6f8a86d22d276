package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

func TestSubmitRunHandler_Validation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name    string
		body    string
		wantErr int
		errMsg  string
	}{
		{
			name:    "malformed JSON",
			body:    `{"objective": `,
			wantErr: http.StatusBadRequest,
		},
		{
			name:    "neither objective nor session id",
			body:    `{}`,
			wantErr: http.StatusBadRequest,
			errMsg:  "objective field is required",
		},
		{
			name:    "objective too large",
			body:    `{"objective": "` + strings.Repeat("x", maxObjectiveSize+1) + `"}`,
			wantErr: http.StatusRequestEntityTooLarge,
			errMsg:  "maximum size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := s.submitRunHandler(c)
			if assert.Error(t, err) {
				he, ok := err.(*echo.HTTPError)
				if assert.True(t, ok, "expected echo.HTTPError") {
					assert.Equal(t, tt.wantErr, he.Code)
					if tt.errMsg != "" {
						assert.Contains(t, he.Message, tt.errMsg)
					}
				}
			}
		})
	}
}

func TestSubmitRunResume(t *testing.T) {
	t.Run("resume of unknown session returns 404", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{SessionID: "ghost"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("resume of session without objective returns 409", func(t *testing.T) {
		ts := newTestServer(t)
		_, err := ts.store.Update(context.Background(), "blank", models.SessionPatch{
			Status: models.Ptr(models.StatusIdle),
		})
		require.NoError(t, err)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{SessionID: "blank"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "no stored objective")
	})

	t.Run("resume starts a run with the stored objective", func(t *testing.T) {
		ts := newTestServer(t)
		_, err := ts.store.Update(context.Background(), "paused", models.SessionPatch{
			Objective: models.Ptr("finish the migration"),
			Status:    models.Ptr(models.StatusRecovering),
		})
		require.NoError(t, err)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{SessionID: "paused"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		resp := decodeJSON[RunResponse](t, rec)
		assert.Equal(t, "paused", resp.SessionID)
	})
}
