package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/dispatch/config"
	"github.com/Ramsey-B/dispatch/internal/app"
)

func TestRoutes(t *testing.T) {
	cfg := config.Config{
		AppName:      "dispatch",
		Port:         3000,
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}
	a := app.New(cfg, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	srv, err := New(context.Background(), cfg, a)
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantBody   string
	}{
		{name: "liveness", method: http.MethodGet, target: "/live", wantStatus: http.StatusOK},
		{name: "not ready before start", method: http.MethodGet, target: "/ready", wantStatus: http.StatusServiceUnavailable},
		{name: "metrics", method: http.MethodGet, target: "/metrics", wantStatus: http.StatusOK, wantBody: "go_goroutines"},
		{name: "mfa without token", method: http.MethodGet, target: "/api/v1/mfa/abc", wantStatus: http.StatusBadRequest},
		{name: "mfa answer without decision", method: http.MethodPost, target: "/api/v1/mfa/abc?token=abc", wantStatus: http.StatusBadRequest},
		{name: "invalid organization", method: http.MethodPost, target: "/api/v1/organizations/Bad-Org/signals", wantStatus: http.StatusBadRequest},
		{name: "unknown route", method: http.MethodGet, target: "/api/v1/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, strings.NewReader("{}")))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}
