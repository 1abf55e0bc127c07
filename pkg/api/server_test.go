package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scriptwarden/broker/pkg/api"
	"github.com/stretchr/testify/require"
)

func TestNewServer_HealthIsPublic(t *testing.T) {
	srv := api.NewServer(api.ServerConfig{Addr: ":0"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestNewServer_MetricsIsPublic(t *testing.T) {
	srv := api.NewServer(api.ServerConfig{Addr: ":0"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestNewServer_AdminRouteRequiresAuth(t *testing.T) {
	h, _, _ := setupHandler(t)
	srv := api.NewServer(api.ServerConfig{Addr: ":0", Admin: h})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}
