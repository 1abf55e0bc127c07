package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scriptwarden/broker/pkg/auth"
	"github.com/stretchr/testify/assert"
)

func TestRequireOperator_RejectsNonOperator(t *testing.T) {
	handler := auth.RequireOperator(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	p := &auth.BasePrincipal{ID: "caller-1", TenantID: "acme", Roles: []string{"execute"}}
	req := httptest.NewRequest("POST", "/api/v1/kill-switch/activate", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireOperator_AllowsOperatorRole(t *testing.T) {
	called := false
	handler := auth.RequireOperator(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	p := &auth.BasePrincipal{ID: "caller-1", TenantID: "acme", Roles: []string{"operator"}}
	req := httptest.NewRequest("POST", "/api/v1/kill-switch/activate", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequireOperator_AllowsAdminRole(t *testing.T) {
	handler := auth.RequireOperator(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	p := &auth.BasePrincipal{ID: "caller-1", TenantID: "acme", Roles: []string{"admin"}}
	req := httptest.NewRequest("POST", "/api/v1/kill-switch/activate", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequireOperator_RejectsMissingPrincipal(t *testing.T) {
	handler := auth.RequireOperator(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/api/v1/kill-switch/activate", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
