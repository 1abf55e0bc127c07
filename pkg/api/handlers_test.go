package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/scriptwarden/broker/pkg/admission"
	"github.com/scriptwarden/broker/pkg/api"
	"github.com/scriptwarden/broker/pkg/audit"
	"github.com/scriptwarden/broker/pkg/auth"
	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/dispatcher"
	"github.com/scriptwarden/broker/pkg/ratelimit"
	"github.com/scriptwarden/broker/pkg/sandbox"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/scriptwarden/broker/pkg/tenants"
	"github.com/scriptwarden/broker/pkg/validator"
	"github.com/stretchr/testify/require"
)

type fakeKillSwitch struct{}

func (fakeKillSwitch) Active() bool { return false }

type fakeWatchdog struct {
	mu      sync.Mutex
	started []string
}

func (w *fakeWatchdog) Start(executionID string, _ int, _ int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = append(w.started, executionID)
}
func (w *fakeWatchdog) Stop(string) {}

type fakeSandbox struct{ result *sandbox.ExecuteResult }

func (f *fakeSandbox) Execute(context.Context, sandbox.ExecuteRequest) (*sandbox.ExecuteResult, error) {
	return f.result, nil
}
func (f *fakeSandbox) Stop(context.Context, string) error { return nil }
func (f *fakeSandbox) Health(context.Context) error       { return nil }

// setupHandler wires a Handler against in-memory stores, mirroring the
// dispatcher package's own test setup (pkg/dispatcher/dispatcher_test.go).
func setupHandler(t *testing.T) (*api.Handler, *scripts.Script, string) {
	t.Helper()
	ctx := context.Background()

	tenantStore := tenants.NewMemoryStore()
	tenant, err := tenantStore.Create(ctx, tenants.CreateRequest{Name: "acme", RateLimit: 1000, APIQuota: 1000, Grants: []string{"database"}})
	require.NoError(t, err)

	scriptStore := scripts.NewMemoryStore()
	script := &scripts.Script{ID: "script-1", TenantID: tenant.ID, Active: true, RequiredCapabilities: []string{"database"}, TimeoutSeconds: 5}
	require.NoError(t, scriptStore.CreateScript(ctx, script))
	version, err := scriptStore.CreateVersion(ctx, script.ID, "console.log('hi')", "user-1")
	require.NoError(t, err)
	require.NoError(t, scriptStore.SetApproval(ctx, script.ID, version.Version, scripts.ApprovalApproved, 100))

	adm := admission.NewController(fakeKillSwitch{}, tenantStore, scriptStore, ratelimit.NewMemoryLimiter(), cache.NewMemoryCache(), 10)
	execStore := store.NewMemoryStore()
	d := dispatcher.NewDispatcher(adm, execStore, &fakeSandbox{result: &sandbox.ExecuteResult{Status: sandbox.StatusSuccess, Output: "ok", Acknowledged: true}}, cache.NewMemoryCache(), &fakeWatchdog{}, []byte("test-master-key-32-bytes-long!!"))

	h := api.NewHandler(d, scriptStore, nil, nil, validator.DefaultLimits())
	return h, script, tenant.ID
}

func withPrincipal(r *http.Request, id, tenantID string, roles ...string) *http.Request {
	p := &auth.BasePrincipal{ID: id, TenantID: tenantID, Roles: roles}
	return r.WithContext(auth.WithPrincipal(r.Context(), p))
}

func TestHandleValidate_ReturnsResult(t *testing.T) {
	h, _, _ := setupHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body := `{"source":"console.log('hi')"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", jsonBody(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var result validator.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
}

func TestHandleExecute_RequiresPrincipal(t *testing.T) {
	h, script, _ := setupHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scripts/"+script.ID+"/execute", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleExecute_DispatchesApprovedScript(t *testing.T) {
	h, script, tenantID := setupHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scripts/"+script.ID+"/execute", jsonBody(`{"context":{"x":1}}`))
	req = withPrincipal(req, "user-1", tenantID, "execute")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var log store.ExecutionLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &log))
	require.Equal(t, store.StatusSuccess, log.Status)
}

func TestHandleExecute_UnknownScriptReturns404(t *testing.T) {
	h, _, tenantID := setupHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scripts/missing/execute", nil)
	req = withPrincipal(req, "user-1", tenantID, "execute")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleExecute_RecordsAuditEvent(t *testing.T) {
	h, script, tenantID := setupHandler(t)
	auditStore := store.NewAuditStore()
	h.Audit = audit.NewStoreLogger(auditStore)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scripts/"+script.ID+"/execute", jsonBody(`{"context":{"x":1}}`))
	req = withPrincipal(req, "user-1", tenantID, "execute")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	entries := auditStore.Query(store.QueryFilter{EntryType: store.EntryTypeAudit})
	require.Len(t, entries, 1)
	require.Equal(t, "execute", entries[0].Action)
}

func TestHandleAuditExport_RequiresPrincipal(t *testing.T) {
	h, _, _ := setupHandler(t)
	h.AuditExport = audit.NewExporter(store.NewAuditStore())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleAuditExport_ReturnsZip(t *testing.T) {
	h, _, tenantID := setupHandler(t)
	h.AuditExport = audit.NewExporter(store.NewAuditStore())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export", nil)
	req = withPrincipal(req, "user-1", tenantID, "execute")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	require.NotEmpty(t, w.Header().Get("X-Evidence-Checksum"))
}

func jsonBody(s string) io.Reader { return strings.NewReader(s) }
