package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/scriptwarden/broker/pkg/admission"
	"github.com/scriptwarden/broker/pkg/audit"
	"github.com/scriptwarden/broker/pkg/auth"
	"github.com/scriptwarden/broker/pkg/dispatcher"
	"github.com/scriptwarden/broker/pkg/killswitch"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/secrets"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/scriptwarden/broker/pkg/validator"
)

// Handler serves the admin HTTP surface (script validate/execute,
// execution lookup, kill-switch, secrets) the CLI's cobra commands also
// expose — grounded on the teacher's credentials.Handler: a struct of
// dependencies plus a RegisterRoutes(mux) method per handlers.go.
type Handler struct {
	Dispatcher *dispatcher.Dispatcher
	Scripts    scripts.Store
	Secrets    *secrets.Store
	KillSwitch *killswitch.Switch
	Limits     validator.Limits

	// Audit records every mutating admin action (spec.md §4.8 "durable
	// audit trail"), independent of the per-execution security/callback
	// chain store.ExecutionStore keeps. AuditExport serves the evidence
	// pack for that same trail; both are optional (nil skips logging/the
	// export route) so tests can wire a bare Handler.
	Audit       audit.Logger
	AuditExport *audit.Exporter
}

// NewHandler wires a Handler.
func NewHandler(d *dispatcher.Dispatcher, scriptStore scripts.Store, secretStore *secrets.Store, ks *killswitch.Switch, limits validator.Limits) *Handler {
	return &Handler{Dispatcher: d, Scripts: scriptStore, Secrets: secretStore, KillSwitch: ks, Limits: limits}
}

// RegisterRoutes registers every admin endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/validate", h.handleValidate)
	mux.HandleFunc("POST /api/v1/scripts/{id}/execute", h.handleExecute)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.handleGetExecution)
	mux.HandleFunc("GET /api/v1/kill-switch", h.handleKillSwitchStatus)
	mux.HandleFunc("POST /api/v1/kill-switch/activate", auth.RequireOperator(h.handleKillSwitchActivate))
	mux.HandleFunc("POST /api/v1/kill-switch/deactivate", auth.RequireOperator(h.handleKillSwitchDeactivate))
	mux.HandleFunc("GET /api/v1/secrets", h.handleListSecrets)
	mux.HandleFunc("POST /api/v1/secrets/{key}/rotate", h.handleRotateSecret)
	mux.HandleFunc("POST /api/v1/secrets/cleanup", h.handleCleanupSecrets)
	if h.AuditExport != nil {
		mux.HandleFunc("GET /api/v1/audit/export", h.handleAuditExport)
	}
}

// recordAudit is a best-effort fire-and-forget append: a logging failure
// must never fail the admin request it describes.
func (h *Handler) recordAudit(r *http.Request, eventType audit.EventType, action, resource string) {
	if h.Audit == nil {
		return
	}
	_ = h.Audit.Record(r.Context(), eventType, action, resource, nil)
}

type validateRequest struct {
	Source string `json:"source"`
}

// handleValidate runs the Static Validator against a posted source body
// (spec §4.1), independent of any stored script.
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	result := validator.Validate(req.Source, h.Limits)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

type executeRequest struct {
	Context map[string]any `json:"context"`
	Trigger string         `json:"trigger"`
}

// handleExecute dispatches a stored, approved script (spec §4.4).
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	scriptID := r.PathValue("id")
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req executeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "invalid request body")
			return
		}
	}
	trigger := store.TriggerAPI
	if req.Trigger != "" {
		trigger = store.Trigger(req.Trigger)
	}

	script, err := h.Scripts.GetScript(r.Context(), scriptID)
	if err != nil || script == nil {
		WriteNotFound(w, "script not found")
		return
	}
	version, err := h.Scripts.LatestApproved(r.Context(), scriptID)
	if err != nil || version == nil {
		WriteErrorR(w, r, http.StatusConflict, "Conflict", "script has no approved version")
		return
	}

	invoker := admission.Invoker{ID: principal.GetID(), CanExecute: principal.HasPermission("execute")}
	log, err := h.Dispatcher.Execute(r.Context(), script, version, script.TenantID, req.Context, trigger, invoker)
	if err != nil {
		WriteBrokerError(w, r, err)
		return
	}
	h.recordAudit(r, audit.EventMutation, "execute", "script:"+scriptID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(log)
}

func (h *Handler) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log, err := h.Dispatcher.Store.Get(r.Context(), id)
	if err != nil {
		WriteNotFound(w, "execution not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(log)
}

func (h *Handler) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	active, reason, err := h.KillSwitch.Status(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"active": active, "reason": reason})
}

func (h *Handler) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual activation via admin API"
	}
	if err := h.KillSwitch.Trip(r.Context(), body.Reason); err != nil {
		WriteInternal(w, err)
		return
	}
	h.recordAudit(r, audit.EventPolicy, "kill-switch.activate", "killswitch:global")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.KillSwitch.Deactivate(r.Context()); err != nil {
		WriteInternal(w, err)
		return
	}
	h.recordAudit(r, audit.EventPolicy, "kill-switch.deactivate", "killswitch:global")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	meta, err := h.Secrets.List(r.Context(), tenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

func (h *Handler) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	key := r.PathValue("key")
	var body struct {
		Value string `json:"value"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	newValue, err := h.Secrets.Rotate(r.Context(), tenantID, key, body.Value)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	h.recordAudit(r, audit.EventMutation, "secrets.rotate", "secret:"+key)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"key": key, "value": newValue})
}

func (h *Handler) handleCleanupSecrets(w http.ResponseWriter, r *http.Request) {
	n, err := h.Secrets.Cleanup(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	h.recordAudit(r, audit.EventSystem, "secrets.cleanup", "secrets:all")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"deactivated": n})
}

// handleAuditExport streams a tenant-scoped, hash-chained evidence pack
// of admin-action audit events (spec.md §4.8) as a downloadable zip.
func (h *Handler) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	req := audit.ExportRequest{TenantID: tenantID}
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			req.StartTime = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			req.EndTime = t
		}
	}

	pack, checksum, err := h.AuditExport.GeneratePack(r.Context(), req)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Evidence-Checksum", checksum)
	w.Header().Set("Content-Disposition", `attachment; filename="audit-`+tenantID+`.zip"`)
	_, _ = w.Write(pack)
}

// HealthHandler reports process liveness for orchestrator probes.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "time": strconv.FormatInt(time.Now().UTC().Unix(), 10)})
}
