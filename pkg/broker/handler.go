package broker

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"
)

// processRateLimit matches spec §3's default: "1000/s/process" for
// callback traffic, independent of the per-execution 2000-callback cap.
const processRateLimit = 1000

// Handler adapts Broker to net/http, mounted at
// /internal/script-executor/callback (spec.md §6; SPEC_FULL §7).
type Handler struct {
	broker  *Broker
	limiter *rate.Limiter
}

// NewHandler wraps broker with the process-wide callback rate limit.
func NewHandler(broker *Broker) *Handler {
	return &Handler{
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(processRateLimit), processRateLimit),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "callback rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	resp, err := h.broker.Handle(r.Context(), req)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(resp.Error.Kind.HTTPStatus())
	}
	_ = json.NewEncoder(w).Encode(resp)
}
