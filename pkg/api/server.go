package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scriptwarden/broker/pkg/auth"
)

// ServerConfig collects everything NewServer needs to assemble the admin
// HTTP surface. Grounded on the teacher's console.Start: a mux assembled by
// hand, wrapped in auth middleware, served behind an *http.Server with
// explicit timeouts.
type ServerConfig struct {
	Addr string

	Admin       *Handler
	CallbackMux http.Handler // pkg/broker.Handler, mounted at /internal/script-executor/callback
	Validator   *auth.JWTValidator
	Registry    *prometheus.Registry

	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int
}

// NewServer assembles the process's single http.Server: health probes, the
// Prometheus scrape endpoint, the sandbox callback bridge, and the
// authenticated admin API, wrapped in request-ID, CORS, rate-limit and JWT
// middleware in that order (outermost first) — the same layering the
// teacher's console.Start composes by hand around its mux.
func NewServer(cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("GET /readiness", HealthHandler)
	mux.HandleFunc("GET /startup", HealthHandler)

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if cfg.CallbackMux != nil {
		mux.Handle("/internal/script-executor/callback", cfg.CallbackMux)
	}

	if cfg.Admin != nil {
		cfg.Admin.RegisterRoutes(mux)
	}

	limiter := NewGlobalRateLimiter(firstNonZero(cfg.RateLimitRPS, 50), firstNonZero(cfg.RateLimitBurst, 100))

	var handler http.Handler = mux
	handler = auth.NewMiddleware(cfg.Validator)(handler)
	handler = limiter.Middleware(handler)
	handler = auth.CORSMiddleware(cfg.AllowedOrigins)(handler)
	handler = auth.RequestIDMiddleware(handler)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("scriptwarden broker admin API active", "addr", addr)

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func firstNonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// Shutdown drains in-flight requests before returning, bounded by ctx.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
