// Package server assembles the HTTP handlers of each role and runs them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedqueue/apqb/common/httputil"
	"github.com/fedqueue/apqb/common/middleware"
	"github.com/fedqueue/apqb/internal/config"
)

// ReadinessCheck reports whether the role can serve traffic.
type ReadinessCheck func(ctx context.Context) error

const readinessTimeout = 2 * time.Second

// registerOps adds health, readiness and metrics routes.
func registerOps(mux *http.ServeMux, ready ReadinessCheck) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := ready(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}

// NewInboxRouter serves gate for POST on every path.
func NewInboxRouter(gate http.Handler, cfg config.InboxConfig, ready ReadinessCheck) (http.Handler, error) {
	trusted, err := middleware.ParseIPRules(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("inbox trusted proxies: %w", err)
	}

	mux := http.NewServeMux()
	registerOps(mux, ready)
	mux.Handle("POST /", gate)

	return middleware.Chain(mux, middleware.RequestID, middleware.ClientIP(trusted)), nil
}

// NewReceiverRouter serves endpoint on POST cfg.Path behind the allow-list,
// the bearer check and the body limit.
func NewReceiverRouter(endpoint http.Handler, cfg config.ReceiverConfig, ready ReadinessCheck, logger *slog.Logger) (http.Handler, error) {
	trusted, err := middleware.ParseIPRules(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("receiver trusted proxies: %w", err)
	}
	allowed, err := middleware.ParseIPRules(cfg.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("receiver allowed ips: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/batch"
	}

	mux := http.NewServeMux()
	registerOps(mux, ready)
	mux.Handle("POST "+path, middleware.Chain(endpoint,
		middleware.AllowedIPs(allowed, logger),
		middleware.BearerAuth(cfg.Authorization),
		middleware.MaxBody(cfg.MaxBodyBytes),
	))

	return middleware.Chain(mux, middleware.RequestID, middleware.ClientIP(trusted)), nil
}

// NewOpsRouter serves only the operational routes, for the sender.
func NewOpsRouter(ready ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	registerOps(mux, ready)
	return middleware.RequestID(mux)
}
