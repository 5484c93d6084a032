package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/quotefill/internal/config"
	"github.com/shehryarbajwa/quotefill/internal/proxy"
)

// SetupRoutes configures all HTTP routes. The middleware wraps the router so
// preflight requests and unmatched paths are covered too.
func (h *Handler) SetupRoutes(proxyServer *proxy.Server) http.Handler {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/idempotency/stats", h.IdempotencyStats).Methods(http.MethodGet)

	// Kept-open session inspection
	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["id"])
	}).Methods(http.MethodGet)

	return correlationMiddleware(accessLogMiddleware(h.logger)(corsMiddleware(r)))
}

// NewHTTPServer builds the listener for the routed handler
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
