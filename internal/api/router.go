// Package api is the gateway's HTTP surface: job REST endpoints, the SSE job
// stream, the websocket push channel and MCP tool access, all behind chi.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/forgeline/jobsync/internal/auth"
	"github.com/forgeline/jobsync/internal/metrics"
)

// RouterConfig collects what the router mounts besides the job handlers
type RouterConfig struct {
	// JWT verifies bearer tokens. Nil disables authentication.
	JWT                  *auth.JWT
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	// Push is the websocket hub served on /ws
	Push http.Handler
	// MCP is the streamable MCP endpoint served on /mcp
	MCP http.Handler
	// ToolCall is the plain REST tool endpoint served on /tools/call
	ToolCall http.HandlerFunc

	Metrics *metrics.Metrics
}

// NewRouter builds the gateway router
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(corsHandler(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	requireAuth := auth.RequireAuth(cfg.JWT)

	r.Route("/jobs", func(r chi.Router) {
		r.Use(requireAuth)

		r.Post("/", h.HandleSubmit)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleJobStatus)
		r.Get("/{id}/stream", h.HandleJobStream)
		r.Post("/{id}/cancel", h.HandleCancel)
		r.Post("/{id}/retry", h.HandleRetry)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleService))
			r.Post("/{id}/progress", h.HandleProgress)
			r.Post("/{id}/final", h.HandleFinal)
		})
	})

	if cfg.Push != nil {
		r.With(requireAuth).Handle("/ws", cfg.Push)
	}

	if cfg.MCP != nil || cfg.ToolCall != nil {
		r.Group(func(r chi.Router) {
			r.Use(requireAuth, auth.RequireRole(auth.RoleService))
			if cfg.MCP != nil {
				r.Handle("/mcp", cfg.MCP)
			}
			if cfg.ToolCall != nil {
				r.Post("/tools/call", cfg.ToolCall)
			}
		})
	}

	return r
}

func corsHandler(allowedOrigins []string, allowCredentials bool) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Mcp-Session-Id"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}
