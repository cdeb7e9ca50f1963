package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/observer/hirechat/internal/api"
	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/config"
	"github.com/observer/hirechat/internal/middleware"
)

// Pinger is a backend whose reachability gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	Tokens        *auth.TokenService
	TokenHandler  *api.TokenHandler
	UploadHandler *api.UploadHandler // nil when storage is not configured
	// ReceiptHandler is nil when no database is configured
	ReceiptHandler  *api.ReceiptHandler
	PresenceHandler *api.PresenceHandler
	WSHandler       http.Handler
	TokenLimiter    *middleware.RateLimiter
	// Checks are probed by /readyz, keyed by the name reported on failure
	Checks map[string]Pinger
	Logger *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	return &http.Server{
		Addr:        cfg.GatewayAddr,
		Handler:     NewHandler(cfg, deps),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: it would cut long-lived websocket connections
		IdleTimeout: 60 * time.Second,
	}
}

// NewHandler builds the routed and wrapped handler served by New
func NewHandler(cfg *config.Config, deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		metricsMiddleware,
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		for name, check := range deps.Checks {
			if err := check.Ping(ctx); err != nil {
				deps.Logger.Warn("readiness check failed", "check", name, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready","error":"` + name + ` unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	// =========================================================================
	// Chat API (require auth)
	// =========================================================================
	authMiddleware := auth.Middleware(deps.Tokens)
	protect := func(h http.HandlerFunc) http.Handler {
		if deps.TokenLimiter != nil {
			return authMiddleware(deps.TokenLimiter.Middleware(h))
		}
		return authMiddleware(h)
	}

	mux.Handle("GET "+auth.TokenPath, protect(deps.TokenHandler.IssueToken))
	if deps.UploadHandler != nil {
		mux.Handle("POST /jobbit/v1/chat/upload", protect(deps.UploadHandler.InitUpload))
		mux.Handle("GET /jobbit/v1/chat/upload/{id}", protect(deps.UploadHandler.AttachmentURL))
		mux.Handle("GET /jobbit/v1/chat/uploads", authMiddleware(http.HandlerFunc(deps.UploadHandler.ListAttachments)))
	}
	if deps.ReceiptHandler != nil {
		mux.Handle("GET /jobbit/v1/chat/receipts", authMiddleware(http.HandlerFunc(deps.ReceiptHandler.ListReceipts)))
		mux.Handle("GET /jobbit/v1/chat/receipts/status", authMiddleware(http.HandlerFunc(deps.ReceiptHandler.ReadStatus)))
	}
	if deps.PresenceHandler != nil {
		mux.Handle("GET /jobbit/v1/chat/online", authMiddleware(http.HandlerFunc(deps.PresenceHandler.ListOnline)))
		mux.Handle("GET /jobbit/v1/chat/online/{handle}", authMiddleware(http.HandlerFunc(deps.PresenceHandler.IsOnline)))
	}

	// =========================================================================
	// WebSocket gateway
	// =========================================================================
	mux.Handle("GET /ws", deps.WSHandler)
}
