// Package httpapi exposes the webhook endpoint and the administrative
// surface over the batching core.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/smsflow/internal/batch"
	"github.com/nextlevelbuilder/smsflow/internal/bus"
	"github.com/nextlevelbuilder/smsflow/internal/config"
	"github.com/nextlevelbuilder/smsflow/internal/store"
)

// Server wires the HTTP surface to the batching core and its
// collaborators.
type Server struct {
	cfg      *config.Config
	registry *batch.Registry
	messages store.MessageStore
	relay    batch.Relayer
	events   *bus.EventBus

	// Contacts whose webhook is mid-flight in a background goroutine.
	// A duplicate delivery for the same contact is acknowledged but not
	// re-processed.
	processingMu sync.Mutex
	processing   map[string]struct{}

	httpServer *http.Server
	mux        *http.ServeMux
	startedAt  time.Time
}

// NewServer creates the HTTP server. relay and events may be nil.
func NewServer(cfg *config.Config, reg *batch.Registry, messages store.MessageStore, relay batch.Relayer, events *bus.EventBus) *Server {
	return &Server{
		cfg:        cfg,
		registry:   reg,
		messages:   messages,
		relay:      relay,
		events:     events,
		processing: make(map[string]struct{}),
		startedAt:  time.Now().UTC(),
	}
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handlePing)

	mux.HandleFunc("GET /v1/batches", s.authMiddleware(s.handleBatches))
	mux.HandleFunc("GET /v1/batches/debug", s.authMiddleware(s.handleBatchDebug))
	mux.HandleFunc("GET /v1/timers", s.authMiddleware(s.handleTimers))
	mux.HandleFunc("POST /v1/batches/{contactKey}/process", s.authMiddleware(s.handleForceProcess))
	mux.HandleFunc("DELETE /v1/batches", s.authMiddleware(s.handleClearAll))
	mux.HandleFunc("GET /v1/batch-wait", s.authMiddleware(s.handleGetWait))
	mux.HandleFunc("PUT /v1/batch-wait", s.authMiddleware(s.handleSetWait))
	mux.HandleFunc("GET /v1/config", s.authMiddleware(s.handleConfig))

	if s.events != nil {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}

	s.mux = mux
	return mux
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("server.listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.Token != "" {
			if extractBearerToken(r) != s.cfg.Server.Token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
