// Package httpapi exposes the intake endpoint and health probe.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/HengWoo/enterprise-bots-sub003/internal/config"
	"github.com/HengWoo/enterprise-bots-sub003/internal/pipeline"
	"github.com/HengWoo/enterprise-bots-sub003/internal/session"
)

// maxEventBody bounds inbound event payloads.
const maxEventBody = 256 * 1024

// Server is the HTTP intake front of the gateway.
type Server struct {
	cfg      config.GatewayConfig
	pipeline *pipeline.Pipeline
	store    *session.Store
	httpSrv  *http.Server
}

// NewServer creates the intake server.
func NewServer(cfg config.GatewayConfig, p *pipeline.Pipeline, store *session.Store) *Server {
	s := &Server{cfg: cfg, pipeline: p, store: store}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("Intake server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new requests. In-flight pipeline work is
// drained separately by the caller.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var ev pipeline.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := dec.Decode(&ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ack, err := s.pipeline.Accept(r.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrBadEvent):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, pipeline.ErrUnknownBot):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			slog.Error("Intake failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hot, warm := s.store.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"sessions_hot":  hot,
		"sessions_warm": warm,
		"in_flight":     s.pipeline.InFlight(),
	})
}

// authorized checks bearer auth when a token is configured. No token
// means an open intake, for local and test use.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	return ok && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encode failed", "error", err)
	}
}
