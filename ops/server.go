// Package ops exposes the operational HTTP surface: health probes,
// prometheus metrics and store statistics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/outbox"
	"go.relaykit.dev/store"
)

// Config holds the ops server settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves the ops endpoints. Store and dispatcher references are
// optional; endpoints for absent collaborators report 404.
type Server struct {
	config      Config
	dispatcher  *outbox.Dispatcher
	outboxStore store.OutboxStore
	inboxStore  store.InboxStore
	deadLetters store.DeadLetterStore
	ready       atomic.Bool

	httpServer *http.Server
}

// NewServer wires the ops surface. Nil collaborators disable their routes.
func NewServer(config Config, dispatcher *outbox.Dispatcher, outboxStore store.OutboxStore, inboxStore store.InboxStore, deadLetters store.DeadLetterStore) *Server {
	if config.Port == 0 {
		config = DefaultConfig()
	}
	return &Server{
		config:      config,
		dispatcher:  dispatcher,
		outboxStore: outboxStore,
		inboxStore:  inboxStore,
		deadLetters: deadLetters,
	}
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/q/health", s.handleHealth)
	r.Get("/q/health/live", s.handleLive)
	r.Get("/q/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	if s.outboxStore != nil {
		r.Get("/outbox/stats", s.handleOutboxStats)
	}
	if s.inboxStore != nil {
		r.Get("/inbox/stats", s.handleInboxStats)
	}
	if s.deadLetters != nil {
		r.Get("/deadletters", s.handleDeadLetters)
		if s.outboxStore != nil {
			r.Post("/deadletters/{id}/requeue", s.handleRequeue)
		}
	}
	return r
}

// Start launches the HTTP listener.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	go func() {
		log.Info().Int("port", s.config.Port).Msg("Ops HTTP server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ops HTTP server failed")
		}
	}()
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "DOWN"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.outboxStore.Stats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	payload := map[string]any{"store": stats}
	if s.dispatcher != nil {
		payload["dispatcher"] = s.dispatcher.Stats()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleInboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.inboxStore.Stats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deadLetters.List(r.Context(), 100)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	count, _ := s.deadLetters.Count(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{"count": count, "entries": entries})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := store.Requeue(r.Context(), s.deadLetters, s.outboxStore, id, store.OutboxOptions{})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, messaging.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	log.Info().Str("entryId", entry.ID).Str("messageId", entry.Message.ID).Msg("Dead-lettered message requeued")
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode ops response")
	}
}
