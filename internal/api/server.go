// Package api exposes read-only diagnostics for a library replica: its
// operation log, parked operations and a live feed of applied operations.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/library-sync/internal/hlc"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

const maxOpsLimit = 10_000

// HealthFunc probes external dependencies. A nil HealthFunc reports healthy.
type HealthFunc func(ctx context.Context) error

// Config tunes the server.
type Config struct {
	Health HealthFunc
	Feed   FeedConfig
}

type server struct {
	m      *syncstate.Manager
	health HealthFunc
	logger zerolog.Logger
}

// NewServer builds the router for m.
func NewServer(m *syncstate.Manager, logger zerolog.Logger, cfg Config) http.Handler {
	logger = logger.With().Str("component", "api").Logger()
	s := &server{m: m, health: cfg.Health, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ops", s.handleOps)
	r.Get("/ops/shared", s.handleSharedOps)
	r.Get("/pending", s.handlePending)
	r.Method(http.MethodGet, "/feed", newFeed(m, logger, cfg.Feed))
	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Node    string `json:"node"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Node: s.m.Node().String(), Pending: s.m.PendingLen()}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	err := s.m.DB().Ping(ctx)
	if err == nil && s.health != nil {
		err = s.health(ctx)
	}
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

type opsResponse struct {
	Operations []types.CRDTOperation `json:"operations"`
	Latest     hlc.NTP64             `json:"latest"`
}

func newOpsResponse(ops []types.CRDTOperation) opsResponse {
	resp := opsResponse{Operations: ops}
	if resp.Operations == nil {
		resp.Operations = []types.CRDTOperation{}
	}
	for _, op := range ops {
		if op.Timestamp > resp.Latest {
			resp.Latest = op.Timestamp
		}
	}
	return resp
}

func (s *server) handleOps(w http.ResponseWriter, r *http.Request) {
	var since hlc.NTP64
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := hlc.ParseNTP64(raw)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = ts
	}
	limit := maxOpsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxOpsLimit)
	}

	ops, err := s.m.OpsSince(r.Context(), since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("read operations failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, newOpsResponse(ops))
}

func (s *server) handleSharedOps(w http.ResponseWriter, r *http.Request) {
	ops, err := s.m.GetOps(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("read shared operations failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, newOpsResponse(ops))
}

type pendingResponse struct {
	Count   int                      `json:"count"`
	Entries []syncstate.PendingEntry `json:"entries"`
}

func (s *server) handlePending(w http.ResponseWriter, r *http.Request) {
	entries := s.m.Pending()
	if entries == nil {
		entries = []syncstate.PendingEntry{}
	}
	count := 0
	for _, e := range entries {
		count += len(e.Operations)
	}
	s.writeJSON(w, http.StatusOK, pendingResponse{Count: count, Entries: entries})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("encode response failed")
	}
}
