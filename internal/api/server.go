// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api exposes the announce webhook and status endpoints used by
// torrent clients and reverse proxies.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nemorosa/nemorosa/internal/buildinfo"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/models"
	"github.com/nemorosa/nemorosa/internal/orchestrator"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// webhookTimeout bounds one announce-triggered scan.
const webhookTimeout = 30 * time.Second

type Server struct {
	cfg     *domain.Config
	orch    *orchestrator.Orchestrator
	scans   *models.ScanStore
	retries *models.RetryStore
	log     zerolog.Logger
}

func NewServer(cfg *domain.Config, orch *orchestrator.Orchestrator, scans *models.ScanStore,
	retries *models.RetryStore, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		scans:   scans,
		retries: retries,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleBanner)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/webhook", s.handleWebhook)
		r.Get("/jobs", s.handleJobs)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// requireAPIKey checks the Bearer token against server.api_key. An empty
// configured key locks the API endpoints entirely.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		key := s.cfg.Server.APIKey
		if key == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"name":    "nemorosa",
		"version": buildinfo.Version,
		"endpoints": []string{
			"GET /healthz",
			"POST /api/webhook",
			"GET /api/jobs",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook scans a single torrent on demand, typically wired to a
// client's on-announce or on-complete hook.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	infoHash := strings.ToLower(strings.TrimSpace(q.Get("infoHash")))
	name := q.Get("name")
	size, _ := strconv.ParseInt(q.Get("size"), 10, 64)

	if infoHash == "" && name == "" {
		respondError(w, http.StatusBadRequest, "infoHash or name+size is required")
		return
	}
	if infoHash != "" && len(infoHash) != 40 {
		respondError(w, http.StatusBadRequest, "infoHash must be 40 hex characters")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), webhookTimeout)
	defer cancel()

	if infoHash == "" {
		entry, err := s.orch.ResolveAnnounce(ctx, "", name, size)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "announce resolution failed")
			return
		}
		if entry == nil {
			respondError(w, http.StatusNotFound, "no local torrent matches the announce")
			return
		}
		infoHash = entry.InfoHash
	}

	results, err := s.orch.ScanOne(ctx, infoHash, q.Get("force") == "true")
	switch {
	case errors.Is(err, orchestrator.ErrUnknownTorrent):
		respondError(w, http.StatusNotFound, "torrent not registered in client")
		return
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusRequestTimeout, fmt.Sprintf("scan did not finish within %s", webhookTimeout))
		return
	case err != nil:
		s.log.Error().Err(err).Str("infohash", infoHash).Msg("webhook scan failed")
		respondError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	status := http.StatusAccepted
	for _, r := range results {
		if r.Status == models.StatusMatched || r.Status == models.StatusFoundNoFetch {
			status = http.StatusOK
			break
		}
	}
	respondJSON(w, status, map[string]any{
		"infoHash": infoHash,
		"results":  results,
	})
}

// recentJobsLimit caps the job list in the status endpoint.
const recentJobsLimit = 50

// handleJobs reports recent scan outcomes, aggregate counts and the pending
// retry backlog.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	stats, err := s.scans.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load outcome stats")
		return
	}
	recent, err := s.scans.ListRecent(r.Context(), recentJobsLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load recent outcomes")
		return
	}
	if recent == nil {
		recent = []*models.ScanResult{}
	}
	pending, err := s.retries.Count(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load retry backlog")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"jobs":           recent,
		"outcomes":       stats,
		"pendingRetries": pending,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
