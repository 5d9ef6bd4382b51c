// Keeper is an escrow deal timing service.
// Copyright (C) 2026 The Keeper Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"keeper/internal/metrics"
	"keeper/internal/webhook/middleware"
)

// ServiceName identifies the service in health responses.
const ServiceName = "escrow-keeper"

// maxBodyBytes bounds one delivery. Provider batches are a few KiB;
// a MiB leaves room without letting a client exhaust memory.
const maxBodyBytes = 1 << 20

// Server hosts the webhook intake endpoint.
type Server struct {
	secret string
	router *Router
	rdb    *redis.Client
	log    *zap.Logger
}

// NewServer wires the HTTP surface over a Router.
func NewServer(secret string, router *Router, rdb *redis.Client, log *zap.Logger) *Server {
	return &Server{secret: secret, router: router, rdb: rdb, log: log}
}

// Handler builds the chi router with all middleware applied.
func (s *Server) Handler() http.Handler {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         30,
		CleanupInterval:   5 * time.Minute,
		Logger:            s.log,
	})

	r := chi.NewRouter()
	r.Use(middleware.Correlation)
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig()))
	r.Use(limiter.Middleware)

	r.Post("/webhooks/helius", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveWebhookRequest(metrics.OutcomeMalformed, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "reason": "unreadable body"})
		return
	}

	if !VerifyHeliusSignature(s.secret, body, r.Header.Get("X-Helius-Signature")) {
		s.log.Warn("webhook signature verification failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Int("body_bytes", len(body)))
		metrics.ObserveWebhookRequest(metrics.OutcomeUnauthorized, time.Since(start))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "reason": "signature verification failed"})
		return
	}

	events, err := Normalize(body, r.Header.Get("X-Webhook-Id"))
	if err != nil {
		metrics.ObserveWebhookRequest(metrics.OutcomeMalformed, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "reason": "malformed json"})
		return
	}

	res := s.router.HandleBatch(r.Context(), events)
	s.log.Info("webhook processed",
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.Int("events", len(events)),
		zap.Int("accepted", res.Accepted),
		zap.Int("ignored", res.Ignored),
		zap.Duration("took", time.Since(start)))
	metrics.ObserveWebhookRequest(metrics.OutcomeOK, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accepted": res.Accepted, "ignored": res.Ignored})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": ServiceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports whether the queue substrate is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "reason": "queue substrate unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
