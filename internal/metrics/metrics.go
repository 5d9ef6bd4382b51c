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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	webhookRequests   *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	webhookEvents     *prometheus.CounterVec
	jobsProcessed     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	decisions         *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
)

// Webhook request outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeUnauthorized = "unauthorized"
	OutcomeMalformed    = "malformed"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveWebhookRequest records one intake request and its duration.
func ObserveWebhookRequest(outcome string, duration time.Duration) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookRequests != nil {
		webhookRequests.WithLabelValues(label).Inc()
	}
	if webhookDuration != nil {
		webhookDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncWebhookEvent counts one normalized event by effect kind and the
// router's verdict for it (accepted, ignored, replay).
func IncWebhookEvent(effect, verdict string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookEvents != nil {
		webhookEvents.WithLabelValues(sanitizeLabel(effect, "unknown"), sanitizeLabel(verdict, "unknown")).Inc()
	}
}

// ObserveJob records one finished job attempt by queue and result
// (completed, failed, retried, stalled).
func ObserveJob(queue, result string, duration time.Duration) {
	q := sanitizeLabel(queue, "unknown")
	r := sanitizeLabel(result, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsProcessed != nil {
		jobsProcessed.WithLabelValues(q, r).Inc()
	}
	if jobDuration != nil && duration > 0 {
		jobDuration.WithLabelValues(q).Observe(durationSeconds(duration))
	}
}

// SetQueueDepth publishes the current size of one queue state set.
func SetQueueDepth(queue, state string, n int64) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(sanitizeLabel(queue, "unknown"), sanitizeLabel(state, "unknown")).Set(float64(n))
	}
}

// IncDecision counts one processor decision (noop, escalate, remind,
// auto-finalize, review).
func IncDecision(processor, action string) {
	mu.RLock()
	defer mu.RUnlock()
	if decisions != nil {
		decisions.WithLabelValues(sanitizeLabel(processor, "unknown"), sanitizeLabel(action, "unknown")).Inc()
	}
}

// IncNotification counts one outbound notification by kind and driver.
func IncNotification(kind, driver string) {
	mu.RLock()
	defer mu.RUnlock()
	if notificationsSent != nil {
		notificationsSent.WithLabelValues(sanitizeLabel(kind, "unknown"), sanitizeLabel(driver, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook intake requests grouped by outcome.",
	}, []string{"outcome"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "webhook",
		Name:      "request_duration_seconds",
		Help:      "Duration of webhook intake requests by outcome.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Normalized webhook events grouped by effect kind and verdict.",
	}, []string{"effect", "verdict"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Finished job attempts grouped by queue and result.",
	}, []string{"queue", "result"})

	jobDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Handler duration of completed job attempts by queue.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"queue"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keeper",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of jobs per queue and state.",
	}, []string{"queue", "state"})

	dec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "processor",
		Name:      "decisions_total",
		Help:      "Processor decisions grouped by processor and action.",
	}, []string{"processor", "action"})

	notif := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Outbound notifications grouped by kind and driver.",
	}, []string{"kind", "driver"})

	registry.MustRegister(reqTotal, reqDuration, events, jobs, jobDur, depth, dec, notif)

	reg = registry
	webhookRequests = reqTotal
	webhookDuration = reqDuration
	webhookEvents = events
	jobsProcessed = jobs
	jobDuration = jobDur
	queueDepth = depth
	decisions = dec
	notificationsSent = notif
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.' || r == ':':
		default:
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
