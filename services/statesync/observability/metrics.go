// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the state sync
// service.
//
// # Description
//
// Metrics cover:
//   - Events processed (by handler kind and outcome) and their latency
//   - Updates pushed to clients (intermediate and final)
//   - Rejected events (unknown handler, invalid path, rate limited)
//   - Live sockets, sessions, background tasks
//   - Idle session evictions and uploads
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "statesync"

// Metrics holds all Prometheus metrics of the service.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
type Metrics struct {
	// EventsTotal counts processed events.
	// Labels: kind (plain, stream, background, middleware), status (success, error)
	EventsTotal *prometheus.CounterVec

	// EventDurationSeconds measures time from dispatch to the final update.
	// Labels: kind
	EventDurationSeconds *prometheus.HistogramVec

	// UpdatesTotal counts updates pushed to clients.
	// Labels: final (true, false)
	UpdatesTotal *prometheus.CounterVec

	// RejectedEventsTotal counts events refused before a handler ran.
	// Labels: reason (unknown_handler, invalid_path, rate_limited, decode)
	RejectedEventsTotal *prometheus.CounterVec

	// ActiveConnections tracks open event sockets.
	ActiveConnections prometheus.Gauge

	// ActiveSessions tracks sessions held by the in-memory manager.
	ActiveSessions prometheus.Gauge

	// BackgroundTasks tracks running background handlers.
	BackgroundTasks prometheus.Gauge

	// EvictionsTotal counts idle sessions removed.
	EvictionsTotal prometheus.Counter

	// UploadsTotal counts uploaded files.
	// Labels: status (success, error)
	UploadsTotal *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg. Tests pass an isolated
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Total events processed by handler kind and status",
			},
			[]string{"kind", "status"},
		),

		EventDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "event_duration_seconds",
				Help:      "Time from dispatch to final update in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"kind"},
		),

		UpdatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "updates_total",
				Help:      "Total state updates pushed to clients",
			},
			[]string{"final"},
		),

		RejectedEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rejected_events_total",
				Help:      "Total events refused before a handler ran",
			},
			[]string{"reason"},
		),

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of open event sockets",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of sessions held in memory",
		}),

		BackgroundTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "background_tasks",
			Help:      "Number of running background handlers",
		}),

		EvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Total idle sessions evicted",
		}),

		UploadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploads_total",
				Help:      "Total uploaded files by status",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Rejection reasons
// =============================================================================

// Reason labels a rejected event.
type Reason string

const (
	ReasonUnknownHandler Reason = "unknown_handler"
	ReasonInvalidPath    Reason = "invalid_path"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonDecode         Reason = "decode"
)

// =============================================================================
// Helper Methods
// =============================================================================

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// ObserveEvent records a processed event.
func (m *Metrics) ObserveEvent(kind string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, status(ok)).Inc()
	m.EventDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveUpdate records an update pushed to a client.
func (m *Metrics) ObserveUpdate(final bool) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.UpdatesTotal.WithLabelValues(label).Inc()
}

// RecordRejected records an event refused before dispatch.
func (m *Metrics) RecordRejected(reason Reason) {
	if m == nil {
		return
	}
	m.RejectedEventsTotal.WithLabelValues(string(reason)).Inc()
}

// ConnectionOpened increments the open socket gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

// ConnectionClosed decrements the open socket gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

// SetSessions sets the number of in-memory sessions.
func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

// TaskStarted increments the background task gauge.
func (m *Metrics) TaskStarted() {
	if m != nil {
		m.BackgroundTasks.Inc()
	}
}

// TaskEnded decrements the background task gauge.
func (m *Metrics) TaskEnded() {
	if m != nil {
		m.BackgroundTasks.Dec()
	}
}

// RecordEvictions adds n evicted sessions.
func (m *Metrics) RecordEvictions(n int) {
	if m != nil && n > 0 {
		m.EvictionsTotal.Add(float64(n))
	}
}

// RecordUpload records one uploaded file.
func (m *Metrics) RecordUpload(ok bool) {
	if m != nil {
		m.UploadsTotal.WithLabelValues(status(ok)).Inc()
	}
}
