// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestObserveEvent(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveEvent("plain", true, 10*time.Millisecond)
	m.ObserveEvent("plain", true, 20*time.Millisecond)
	m.ObserveEvent("stream", false, time.Second)

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("plain", "success")); got != 2 {
		t.Errorf("plain/success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("stream", "error")); got != 1 {
		t.Errorf("stream/error = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.EventDurationSeconds); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestObserveUpdate(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveUpdate(false)
	m.ObserveUpdate(false)
	m.ObserveUpdate(true)

	if got := testutil.ToFloat64(m.UpdatesTotal.WithLabelValues("false")); got != 2 {
		t.Errorf("intermediate updates = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UpdatesTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("final updates = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}

	m.TaskStarted()
	m.TaskEnded()
	if got := testutil.ToFloat64(m.BackgroundTasks); got != 0 {
		t.Errorf("tasks = %v, want 0", got)
	}

	m.SetSessions(5)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 5 {
		t.Errorf("sessions = %v, want 5", got)
	}
}

func TestCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRejected(ReasonUnknownHandler)
	m.RecordRejected(ReasonRateLimited)
	m.RecordRejected(ReasonRateLimited)
	m.RecordEvictions(3)
	m.RecordEvictions(0)
	m.RecordUpload(true)

	if got := testutil.ToFloat64(m.RejectedEventsTotal.WithLabelValues("rate_limited")); got != 2 {
		t.Errorf("rate_limited = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EvictionsTotal); got != 3 {
		t.Errorf("evictions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.UploadsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("uploads = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.ObserveEvent("plain", true, time.Millisecond)
	m.ObserveUpdate(true)
	m.RecordRejected(ReasonDecode)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetSessions(1)
	m.TaskStarted()
	m.TaskEnded()
	m.RecordEvictions(1)
	m.RecordUpload(false)
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetrics(reg)
}
