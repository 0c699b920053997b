// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, tp
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("STATESYNC_ENV", "staging")

	cfg := DefaultConfig()
	if cfg.ServiceName != "statesync" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want none", cfg.TraceExporter)
	}
	if cfg.Environment != "staging" {
		t.Errorf("Environment = %q, want staging", cfg.Environment)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_NoExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_Stdout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	_, span := StartSpan(context.Background(), "test", "op")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Error("expected a valid span context")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"

	_, err := Init(context.Background(), cfg)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("error = %v, want %v", err, ErrUnknownExporter)
	}

	cfg.TraceExporter = "none"
	cfg.MetricExporter = "graphite"
	_, err = Init(context.Background(), cfg)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("error = %v, want %v", err, ErrUnknownExporter)
	}
}

func TestRecordError(t *testing.T) {
	rec, tp := newRecorder(t)
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"), AttrEvent.String("app.x"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("events = %d, want 1", len(ended[0].Events()))
	}

	// nil inputs are no-ops.
	RecordError(nil, errors.New("x"))
	RecordError(span, nil)
}

func TestSetSpanOK_AddSpanEvent(t *testing.T) {
	rec, tp := newRecorder(t)
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	AddSpanEvent(span, "yield", AttrEvent.String("app.x"))
	SetSpanOK(span)
	span.End()

	s := rec.Ended()[0]
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
	if len(s.Events()) != 1 || s.Events()[0].Name != "yield" {
		t.Errorf("events = %+v", s.Events())
	}
	SetSpanOK(nil)
	AddSpanEvent(nil, "x")
}

func TestTraceIDAndLogger(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID without span = %q", got)
	}

	_, tp := newRecorder(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	id := TraceID(ctx)
	if len(id) != 32 {
		t.Errorf("TraceID = %q, want 32 hex chars", id)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	LoggerWithTrace(ctx, logger).Info("hello")
	if !strings.Contains(buf.String(), "trace_id="+id) {
		t.Errorf("log line missing trace id: %s", buf.String())
	}

	buf.Reset()
	LoggerWithTrace(context.Background(), logger).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace id: %s", buf.String())
	}
}

func TestLockMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewLockMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewLockMetrics() error = %v", err)
	}

	ctx := context.Background()
	m.RecordLockWait(ctx, "redis", "acquired", 5*time.Millisecond)
	m.RecordLockWait(ctx, "redis", "acquired", 7*time.Millisecond)
	m.RecordLockExpired(ctx, "badger")
	m.RecordStoreOp(ctx, "badger", "get", time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			if md.Name == "statesync_lock_acquisitions_total" {
				sum := md.Data.(metricdata.Sum[int64])
				if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
					t.Errorf("acquisitions = %+v, want one point of 2", sum.DataPoints)
				}
			}
		}
	}
	for _, name := range []string{
		"statesync_lock_wait_duration_seconds",
		"statesync_lock_acquisitions_total",
		"statesync_lock_expired_total",
		"statesync_store_op_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not collected", name)
		}
	}

	var nilMetrics *LockMetrics
	nilMetrics.RecordLockWait(ctx, "x", "y", 0)
	nilMetrics.RecordLockExpired(ctx, "x")
	nilMetrics.RecordStoreOp(ctx, "x", "y", 0)
}
