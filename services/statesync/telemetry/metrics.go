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
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LockMetrics holds the OTel instruments of the distributed session lock.
//
// All metrics use the "statesync_" prefix.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type LockMetrics struct {
	// LockWaitDuration records time spent acquiring a session lock, in seconds.
	LockWaitDuration metric.Float64Histogram

	// LockAcquisitionsTotal counts lock attempts by outcome
	// (acquired, canceled, error).
	LockAcquisitionsTotal metric.Int64Counter

	// LockExpiredTotal counts writes refused because the lease ran out.
	LockExpiredTotal metric.Int64Counter

	// StoreOpDuration records store round-trips by operation, in seconds.
	StoreOpDuration metric.Float64Histogram
}

// NewLockMetrics registers the lock instruments with meter.
func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	m := &LockMetrics{}
	var err error

	m.LockWaitDuration, err = meter.Float64Histogram(
		"statesync_lock_wait_duration_seconds",
		metric.WithDescription("Time spent acquiring a session lock"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create lock_wait_duration: %w", err)
	}

	m.LockAcquisitionsTotal, err = meter.Int64Counter(
		"statesync_lock_acquisitions_total",
		metric.WithDescription("Session lock attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lock_acquisitions_total: %w", err)
	}

	m.LockExpiredTotal, err = meter.Int64Counter(
		"statesync_lock_expired_total",
		metric.WithDescription("Writes refused because the session lock expired"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lock_expired_total: %w", err)
	}

	m.StoreOpDuration, err = meter.Float64Histogram(
		"statesync_store_op_duration_seconds",
		metric.WithDescription("State store round-trip duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_op_duration: %w", err)
	}

	return m, nil
}

// DefaultLockMetrics registers the lock instruments with the global meter
// provider. It falls back to nil (no recording) if registration fails.
func DefaultLockMetrics() *LockMetrics {
	m, err := NewLockMetrics(otel.Meter("statesync.manager"))
	if err != nil {
		return nil
	}
	return m
}

// RecordLockWait records one lock attempt.
func (m *LockMetrics) RecordLockWait(ctx context.Context, store, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("outcome", outcome),
	)
	m.LockWaitDuration.Record(ctx, d.Seconds(), attrs)
	m.LockAcquisitionsTotal.Add(ctx, 1, attrs)
}

// RecordLockExpired counts a write refused under an expired lease.
func (m *LockMetrics) RecordLockExpired(ctx context.Context, store string) {
	if m == nil {
		return
	}
	m.LockExpiredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("store", store)))
}

// RecordStoreOp records one store round-trip.
func (m *LockMetrics) RecordStoreOp(ctx context.Context, store, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreOpDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("op", op),
	))
}
