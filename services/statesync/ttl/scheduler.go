// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl evicts idle client sessions on a fixed interval.
package ttl

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// Evictor drops sessions idle for longer than idle and reports how many.
// manager.Memory implements it.
type Evictor interface {
	EvictIdle(ctx context.Context, idle time.Duration) (int, error)
}

// =============================================================================
// Scheduler
// =============================================================================

// SchedulerConfig holds the eviction cadence.
//
// # Fields
//
//   - Interval: How often to run an eviction cycle. Default: 1 minute.
//   - IdleTTL: How long a session may go unused. Default: 1 hour.
type SchedulerConfig struct {
	Interval time.Duration
	IdleTTL  time.Duration
}

// DefaultSchedulerConfig returns the default cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Minute,
		IdleTTL:  time.Hour,
	}
}

// CycleResult summarizes one eviction cycle.
type CycleResult struct {
	StartTime time.Time
	EndTime   time.Time
	Evicted   int
}

// Duration returns how long the cycle took.
func (r CycleResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Scheduler runs Evictor.EvictIdle on a ticker.
//
// # Description
//
// Start launches a goroutine that runs one cycle immediately and then one per
// Interval, until Stop is called or the context passed to Start is done.
// Errors are logged and do not stop the scheduler.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	evictor Evictor
	config  SchedulerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// NewScheduler creates a stopped scheduler. Zero config fields take the
// defaults.
func NewScheduler(evictor Evictor, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{evictor: evictor, config: config, logger: logger}
}

// Start begins evicting in the background.
//
// # Outputs
//
//   - error: ErrAlreadyRunning if Start was called without a matching Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.exited = make(chan struct{})

	s.logger.Info("session eviction scheduler starting",
		"interval", s.config.Interval.String(),
		"idle_ttl", s.config.IdleTTL.String(),
	)
	go s.runLoop(ctx, s.done, s.exited)
	return nil
}

// Stop halts the scheduler and waits for the current cycle to finish. Safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	exited := s.exited
	s.mu.Unlock()

	<-exited
	s.logger.Info("session eviction scheduler stopped")
}

// RunNow runs one eviction cycle synchronously.
func (s *Scheduler) RunNow(ctx context.Context) (CycleResult, error) {
	res := CycleResult{StartTime: time.Now()}
	n, err := s.evictor.EvictIdle(ctx, s.config.IdleTTL)
	res.EndTime = time.Now()
	res.Evicted = n
	return res, err
}

func (s *Scheduler) runLoop(ctx context.Context, done, exited chan struct{}) {
	defer close(exited)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	res, err := s.RunNow(ctx)
	if err != nil {
		s.logger.Error("session eviction cycle failed", "error", err)
		return
	}
	if res.Evicted > 0 {
		s.logger.Info("evicted idle sessions", "count", res.Evicted, "duration_ms", res.Duration().Milliseconds())
	} else {
		s.logger.Debug("session eviction cycle completed (nothing idle)")
	}
}
