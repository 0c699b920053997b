// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/state"
)

// session is one token's tree and lock.
type session struct {
	lock     *semaphore.Weighted
	tree     *state.Tree
	lastUsed time.Time
	evicted  bool
}

// Memory keeps live trees in process.
//
// # Description
//
// Each token gets a weighted semaphore of size one, created lazily under a
// guard mutex with a double check. Modify runs fn on a working copy and
// keeps it only when fn succeeds, so a failing fn leaves the stored tree as
// it was, the same as Distributed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Memory struct {
	schema  *state.Schema
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

var (
	_ Manager        = (*Memory)(nil)
	_ state.Modifier = (*Memory)(nil)
)

// MemoryOption configures a Memory manager.
type MemoryOption func(*Memory)

// WithMemoryMetrics reports the session count and evictions.
func WithMemoryMetrics(m *observability.Metrics) MemoryOption {
	return func(mm *Memory) { mm.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(mm *Memory) { mm.now = now }
}

// NewMemory creates an in-process manager for trees of schema.
func NewMemory(schema *state.Schema, opts ...MemoryOption) *Memory {
	m := &Memory{
		schema:   schema,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// session returns the token's session, creating it if needed.
func (m *Memory) session(token string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[token]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok = m.sessions[token]; ok {
		return s, nil
	}
	s = &session{lock: semaphore.NewWeighted(1), lastUsed: m.now()}
	m.sessions[token] = s
	m.metrics.SetSessions(len(m.sessions))
	return s, nil
}

// acquire locks the token's session. A session evicted between lookup and
// acquisition is replaced by a fresh one.
func (m *Memory) acquire(ctx context.Context, token string) (*session, error) {
	for {
		s, err := m.session(token)
		if err != nil {
			return nil, err
		}
		if err := s.lock.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		if !s.evicted {
			return s, nil
		}
		s.lock.Release(1)
	}
}

func (m *Memory) release(s *session) {
	s.lastUsed = m.now()
	s.lock.Release(1)
}

func (s *session) ensureTree(schema *state.Schema) *state.Tree {
	if s.tree == nil {
		s.tree = schema.NewTree()
	}
	return s.tree
}

// Get returns a clone of the token's tree.
func (m *Memory) Get(ctx context.Context, token string) (*state.Tree, error) {
	s, err := m.acquire(ctx, token)
	if err != nil {
		return nil, err
	}
	defer m.release(s)
	return s.ensureTree(m.schema).Clone(), nil
}

// Set replaces the token's tree with tree.
func (m *Memory) Set(ctx context.Context, token string, tree *state.Tree) error {
	s, err := m.acquire(ctx, token)
	if err != nil {
		return err
	}
	defer m.release(s)
	s.tree = tree
	return nil
}

// Modify runs fn on a copy of the token's tree while holding its lock and
// stores the copy when fn returns nil.
func (m *Memory) Modify(ctx context.Context, token string, fn func(*state.Tree) error) error {
	s, err := m.acquire(ctx, token)
	if err != nil {
		return err
	}
	defer m.release(s)

	work := s.ensureTree(m.schema).Clone()
	if err := fn(work); err != nil {
		return err
	}
	s.tree = work
	return nil
}

// Len returns the number of sessions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EvictIdle removes sessions unused for longer than idle. Sessions that are
// locked are kept.
func (m *Memory) EvictIdle(_ context.Context, idle time.Duration) (int, error) {
	cutoff := m.now().Add(-idle)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	evicted := 0
	for token, s := range m.sessions {
		if !s.lock.TryAcquire(1) {
			continue
		}
		if s.lastUsed.Before(cutoff) {
			s.evicted = true
			delete(m.sessions, token)
			evicted++
		}
		s.lock.Release(1)
	}
	m.metrics.RecordEvictions(evicted)
	m.metrics.SetSessions(len(m.sessions))
	return evicted, nil
}

// Close drops every session. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.sessions)
	m.metrics.SetSessions(0)
	return nil
}
