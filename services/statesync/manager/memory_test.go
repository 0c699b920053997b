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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/state"
)

func testSchema(t *testing.T) *state.Schema {
	t.Helper()
	root := state.NewRoot("app")
	state.Declare(root, "count", 0)
	state.Declare(root, "_owner", "")
	s, err := root.Build()
	require.NoError(t, err)
	return s
}

func increment(t *state.Tree) error {
	c, err := state.Value[int](t.Root(), "count")
	if err != nil {
		return err
	}
	return t.Root().Set("count", c+1)
}

func count(t *testing.T, m Manager, token string) int {
	t.Helper()
	tree, err := m.Get(context.Background(), token)
	require.NoError(t, err)
	c, err := state.Value[int](tree.Root(), "count")
	require.NoError(t, err)
	return c
}

func TestMemory_GetModify(t *testing.T) {
	m := NewMemory(testSchema(t))
	ctx := context.Background()

	assert.Equal(t, 0, count(t, m, "a"))
	require.NoError(t, m.Modify(ctx, "a", increment))
	assert.Equal(t, 1, count(t, m, "a"))
	assert.Equal(t, 0, count(t, m, "b"))

	// Get returns a detached copy.
	tree, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, tree.Root().Set("count", 100))
	assert.Equal(t, 1, count(t, m, "a"))

	require.NoError(t, m.Set(ctx, "a", tree))
	assert.Equal(t, 100, count(t, m, "a"))
}

func TestMemory_ModifyError(t *testing.T) {
	m := NewMemory(testSchema(t))
	boom := errors.New("boom")
	require.NoError(t, m.Modify(context.Background(), "a", increment))

	err := m.Modify(context.Background(), "a", func(tr *state.Tree) error {
		require.NoError(t, tr.Root().Set("count", 50))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count(t, m, "a"), "a failed Modify must not keep its changes")
}

func TestMemory_MutualExclusion(t *testing.T) {
	m := NewMemory(testSchema(t))
	const n = 64

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Modify(context.Background(), "tok", func(tr *state.Tree) error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()

				err := increment(tr)

				mu.Lock()
				inside--
				mu.Unlock()
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, count(t, m, "tok"))
	assert.Equal(t, 1, maxSeen)
}

func TestMemory_ContextCanceledWhileWaiting(t *testing.T) {
	m := NewMemory(testSchema(t))
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.Modify(context.Background(), "tok", func(*state.Tree) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Modify(ctx, "tok", increment)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other tokens are not blocked.
	require.NoError(t, m.Modify(context.Background(), "other", increment))
	close(release)
}

func TestMemory_EvictIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	m := NewMemory(testSchema(t), WithClock(func() time.Time { return now }), WithMemoryMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, m.Modify(ctx, "old", increment))
	now = now.Add(10 * time.Minute)
	require.NoError(t, m.Modify(ctx, "fresh", increment))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ActiveSessions))

	// A locked session survives even when idle.
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Modify(ctx, "busy", func(*state.Tree) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	now = now.Add(time.Minute)
	evicted, err := m.EvictIdle(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EvictionsTotal))

	close(release)
	<-done

	// The evicted token starts over.
	assert.Equal(t, 0, count(t, m, "old"))
	assert.Equal(t, 1, count(t, m, "fresh"))
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory(testSchema(t))
	require.NoError(t, m.Modify(context.Background(), "a", increment))
	require.NoError(t, m.Close())

	_, err := m.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.EvictIdle(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
