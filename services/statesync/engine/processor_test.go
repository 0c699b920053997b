// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/state"
)

func setCount(n *state.Node, delta int) error {
	c, err := state.Value[int](n, "count")
	if err != nil {
		return err
	}
	return n.Set("count", c+delta)
}

// testSchema declares app(count) with one handler per pipeline path.
func testSchema(t *testing.T) *state.Schema {
	t.Helper()

	root := state.NewRoot("app")
	state.Declare(root, "count", 0)

	root.Handle("inc", func(_ context.Context, n *state.Node, _ event.Payload) (any, error) {
		return nil, setCount(n, 1)
	})
	root.Handle("chain", func(_ context.Context, n *state.Node, _ event.Payload) (any, error) {
		return []any{event.Ref("app.inc"), event.Call("app.set_count", event.Payload{"value": 9})}, setCount(n, 1)
	})
	root.Handle("fail", func(_ context.Context, n *state.Node, _ event.Payload) (any, error) {
		if err := n.Set("count", 7); err != nil {
			return nil, err
		}
		return nil, errors.New("boom")
	})
	root.Handle("explode", func(context.Context, *state.Node, event.Payload) (any, error) {
		panic("kaboom")
	})
	root.Handle("bad", func(context.Context, *state.Node, event.Payload) (any, error) {
		return 42, nil
	})
	root.Stream("progress", func(ctx context.Context, n *state.Node, _ event.Payload, y state.Yielder) (any, error) {
		for i := 1; i <= 3; i++ {
			if err := n.Set("count", i); err != nil {
				return nil, err
			}
			if err := y.Yield(ctx, nil); err != nil {
				return nil, err
			}
		}
		return event.Ref("app.inc"), nil
	})
	root.Stream("badyield", func(ctx context.Context, n *state.Node, _ event.Payload, y state.Yielder) (any, error) {
		if err := setCount(n, 1); err != nil {
			return nil, err
		}
		return nil, y.Yield(ctx, "not an event")
	})
	root.Stream("streampanic", func(ctx context.Context, n *state.Node, _ event.Payload, y state.Yielder) (any, error) {
		if err := y.Yield(ctx, nil); err != nil {
			return nil, err
		}
		panic("mid-stream")
	})
	root.Background("bg", func(context.Context, *state.Handle, event.Payload) (any, error) {
		return nil, nil
	})

	s, err := root.Build()
	require.NoError(t, err)
	return s
}

type collector struct {
	mu      sync.Mutex
	updates []event.Update
	failAt  int
}

func (c *collector) emit(u event.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	if c.failAt > 0 && len(c.updates) >= c.failAt {
		return errors.New("connection closed")
	}
	return nil
}

func newEvent(name string) event.Event {
	return event.Event{Token: "tok", Name: name, RouterData: map[string]any{"pathname": "/"}}
}

func alertOnly(t *testing.T, u event.Update) {
	t.Helper()
	require.Len(t, u.Events, 1)
	assert.Equal(t, event.AlertEvent, u.Events[0].Name)
	assert.Equal(t, event.ErrorAlertMessage, u.Events[0].Payload["message"])
	assert.Equal(t, "tok", u.Events[0].Token)
}

func TestProcess_Plain(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}

	require.NoError(t, New().Process(context.Background(), tree, newEvent("app.inc"), c.emit))

	require.Len(t, c.updates, 1)
	u := c.updates[0]
	assert.True(t, u.Final)
	assert.Equal(t, event.Delta{"app": {"count": 1}}, u.Delta)
	assert.Empty(t, u.Events)
	assert.False(t, tree.Dirty())
}

func TestProcess_ChainedEvents(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}

	require.NoError(t, New().Process(context.Background(), tree, newEvent("app.chain"), c.emit))

	require.Len(t, c.updates, 1)
	evs := c.updates[0].Events
	require.Len(t, evs, 2)
	assert.Equal(t, "app.inc", evs[0].Name)
	assert.Equal(t, event.Payload{}, evs[0].Payload)
	assert.Equal(t, "app.set_count", evs[1].Name)
	assert.Equal(t, 9, evs[1].Payload["value"])
	for _, ev := range evs {
		assert.Equal(t, "tok", ev.Token)
		assert.Equal(t, "/", ev.RouterData["pathname"])
	}
}

func TestProcess_SetterWithNilPayload(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}
	ev := event.Event{Token: "tok", Name: "app.set_count", Payload: event.Payload{"value": 4.0}}

	require.NoError(t, New().Process(context.Background(), tree, ev, c.emit))
	assert.Equal(t, event.Delta{"app": {"count": 4}}, c.updates[0].Delta)
}

func TestProcess_HandlerFailures(t *testing.T) {
	tests := []struct {
		name  string
		event string
		delta event.Delta
	}{
		{"error keeps partial state", "app.fail", event.Delta{"app": {"count": 7}}},
		{"panic", "app.explode", event.Delta{}},
		{"invalid result", "app.bad", event.Delta{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			p := New(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
			tree := testSchema(t).NewTree()
			c := &collector{}

			err := p.Process(context.Background(), tree, newEvent(tt.event), c.emit)
			require.NoError(t, err)

			require.Len(t, c.updates, 1)
			u := c.updates[0]
			assert.True(t, u.Final)
			assert.Equal(t, tt.delta, u.Delta)
			alertOnly(t, u)
			assert.Contains(t, logs.String(), "event handler failed")
		})
	}
}

func TestProcess_PanicLogsStack(t *testing.T) {
	var logs bytes.Buffer
	p := New(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	tree := testSchema(t).NewTree()

	require.NoError(t, p.Process(context.Background(), tree, newEvent("app.explode"), (&collector{}).emit))
	assert.Contains(t, logs.String(), "kaboom")
	assert.Contains(t, logs.String(), "stack=")
}

func TestProcess_DispatchErrors(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}
	p := New()

	err := p.Process(context.Background(), tree, newEvent("app.nope"), c.emit)
	assert.ErrorIs(t, err, state.ErrUnknownHandler)

	err = p.Process(context.Background(), tree, newEvent("other.inc"), c.emit)
	assert.ErrorIs(t, err, state.ErrInvalidPath)

	assert.Empty(t, c.updates)
}

func TestProcess_Stream(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}

	require.NoError(t, New().Process(context.Background(), tree, newEvent("app.progress"), c.emit))

	require.Len(t, c.updates, 4)
	for i := 0; i < 3; i++ {
		assert.False(t, c.updates[i].Final, "update %d", i)
		assert.Equal(t, event.Delta{"app": {"count": i + 1}}, c.updates[i].Delta)
	}
	last := c.updates[3]
	assert.True(t, last.Final)
	assert.Equal(t, event.Delta{}, last.Delta)
	require.Len(t, last.Events, 1)
	assert.Equal(t, "app.inc", last.Events[0].Name)
}

func TestProcess_StreamInvalidYield(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}

	require.NoError(t, New().Process(context.Background(), tree, newEvent("app.badyield"), c.emit))

	require.Len(t, c.updates, 1)
	assert.True(t, c.updates[0].Final)
	assert.Equal(t, event.Delta{"app": {"count": 1}}, c.updates[0].Delta)
	alertOnly(t, c.updates[0])
}

func TestProcess_StreamPanic(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}

	require.NoError(t, New().Process(context.Background(), tree, newEvent("app.streampanic"), c.emit))

	require.Len(t, c.updates, 2)
	assert.False(t, c.updates[0].Final)
	assert.True(t, c.updates[1].Final)
	alertOnly(t, c.updates[1])
}

func TestProcess_StreamEmitFailureStopsHandler(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{failAt: 2}

	err := New().Process(context.Background(), tree, newEvent("app.progress"), c.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
	assert.Len(t, c.updates, 2)
}

func TestYield_AfterStreamClosed(t *testing.T) {
	y := &yielder{ch: make(chan yieldMsg), closed: make(chan struct{})}
	close(y.closed)
	assert.ErrorIs(t, y.Yield(context.Background(), nil), ErrStreamClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := &yielder{ch: make(chan yieldMsg), closed: make(chan struct{})}
	assert.ErrorIs(t, open.Yield(ctx, nil), context.Canceled)
}

type spawnRecorder struct {
	calls []string
	err   error
}

func (s *spawnRecorder) Spawn(_ context.Context, n *state.Node, h *state.Handler, ev event.Event) error {
	s.calls = append(s.calls, n.FullName()+"."+h.Name+"@"+ev.Token)
	return s.err
}

func TestProcess_Background(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}
	sp := &spawnRecorder{}

	require.NoError(t, New(WithSpawner(sp)).Process(context.Background(), tree, newEvent("app.bg"), c.emit))

	assert.Equal(t, []string{"app.bg@tok"}, sp.calls)
	require.Len(t, c.updates, 1)
	assert.True(t, c.updates[0].Final)
	assert.True(t, c.updates[0].Empty())
}

func TestProcess_BackgroundWithoutSpawner(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}

	require.NoError(t, New().Process(context.Background(), tree, newEvent("app.bg"), c.emit))
	require.Len(t, c.updates, 1)
	alertOnly(t, c.updates[0])
}

type testMiddleware struct {
	short *event.Update
	pre   []string
	post  int
}

func (m *testMiddleware) Preprocess(_ context.Context, _ *state.Tree, ev event.Event) (*event.Update, error) {
	m.pre = append(m.pre, ev.Name)
	return m.short, nil
}

func (m *testMiddleware) Postprocess(_ context.Context, _ *state.Tree, _ event.Event, u event.Update) (event.Update, error) {
	m.post++
	u.Events = append(u.Events, event.Event{Name: event.ConsoleEvent})
	return u, nil
}

func TestProcess_MiddlewarePostprocessEveryUpdate(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}
	mw := &testMiddleware{}

	require.NoError(t, New(WithMiddleware(mw)).Process(context.Background(), tree, newEvent("app.progress"), c.emit))

	assert.Equal(t, []string{"app.progress"}, mw.pre)
	assert.Equal(t, 4, mw.post)
	for _, u := range c.updates {
		assert.Equal(t, event.ConsoleEvent, u.Events[len(u.Events)-1].Name)
	}
}

func TestProcess_MiddlewareShortCircuit(t *testing.T) {
	tree := testSchema(t).NewTree()
	c := &collector{}
	first := &testMiddleware{short: &event.Update{Delta: event.Delta{"app": {"count": 0}}}}
	second := &testMiddleware{}

	p := New(WithMiddleware(first, second))
	require.NoError(t, p.Process(context.Background(), tree, newEvent("app.inc"), c.emit))

	require.Len(t, c.updates, 1)
	assert.True(t, c.updates[0].Final)
	assert.Equal(t, event.Delta{"app": {"count": 0}}, c.updates[0].Delta)
	assert.Empty(t, second.pre)
	assert.Equal(t, 1, second.post)

	count, err := state.Value[int](tree.Root(), "count")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestProcess_Metrics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	p := New(WithMetrics(m))
	tree := testSchema(t).NewTree()

	require.NoError(t, p.Process(context.Background(), tree, newEvent("app.inc"), (&collector{}).emit))
	require.NoError(t, p.Process(context.Background(), tree, newEvent("app.fail"), (&collector{}).emit))
	require.NoError(t, p.Process(context.Background(), tree, newEvent("app.progress"), (&collector{}).emit))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("plain", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("plain", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("stream", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UpdatesTotal.WithLabelValues("false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UpdatesTotal.WithLabelValues("true")))
}
