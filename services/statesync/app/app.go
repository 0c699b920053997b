// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app ties a schema, a state manager and the event pipeline
// together and runs background tasks.
//
// # Description
//
// App.Process is the entry point for client events: it locks the client's
// tree through the manager, runs the event and streams updates back. Events
// naming no handler are answered with a rejection update. Background
// handlers run on their own goroutines with a state.Handle and push their
// updates through the Hub.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statesync/services/statesync/engine"
	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/manager"
	"github.com/AleutianAI/statesync/services/statesync/middleware"
	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/state"
	"github.com/AleutianAI/statesync/services/statesync/telemetry"
)

var (
	// ErrNotUploadHandler indicates an upload named a handler that was not
	// declared with Decl.Upload.
	ErrNotUploadHandler = errors.New("handler does not accept uploads")

	// ErrClosed indicates the App is shutting down.
	ErrClosed = errors.New("app closed")
)

// App runs events for every client of one schema.
//
// # Thread Safety
//
// Safe for concurrent use. Events of one token are serialized by the
// manager.
type App struct {
	schema    *state.Schema
	manager   manager.Manager
	processor *engine.Processor
	hub       *Hub
	logger    *slog.Logger
	metrics   *observability.Metrics

	middleware []engine.Middleware
	onLoad     map[string][]event.Spec

	baseCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures an App.
type Option func(*App)

// WithManager sets the state manager. The default is manager.NewMemory.
func WithManager(m manager.Manager) Option {
	return func(a *App) { a.manager = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetrics records engine and task metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMiddleware adds middleware after the built-in router and hydrate
// middleware.
func WithMiddleware(mw ...engine.Middleware) Option {
	return func(a *App) { a.middleware = append(a.middleware, mw...) }
}

// WithOnLoad sets the events run after hydrating each page path.
func WithOnLoad(onLoad map[string][]event.Spec) Option {
	return func(a *App) { a.onLoad = onLoad }
}

// WithHub shares a hub between apps. The default is a private hub.
func WithHub(h *Hub) Option {
	return func(a *App) { a.hub = h }
}

// New creates an App for schema.
func New(schema *state.Schema, opts ...Option) *App {
	a := &App{schema: schema, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.manager == nil {
		a.manager = manager.NewMemory(schema, manager.WithMemoryMetrics(a.metrics))
	}
	if a.hub == nil {
		a.hub = NewHub()
	}
	a.baseCtx, a.cancel = context.WithCancel(context.Background())

	mws := append([]engine.Middleware{
		middleware.Router(),
		&middleware.Hydrate{OnLoad: a.onLoad, Logger: a.logger},
	}, a.middleware...)
	a.processor = engine.New(
		engine.WithLogger(a.logger),
		engine.WithMiddleware(mws...),
		engine.WithSpawner(a),
		engine.WithMetrics(a.metrics),
	)
	return a
}

// Schema returns the app's schema.
func (a *App) Schema() *state.Schema { return a.schema }

// Manager returns the app's state manager.
func (a *App) Manager() manager.Manager { return a.manager }

// Hub returns the connection hub.
func (a *App) Hub() *Hub { return a.hub }

// isDispatchError reports whether err means the event named no handler.
func isDispatchError(err error) bool {
	return errors.Is(err, state.ErrInvalidPath) || errors.Is(err, state.ErrUnknownHandler)
}

// Process runs ev against the client's tree and emits every update.
//
// # Outputs
//
//   - error: *state.InvalidPathError or *state.UnknownHandlerError after a
//     rejection update was emitted; *manager.LockExpiredError when the
//     tree could not be persisted; the error of emit; ctx errors while
//     waiting for the session lock. Handler failures are reported to the
//     client and return nil.
func (a *App) Process(ctx context.Context, ev event.Event, emit engine.Emit) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerApp, "App.Process", trace.WithAttributes(
		telemetry.AttrToken.String(ev.Token),
		telemetry.AttrEvent.String(ev.Name),
	))
	defer span.End()

	err := a.manager.Modify(ctx, ev.Token, func(t *state.Tree) error {
		return a.processor.Process(ctx, t, ev, emit)
	})
	if err == nil {
		return nil
	}
	telemetry.RecordError(span, err)

	if isDispatchError(err) {
		a.logger.Warn("rejected event", "token", ev.Token, "event", ev.Name, "error", err)
		reason := observability.ReasonUnknownHandler
		if errors.Is(err, state.ErrInvalidPath) {
			reason = observability.ReasonInvalidPath
		}
		a.metrics.RecordRejected(reason)
		if eerr := emit(rejection(ev)); eerr != nil {
			return eerr
		}
	}
	return err
}

// rejection is the final update answering an event that cannot be run.
func rejection(ev event.Event) event.Update {
	return event.Update{
		Delta:  event.Delta{},
		Events: event.Fix([]event.Spec{event.WindowAlert(event.ErrorAlertMessage)}, ev.Token, ev.RouterData),
		Final:  true,
	}
}

// Upload delivers files to the upload handler named handler.
func (a *App) Upload(ctx context.Context, token, handler string, files []event.File, routerData map[string]any, emit engine.Emit) error {
	h, err := a.schema.Handler(handler)
	if err != nil {
		return err
	}
	if !h.IsUpload() {
		return fmt.Errorf("%s: %w", handler, ErrNotUploadHandler)
	}

	ev := event.Event{
		Token:      token,
		Name:       handler,
		RouterData: routerData,
		Payload:    event.Payload{h.UploadParam: files},
	}
	return a.Process(ctx, ev, emit)
}

// Modify runs fn with exclusive access to the client's tree and pushes the
// resulting delta to the client's connection, if any.
func (a *App) Modify(ctx context.Context, token string, fn func(*state.Tree) error) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerApp, "App.Modify",
		trace.WithAttributes(telemetry.AttrToken.String(token)))
	defer span.End()

	err := a.manager.Modify(ctx, token, func(t *state.Tree) error {
		t.Clean()
		if err := fn(t); err != nil {
			return err
		}
		delta, err := t.TakeDelta()
		if err != nil {
			return err
		}
		if len(delta) > 0 {
			a.push(token, event.Update{Delta: delta, Final: true})
		}
		return nil
	})
	telemetry.RecordError(span, err)
	return err
}

// push sends u to the token's connection. A client that is not connected
// picks the state up on its next hydrate.
func (a *App) push(token string, u event.Update) {
	err := a.hub.Send(token, u)
	switch {
	case err == nil:
		a.metrics.ObserveUpdate(u.Final)
	case errors.Is(err, ErrNoConnection):
		a.logger.Debug("dropping update for disconnected client", "token", token)
	default:
		a.logger.Warn("failed to push update", "token", token, "error", err)
	}
}

// Wait blocks until every background task has finished.
func (a *App) Wait() {
	a.tasks.Wait()
}

// Close cancels background tasks, waits for them until ctx is done and
// closes the manager.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	done := make(chan struct{})
	go func() {
		a.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("background tasks still running at shutdown", "error", ctx.Err())
	}
	return a.manager.Close()
}

// =============================================================================
// Background tasks
// =============================================================================

var _ engine.Spawner = (*App)(nil)

// taskModifier is the state.Modifier of a background task's Handle.
type taskModifier struct {
	app *App
}

// Modify implements state.Modifier.
func (m taskModifier) Modify(ctx context.Context, token string, fn func(*state.Tree) error) error {
	return m.app.Modify(ctx, token, fn)
}

// Spawn starts h on its own goroutine. The task outlives the triggering
// event and is canceled only by Close.
func (a *App) Spawn(ctx context.Context, n *state.Node, h *state.Handler, ev event.Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.tasks.Add(1)
	a.mu.Unlock()

	handle := state.NewHandle(n, ev.Token, taskModifier{app: a})
	// Keep the trace of the triggering event, drop its cancellation.
	tctx := trace.ContextWithSpanContext(a.baseCtx, trace.SpanContextFromContext(ctx))
	args := ev.Payload
	if args == nil {
		args = event.Payload{}
	}

	a.metrics.TaskStarted()
	go func() {
		defer a.tasks.Done()
		defer a.metrics.TaskEnded()
		a.runTask(tctx, handle, h, ev, args)
	}()
	return nil
}

func (a *App) runTask(ctx context.Context, handle *state.Handle, h *state.Handler, ev event.Event, args event.Payload) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerApp, "App.backgroundTask", trace.WithAttributes(
		telemetry.AttrToken.String(ev.Token),
		telemetry.AttrEvent.String(ev.Name),
		telemetry.AttrKind.String(state.KindBackground.String()),
	))
	defer span.End()

	start := time.Now()
	result, err := callBackground(ctx, h, handle, args)
	if err == nil {
		var specs []event.Spec
		if specs, err = event.Normalize(ev.Name, result); err == nil {
			a.metrics.ObserveEvent(state.KindBackground.String(), true, time.Since(start))
			telemetry.SetSpanOK(span)
			if len(specs) > 0 {
				a.push(ev.Token, event.Update{
					Delta:  event.Delta{},
					Events: event.Fix(specs, ev.Token, ev.RouterData),
					Final:  true,
				})
			}
			return
		}
	}

	attrs := []any{"token", ev.Token, "event", ev.Name, "error", err}
	var pe *engine.PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	telemetry.LoggerWithTrace(ctx, a.logger).Error("background task failed", attrs...)
	telemetry.RecordError(span, err)
	a.metrics.ObserveEvent(state.KindBackground.String(), false, time.Since(start))
	a.push(ev.Token, rejection(ev))
}

func callBackground(ctx context.Context, h *state.Handler, handle *state.Handle, args event.Payload) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &engine.PanicError{Handler: h.Name, Value: v, Stack: debug.Stack()}
		}
	}()
	return h.Background(ctx, handle, args)
}
