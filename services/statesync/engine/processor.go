// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs one client event against a state tree and turns the
// result into updates.
//
// # Lifecycle
//
//	Idle -> Dispatched -> Executing -> (Yielding)* -> Finalizing -> Idle
//
// The tree is cleaned, middleware preprocesses the event, the handler is
// resolved and run, and every resulting update passes through middleware
// postprocessing before it reaches the caller's emit function. The last
// update of an event always has Final set.
//
// # Failures
//
// Handler errors, panics and invalid handler results never escape Process.
// They are logged and reported to the client as a final update carrying a
// window alert. Process only returns an error when the event cannot be
// dispatched (unknown handler or path) or when emit fails.
//
// # Thread Safety
//
// A Processor is safe for concurrent use. The tree passed to Process must be
// held exclusively by the caller for the duration of the call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/state"
	"github.com/AleutianAI/statesync/services/statesync/telemetry"
)

var (
	// ErrHandlerPanic indicates a handler panicked.
	ErrHandlerPanic = errors.New("event handler panicked")

	// ErrNoSpawner indicates a background handler was dispatched by a
	// processor that cannot run background tasks.
	ErrNoSpawner = errors.New("no background task runner configured")

	// ErrStreamClosed is returned by Yield after the streaming handler's
	// event has been finalized.
	ErrStreamClosed = errors.New("stream already finalized")
)

// PanicError carries a recovered handler panic and its stack.
type PanicError struct {
	Handler string
	Value   any
	Stack   []byte
}

// Error returns a human-readable error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Handler, e.Value)
}

// Unwrap returns ErrHandlerPanic for errors.Is support.
func (e *PanicError) Unwrap() error {
	return ErrHandlerPanic
}

func newPanicError(handler string, v any) *PanicError {
	return &PanicError{Handler: handler, Value: v, Stack: debug.Stack()}
}

// Emit delivers one update to the client.
type Emit func(event.Update) error

// Middleware hooks into event processing.
type Middleware interface {
	// Preprocess runs before the handler is resolved. A non-nil update
	// short-circuits the event and is sent as its final update.
	Preprocess(ctx context.Context, t *state.Tree, ev event.Event) (*event.Update, error)

	// Postprocess may rewrite every update of the event before it is sent.
	Postprocess(ctx context.Context, t *state.Tree, ev event.Event, u event.Update) (event.Update, error)
}

// Spawner starts background handlers. The App implements it.
type Spawner interface {
	Spawn(ctx context.Context, n *state.Node, h *state.Handler, ev event.Event) error
}

// Processor runs events. Build one with New.
type Processor struct {
	logger     *slog.Logger
	middleware []Middleware
	spawner    Spawner
	metrics    *observability.Metrics
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMiddleware appends middleware, run in the given order.
func WithMiddleware(mw ...Middleware) Option {
	return func(p *Processor) { p.middleware = append(p.middleware, mw...) }
}

// WithSpawner sets the runner for background handlers.
func WithSpawner(s Spawner) Option {
	return func(p *Processor) { p.spawner = s }
}

// WithMetrics records event and update metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a Processor.
func New(opts ...Option) *Processor {
	p := &Processor{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run is the state of one Process call.
type run struct {
	p     *Processor
	tree  *state.Tree
	ev    event.Event
	emit  Emit
	span  trace.Span
	kind  string
	start time.Time
}

// Process runs ev against tree and calls emit for every update.
//
// # Outputs
//
//   - error: *state.InvalidPathError or *state.UnknownHandlerError when the
//     event names no handler; the error of emit when delivery fails; nil
//     otherwise, including when the handler failed.
func (p *Processor) Process(ctx context.Context, tree *state.Tree, ev event.Event, emit Emit) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEngine, "Processor.Process",
		trace.WithAttributes(telemetry.AttrEvent.String(ev.Name)))
	defer span.End()

	r := &run{p: p, tree: tree, ev: ev, emit: emit, span: span, kind: "middleware", start: time.Now()}
	tree.Clean()

	for _, mw := range p.middleware {
		u, err := mw.Preprocess(ctx, tree, ev)
		if err != nil {
			return r.fail(ctx, err)
		}
		if u != nil {
			u.Final = true
			return r.send(ctx, *u, true)
		}
	}

	n, h, err := tree.Handler(ev.Name)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	r.kind = h.Kind.String()
	span.SetAttributes(telemetry.AttrKind.String(r.kind))

	switch h.Kind {
	case state.KindBackground:
		if p.spawner == nil {
			return r.fail(ctx, ErrNoSpawner)
		}
		if err := p.spawner.Spawn(ctx, n, h, ev); err != nil {
			return r.fail(ctx, err)
		}
		return r.finish(ctx, nil)

	case state.KindStream:
		return r.stream(ctx, n, h)

	default:
		result, err := r.call(ctx, n, h)
		if err != nil {
			return r.fail(ctx, err)
		}
		return r.finish(ctx, result)
	}
}

func payload(ev event.Event) event.Payload {
	if ev.Payload == nil {
		return event.Payload{}
	}
	return ev.Payload
}

func (r *run) call(ctx context.Context, n *state.Node, h *state.Handler) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = newPanicError(r.ev.Name, v)
		}
	}()
	return h.Fn(ctx, n, payload(r.ev))
}

// update builds an update from a handler result and the tree's delta, then
// cleans the tree.
func (r *run) update(result any, final bool) (event.Update, error) {
	specs, err := event.Normalize(r.ev.Name, result)
	if err != nil {
		return event.Update{}, err
	}
	delta, err := r.tree.TakeDelta()
	if err != nil {
		return event.Update{}, err
	}
	return event.Update{
		Delta:  delta,
		Events: event.Fix(specs, r.ev.Token, r.ev.RouterData),
		Final:  final,
	}, nil
}

// finish sends the final update for a successful handler.
func (r *run) finish(ctx context.Context, result any) error {
	u, err := r.update(result, true)
	if err != nil {
		return r.fail(ctx, err)
	}
	return r.send(ctx, u, true)
}

// fail logs cause and sends a final update with whatever state changed plus
// an error alert.
func (r *run) fail(ctx context.Context, cause error) error {
	logger := telemetry.LoggerWithTrace(ctx, r.p.logger)
	attrs := []any{"token", r.ev.Token, "event", r.ev.Name, "error", cause}
	var pe *PanicError
	if errors.As(cause, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	logger.Error("event handler failed", attrs...)
	telemetry.RecordError(r.span, cause)

	delta, err := r.tree.TakeDelta()
	if err != nil {
		r.tree.Clean()
		delta = nil
	}
	u := event.Update{
		Delta:  delta,
		Events: event.Fix([]event.Spec{event.WindowAlert(event.ErrorAlertMessage)}, r.ev.Token, r.ev.RouterData),
		Final:  true,
	}
	return r.send(ctx, u, false)
}

// send postprocesses and emits u. ok is the outcome recorded for the event
// when u is final.
func (r *run) send(ctx context.Context, u event.Update, ok bool) error {
	for _, mw := range r.p.middleware {
		var err error
		if u, err = mw.Postprocess(ctx, r.tree, r.ev, u); err != nil {
			r.p.logger.Error("postprocess failed", "token", r.ev.Token, "event", r.ev.Name, "error", err)
			ok = false
		}
	}
	if u.Final {
		r.p.metrics.ObserveEvent(r.kind, ok, time.Since(r.start))
		if ok {
			telemetry.SetSpanOK(r.span)
		}
	}
	r.p.metrics.ObserveUpdate(u.Final)
	return r.emit(u)
}
