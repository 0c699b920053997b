// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the built-in event middleware: router data
// tracking and client hydration.
package middleware

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/statesync/services/statesync/engine"
	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/state"
)

// HydrateHandler is the local name of the root handler that hydrates a
// freshly loaded client.
const HydrateHandler = "hydrate"

// ClientStorageKey is the payload key of the client's persisted values,
// keyed "<node path>.<var>".
const ClientStorageKey = "client_storage"

// Func adapts plain functions to engine.Middleware. Nil hooks pass through.
type Func struct {
	Pre  func(ctx context.Context, t *state.Tree, ev event.Event) (*event.Update, error)
	Post func(ctx context.Context, t *state.Tree, ev event.Event, u event.Update) (event.Update, error)
}

var _ engine.Middleware = Func{}

// Preprocess calls Pre when set.
func (f Func) Preprocess(ctx context.Context, t *state.Tree, ev event.Event) (*event.Update, error) {
	if f.Pre == nil {
		return nil, nil
	}
	return f.Pre(ctx, t, ev)
}

// Postprocess calls Post when set.
func (f Func) Postprocess(ctx context.Context, t *state.Tree, ev event.Event, u event.Update) (event.Update, error) {
	if f.Post == nil {
		return u, nil
	}
	return f.Post(ctx, t, ev, u)
}

// Router stores the event's router data in the root "router" variable so
// handlers can read the client's page and connection. The variable only
// becomes dirty when the data changed since the previous event.
func Router() engine.Middleware {
	return Func{
		Pre: func(_ context.Context, t *state.Tree, ev event.Event) (*event.Update, error) {
			if ev.RouterData == nil {
				return nil, nil
			}
			return nil, t.SetRouter(state.RouterFromEvent(ev.Token, ev.RouterData))
		},
	}
}

// =============================================================================
// Hydrate
// =============================================================================

// Hydrate answers the root "hydrate" event with the full state of the
// session.
//
// # Description
//
// The client sends hydrate once after loading a page. Hydrate marks the
// session as not hydrated, applies the client's persisted storage, and
// returns the full state together with the page's on-load events followed by
// the setter that flips is_hydrated to true. Other events pass through.
//
// # Limitations
//
// Client storage entries naming unknown nodes or variables, or holding
// values of the wrong type, are skipped and logged at debug level.
type Hydrate struct {
	// OnLoad maps a page path to the events run after hydration.
	OnLoad map[string][]event.Spec

	Logger *slog.Logger
}

var _ engine.Middleware = (*Hydrate)(nil)

// Preprocess handles "<root>.hydrate".
func (h *Hydrate) Preprocess(_ context.Context, t *state.Tree, ev event.Event) (*event.Update, error) {
	root := t.Root()
	if ev.Name != root.FullName()+"."+HydrateHandler {
		return nil, nil
	}

	if err := root.Set(state.HydratedVar, false); err != nil {
		return nil, err
	}
	h.applyStorage(t, ev)

	delta, err := t.FullDelta()
	if err != nil {
		return nil, err
	}
	t.Clean()

	rd := state.RouterFromEvent(ev.Token, ev.RouterData)
	specs := make([]event.Spec, 0, len(h.OnLoad[rd.Page.Path])+1)
	specs = append(specs, h.OnLoad[rd.Page.Path]...)
	specs = append(specs, event.Call(
		root.FullName()+"."+state.SetterName(state.HydratedVar),
		event.Payload{"value": true},
	))

	return &event.Update{
		Delta:  delta,
		Events: event.Fix(specs, ev.Token, ev.RouterData),
	}, nil
}

// Postprocess passes updates through.
func (h *Hydrate) Postprocess(_ context.Context, _ *state.Tree, _ event.Event, u event.Update) (event.Update, error) {
	return u, nil
}

func (h *Hydrate) applyStorage(t *state.Tree, ev event.Event) {
	storage, ok := ev.Payload[ClientStorageKey].(map[string]any)
	if !ok {
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for key, value := range storage {
		path, name := event.SplitName(key)
		n, err := t.Node(path)
		if err == nil {
			err = n.Set(name, value)
		}
		if err != nil {
			logger.Debug("skipping client storage entry", "token", ev.Token, "key", key, "error", err)
		}
	}
}
