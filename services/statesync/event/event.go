// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package event defines the wire types exchanged with clients.
//
// # Inbound
//
//	{"token": "...", "name": "state.counter.increment", "payload": {...}, "router_data": {...}}
//
// # Outbound
//
//	{"delta": {"state.counter": {"count": 1}}, "events": [...], "final": true}
//
// Handlers chain further events by returning a Ref, a Spec, or a flat slice of
// those; Normalize validates such results and Fix turns them into Events
// addressed to the originating client.
package event

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Payload carries handler arguments keyed by parameter name.
type Payload map[string]any

// Delta maps a fully qualified node name to its changed variables.
type Delta map[string]map[string]any

// Merge copies every entry of other into d, combining per-node maps.
func (d Delta) Merge(other Delta) {
	for node, vars := range other {
		existing, ok := d[node]
		if !ok {
			existing = make(map[string]any, len(vars))
			d[node] = existing
		}
		maps.Copy(existing, vars)
	}
}

// Event is one client request to run a handler.
type Event struct {
	// Token identifies the client session.
	Token string `json:"token"`

	// Name is the fully qualified handler name, or a frontend event name
	// such as "_alert".
	Name string `json:"name"`

	// RouterData describes the client's current page (pathname, query).
	RouterData map[string]any `json:"router_data,omitempty"`

	// Payload holds the handler arguments.
	Payload Payload `json:"payload"`
}

// Update is one state update pushed to a client.
type Update struct {
	Delta  Delta   `json:"delta"`
	Events []Event `json:"events"`

	// Final is false while a streaming handler will produce more updates
	// for the same originating event.
	Final bool `json:"final"`
}

// Empty reports whether the update carries neither state nor events.
func (u Update) Empty() bool {
	return len(u.Delta) == 0 && len(u.Events) == 0
}

// =============================================================================
// Chaining
// =============================================================================

// Ref names a handler by its fully qualified dotted name.
type Ref string

// Spec is a handler invocation with arguments.
type Spec struct {
	Handler string  `json:"handler"`
	Args    Payload `json:"args,omitempty"`
}

// Call builds a Spec for handler with args.
func Call(handler string, args Payload) Spec {
	return Spec{Handler: handler, Args: args}
}

// ErrInvalidEventResult indicates a handler returned or yielded something
// other than nil, a Ref, a Spec, or a flat slice of those.
var ErrInvalidEventResult = errors.New("invalid event result")

// InvalidEventResultError reports the offending handler and value type.
type InvalidEventResultError struct {
	Handler string
	Got     string
}

// Error returns a human-readable error message.
func (e *InvalidEventResultError) Error() string {
	return fmt.Sprintf("handler %s returned %s; expected nil, an event reference or a list of them",
		e.Handler, e.Got)
}

// Unwrap returns ErrInvalidEventResult for errors.Is support.
func (e *InvalidEventResultError) Unwrap() error {
	return ErrInvalidEventResult
}

// Normalize validates a handler result and flattens it into Specs.
//
// Accepted: nil, Ref, Spec, *Spec, []Ref, []Spec, and []any whose elements are
// Ref, Spec or *Spec. Nested slices and every other type fail with
// *InvalidEventResultError.
func Normalize(handler string, result any) ([]Spec, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case Ref:
		return []Spec{{Handler: string(r)}}, nil
	case Spec:
		return []Spec{r}, nil
	case *Spec:
		if r == nil {
			return nil, nil
		}
		return []Spec{*r}, nil
	case []Spec:
		return r, nil
	case []Ref:
		out := make([]Spec, len(r))
		for i, ref := range r {
			out[i] = Spec{Handler: string(ref)}
		}
		return out, nil
	case []any:
		out := make([]Spec, 0, len(r))
		for _, item := range r {
			switch it := item.(type) {
			case Ref:
				out = append(out, Spec{Handler: string(it)})
			case Spec:
				out = append(out, it)
			case *Spec:
				if it != nil {
					out = append(out, *it)
				}
			default:
				return nil, &InvalidEventResultError{Handler: handler, Got: fmt.Sprintf("[]any containing %T", item)}
			}
		}
		return out, nil
	default:
		return nil, &InvalidEventResultError{Handler: handler, Got: fmt.Sprintf("%T", result)}
	}
}

// Fix addresses chained specs to the client identified by token.
func Fix(specs []Spec, token string, routerData map[string]any) []Event {
	if len(specs) == 0 {
		return nil
	}
	out := make([]Event, len(specs))
	for i, s := range specs {
		payload := s.Args
		if payload == nil {
			payload = Payload{}
		}
		out[i] = Event{
			Token:      token,
			Name:       s.Handler,
			RouterData: routerData,
			Payload:    payload,
		}
	}
	return out
}

// SplitName splits "a.b.c.handler" into the node path "a.b.c" and the
// handler name.
func SplitName(name string) (path, handler string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}
