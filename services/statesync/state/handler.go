// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"fmt"

	"github.com/AleutianAI/statesync/services/statesync/event"
)

// Kind selects how the event pipeline runs a handler.
type Kind int

const (
	// KindPlain handlers run to completion and produce one update.
	KindPlain Kind = iota

	// KindStream handlers yield intermediate results, each flushed as a
	// non-final update.
	KindStream

	// KindBackground handlers run detached from the triggering event and
	// mutate state only inside Handle.Modify.
	KindBackground
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindStream:
		return "stream"
	case KindBackground:
		return "background"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HandlerFunc mutates n and optionally returns chained events (see
// event.Normalize for the accepted shapes).
type HandlerFunc func(ctx context.Context, n *Node, args event.Payload) (any, error)

// StreamFunc is a HandlerFunc that can flush intermediate state through y.
type StreamFunc func(ctx context.Context, n *Node, args event.Payload, y Yielder) (any, error)

// BackgroundFunc runs outside the session lock. h gives read access to a
// detached copy of the node and write access through h.Modify.
type BackgroundFunc func(ctx context.Context, h *Handle, args event.Payload) (any, error)

// Yielder flushes the state changed so far to the client.
//
// result may carry chained events, like a handler return value. Yield blocks
// until the update has been emitted.
type Yielder interface {
	Yield(ctx context.Context, result any) error
}

// Handler is one named event handler registered on a node.
type Handler struct {
	Name string
	Kind Kind

	Fn         HandlerFunc
	Stream     StreamFunc
	Background BackgroundFunc

	// UploadParam names the payload key that receives []event.File when the
	// handler is invoked through the upload endpoint. Empty for other handlers.
	UploadParam string
}

// IsUpload reports whether the handler accepts uploaded files.
func (h *Handler) IsUpload() bool {
	return h.UploadParam != ""
}

// setter builds the auto-generated set_<name> handler, which assigns
// payload["value"] to the variable.
func setter(name string) HandlerFunc {
	return func(_ context.Context, n *Node, args event.Payload) (any, error) {
		value, ok := args["value"]
		if !ok {
			return nil, fmt.Errorf("set_%s: payload has no \"value\"", name)
		}
		return nil, n.Set(name, value)
	}
}

// SetterName returns the name of the auto-generated setter for a variable.
func SetterName(name string) string {
	return "set_" + name
}
