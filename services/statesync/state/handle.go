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
	"sync"

	"github.com/AleutianAI/statesync/services/statesync/proxy"
	"github.com/AleutianAI/statesync/services/statesync/vars"
)

// Modifier runs fn against the live tree of a session while holding the
// session's lock, then persists the tree and pushes its delta to the client.
type Modifier interface {
	Modify(ctx context.Context, token string, fn func(t *Tree) error) error
}

// Handle is a background handler's view of its node.
//
// Outside Modify, reads see a detached copy of the session state taken when
// the handler started (or when the last Modify finished) and every write
// fails with *proxy.ImmutableStateError. Inside Modify, the handler works on
// the live tree under the session lock.
//
// # Thread Safety
//
// Modify calls are serialized. A Handle is meant to be used by the goroutine
// running the background handler.
type Handle struct {
	mu       sync.Mutex
	token    string
	path     string
	modifier Modifier

	node    *Node
	inScope bool
}

// NewHandle detaches a copy of n's tree for a background handler.
func NewHandle(n *Node, token string, m Modifier) *Handle {
	clone := n.tree.Clone()
	return &Handle{
		token:    token,
		path:     n.s.fullName,
		modifier: m,
		node:     clone.nodes[n.s.index],
	}
}

// Token returns the session token the handler runs for.
func (h *Handle) Token() string {
	return h.token
}

// Path returns the fully qualified name of the handler's node.
func (h *Handle) Path() string {
	return h.path
}

// Get reads a variable like Node.Get. Returned proxies reject mutation
// unless the handle is inside the Modify call they were obtained in.
func (h *Handle) Get(name string) (any, error) {
	n := h.node
	return n.get(name, func(owner *Node) proxy.Owner {
		return proxy.Guard(owner, func() bool {
			return h.inScope && h.node == n
		})
	})
}

// HandleValue reads a detached copy of a variable as T.
func HandleValue[T any](h *Handle, name string) (T, error) {
	return Value[T](h.node, name)
}

// Set assigns a variable. It fails with *proxy.ImmutableStateError outside
// Modify.
func (h *Handle) Set(name string, value any) error {
	if !h.inScope {
		return &proxy.ImmutableStateError{Field: name}
	}
	return h.node.Set(name, value)
}

// Modify acquires the session lock, refreshes the handle from the live
// state, runs fn against the live node and releases the lock. Changes made
// by fn are persisted and sent to the client by the Modifier.
//
// After Modify returns, the handle reads the state as fn left it.
func (h *Handle) Modify(ctx context.Context, fn func(n *Node) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.modifier.Modify(ctx, h.token, func(t *Tree) error {
		live, err := t.Node(h.path)
		if err != nil {
			return err
		}

		prev := h.node
		h.node = live
		h.inScope = true
		defer func() { h.inScope = false }()

		if err := fn(live); err != nil {
			h.node = prev
			return err
		}
		h.node = t.Clone().nodes[live.s.index]
		return nil
	})
}

// Copy returns a detached deep copy of a variable's current value.
func (h *Handle) Copy(name string) (any, error) {
	v, err := h.node.raw(name)
	if err != nil {
		return nil, err
	}
	return vars.DeepCopy(v), nil
}
