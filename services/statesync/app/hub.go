// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"errors"
	"sync"

	"github.com/AleutianAI/statesync/services/statesync/event"
)

// ErrNoConnection indicates no client connection is registered for a token.
var ErrNoConnection = errors.New("no connection for token")

// Sender delivers updates to one client connection.
type Sender interface {
	Send(event.Update) error
}

// Hub maps client tokens to their live connection so updates produced
// outside an event (background tasks, App.Modify) reach the client.
//
// # Thread Safety
//
// Safe for concurrent use. Senders must be safe for concurrent Send.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Sender
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]Sender)}
}

// Register binds token to s, replacing any earlier connection. The returned
// function unbinds it unless another connection has taken over since.
func (h *Hub) Register(token string, s Sender) (unregister func()) {
	h.mu.Lock()
	h.conns[token] = s
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.conns[token] == s {
			delete(h.conns, token)
		}
	}
}

// Send delivers u to the token's connection.
func (h *Hub) Send(token string, u event.Update) error {
	h.mu.RLock()
	s, ok := h.conns[token]
	h.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}
	return s.Send(u)
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
