// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager stores one state tree per client token and serializes
// mutations of each tree.
//
// Two implementations are provided:
//
//   - Memory keeps live trees in process and locks each token with a
//     weighted semaphore.
//   - Distributed keeps tree snapshots in a Store (Redis or BadgerDB) and
//     locks each token with a lease key, so several server processes can
//     share sessions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/statesync/services/statesync/state"
)

// Manager owns client state trees.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. Modify calls for the same
// token never overlap.
type Manager interface {
	// Get returns a detached copy of the token's tree, creating a fresh tree
	// for unknown tokens.
	Get(ctx context.Context, token string) (*state.Tree, error)

	// Set replaces the token's tree.
	Set(ctx context.Context, token string, tree *state.Tree) error

	// Modify runs fn with exclusive access to the token's tree and persists
	// the result. When fn fails the error is returned and its changes are
	// discarded.
	Modify(ctx context.Context, token string, fn func(*state.Tree) error) error

	// Close releases the manager's resources.
	Close() error
}

var (
	// ErrLockExpired indicates a write was attempted after the session lock
	// lease ran out or was taken by another holder.
	ErrLockExpired = errors.New("session lock expired")

	// ErrClosed indicates the manager was used after Close.
	ErrClosed = errors.New("state manager closed")

	// ErrNotFound is returned by Store.Get for missing or expired keys.
	ErrNotFound = errors.New("key not found")
)

// LockExpiredError reports a write refused because the token's lock is no
// longer held by this caller.
type LockExpiredError struct {
	Token    string
	LockTTL  time.Duration
	Duration time.Duration
}

// Error returns a human-readable error message.
func (e *LockExpiredError) Error() string {
	return fmt.Sprintf("lock for token %s expired after %s (lease %s); raise lock_expiration or shorten the handler",
		e.Token, e.Duration.Round(time.Millisecond), e.LockTTL)
}

// Unwrap returns ErrLockExpired for errors.Is support.
func (e *LockExpiredError) Unwrap() error {
	return ErrLockExpired
}

const lockSuffix = "_lock"

// LockKey returns the store key of a token's lock.
func LockKey(token string) string {
	return token + lockSuffix
}
