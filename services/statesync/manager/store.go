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
	"time"
)

// Store is the key/value backend of the Distributed manager.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent and reports whether it did.
	// ttl has millisecond precision.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSet stores value under key only while guard holds expected,
	// checked atomically with the write, and reports whether it wrote. A
	// missing or expired guard fails the comparison.
	CompareAndSet(ctx context.Context, guard string, expected []byte, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only when it holds expected, atomically,
	// and reports whether it did.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Watch signals on the returned channel when key is deleted, expires or
	// is evicted. Signals may be coalesced and some backends cannot observe
	// expiry, so callers must also poll. stop ends the watch.
	Watch(ctx context.Context, key string) (signals <-chan struct{}, stop func(), err error)

	// Close releases the backend connection.
	Close() error
}

// notify performs a non-blocking send on a signal channel of capacity one.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
