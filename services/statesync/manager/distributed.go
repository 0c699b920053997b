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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statesync/services/statesync/state"
	"github.com/AleutianAI/statesync/services/statesync/telemetry"
)

// Default lease durations.
const (
	DefaultTokenExpiration = time.Hour
	DefaultLockExpiration  = 10 * time.Second
)

// DistributedConfig configures a Distributed manager.
type DistributedConfig struct {
	// TokenExpiration is the idle lifetime of a stored tree, refreshed on
	// every write.
	TokenExpiration time.Duration

	// LockExpiration is the lease of a token lock. A holder that writes after
	// the lease ran out gets *LockExpiredError.
	LockExpiration time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.LockMetrics
}

// Distributed stores tree snapshots in a Store and guards each token with a
// lease lock, so several processes can serve the same sessions.
//
// # Description
//
// A lock is the key "<token>_lock" holding a random id, created with SetNX
// and the lock lease. A contender that finds the lock taken watches the key
// and retries when it is released or after one lease period, whichever comes
// first. Before persisting, Modify checks that the key still holds its id and
// otherwise fails with *LockExpiredError without writing.
//
// # Thread Safety
//
// Safe for concurrent use within and across processes.
type Distributed struct {
	schema *state.Schema
	store  Store
	cfg    DistributedConfig
	logger *slog.Logger
}

var (
	_ Manager        = (*Distributed)(nil)
	_ state.Modifier = (*Distributed)(nil)
)

// NewDistributed creates a manager over store. Zero durations take the
// package defaults.
func NewDistributed(schema *state.Schema, store Store, cfg DistributedConfig) *Distributed {
	if cfg.TokenExpiration <= 0 {
		cfg.TokenExpiration = DefaultTokenExpiration
	}
	if cfg.LockExpiration <= 0 {
		cfg.LockExpiration = DefaultLockExpiration
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributed{schema: schema, store: store, cfg: cfg, logger: logger.With("store", store.Name())}
}

func (d *Distributed) span(ctx context.Context, name, token string) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, telemetry.TracerManager, name, trace.WithAttributes(
		telemetry.AttrToken.String(token),
		telemetry.AttrBackend.String(d.store.Name()),
	))
}

// Get loads the token's tree, or returns a fresh tree when none is stored.
func (d *Distributed) Get(ctx context.Context, token string) (*state.Tree, error) {
	ctx, span := d.span(ctx, "Distributed.Get", token)
	defer span.End()

	tree, err := d.load(ctx, token)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return tree, err
}

func (d *Distributed) load(ctx context.Context, token string) (*state.Tree, error) {
	start := time.Now()
	data, err := d.store.Get(ctx, token)
	d.cfg.Metrics.RecordStoreOp(ctx, d.store.Name(), "get", time.Since(start))
	switch {
	case errors.Is(err, ErrNotFound):
		return d.schema.NewTree(), nil
	case err != nil:
		return nil, fmt.Errorf("load state for %s: %w", token, err)
	}

	tree, err := d.schema.Restore(data)
	if err != nil {
		// A snapshot from an incompatible schema is replaced, not fatal.
		d.logger.Warn("discarding stored state", "token", token, "error", err)
		return d.schema.NewTree(), nil
	}
	return tree, nil
}

// Set writes tree without taking the token's lock.
func (d *Distributed) Set(ctx context.Context, token string, tree *state.Tree) error {
	ctx, span := d.span(ctx, "Distributed.Set", token)
	defer span.End()

	if err := d.save(ctx, token, tree); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

func (d *Distributed) save(ctx context.Context, token string, tree *state.Tree) error {
	data, err := tree.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot state for %s: %w", token, err)
	}
	start := time.Now()
	err = d.store.Set(ctx, token, data, d.cfg.TokenExpiration)
	d.cfg.Metrics.RecordStoreOp(ctx, d.store.Name(), "set", time.Since(start))
	if err != nil {
		return fmt.Errorf("store state for %s: %w", token, err)
	}
	return nil
}

// Modify locks the token, loads its tree, runs fn and writes the tree back.
//
// # Outputs
//
//   - error: the error of fn (nothing is written); *LockExpiredError when
//     the lease ran out before the write (nothing is written, the lock is
//     left alone); ctx.Err() when the lock wait was canceled; store errors.
func (d *Distributed) Modify(ctx context.Context, token string, fn func(*state.Tree) error) (err error) {
	ctx, span := d.span(ctx, "Distributed.Modify", token)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	lockID := uuid.NewString()
	acquired := time.Now()
	if err := d.lock(ctx, token, lockID); err != nil {
		return err
	}

	var expired *LockExpiredError
	defer func() {
		if errors.As(err, &expired) {
			return
		}
		// Release with a fresh context so a canceled request still unlocks.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.LockExpiration)
		defer cancel()
		if rerr := d.unlock(rctx, token, lockID); rerr != nil {
			d.logger.Warn("failed to release session lock", "token", token, "error", rerr)
		}
	}()

	tree, err := d.load(ctx, token)
	if err != nil {
		return err
	}
	if err := fn(tree); err != nil {
		return err
	}

	return d.saveLocked(ctx, token, lockID, acquired, tree)
}

// saveLocked writes the tree only while the lock key still holds lockID. The
// check and the write are one atomic store operation, so a lease that runs
// out in between cannot let a stale tree overwrite a newer holder's.
func (d *Distributed) saveLocked(ctx context.Context, token, lockID string, acquired time.Time, tree *state.Tree) error {
	data, err := tree.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot state for %s: %w", token, err)
	}
	start := time.Now()
	ok, err := d.store.CompareAndSet(ctx, LockKey(token), []byte(lockID), token, data, d.cfg.TokenExpiration)
	d.cfg.Metrics.RecordStoreOp(ctx, d.store.Name(), "compare_and_set", time.Since(start))
	if err != nil {
		return fmt.Errorf("store state for %s: %w", token, err)
	}
	if !ok {
		d.cfg.Metrics.RecordLockExpired(ctx, d.store.Name())
		return &LockExpiredError{Token: token, LockTTL: d.cfg.LockExpiration, Duration: time.Since(acquired)}
	}
	return nil
}

// lock acquires the token's lease, waiting for the current holder.
func (d *Distributed) lock(ctx context.Context, token, lockID string) error {
	key := LockKey(token)
	start := time.Now()

	ok, err := d.store.SetNX(ctx, key, []byte(lockID), d.cfg.LockExpiration)
	if err != nil {
		d.cfg.Metrics.RecordLockWait(ctx, d.store.Name(), "error", time.Since(start))
		return fmt.Errorf("acquire lock for %s: %w", token, err)
	}
	if ok {
		d.cfg.Metrics.RecordLockWait(ctx, d.store.Name(), "acquired", time.Since(start))
		return nil
	}

	signals, stop, err := d.store.Watch(ctx, key)
	if err != nil {
		d.cfg.Metrics.RecordLockWait(ctx, d.store.Name(), "error", time.Since(start))
		return fmt.Errorf("watch lock for %s: %w", token, err)
	}
	defer stop()

	timer := time.NewTimer(d.cfg.LockExpiration)
	defer timer.Stop()
	for {
		ok, err := d.store.SetNX(ctx, key, []byte(lockID), d.cfg.LockExpiration)
		if err != nil {
			d.cfg.Metrics.RecordLockWait(ctx, d.store.Name(), "error", time.Since(start))
			return fmt.Errorf("acquire lock for %s: %w", token, err)
		}
		if ok {
			d.cfg.Metrics.RecordLockWait(ctx, d.store.Name(), "acquired", time.Since(start))
			d.logger.Debug("session lock acquired after wait", "token", token, "waited", time.Since(start))
			return nil
		}

		timer.Reset(d.cfg.LockExpiration)
		select {
		case <-ctx.Done():
			d.cfg.Metrics.RecordLockWait(ctx, d.store.Name(), "canceled", time.Since(start))
			return ctx.Err()
		case <-signals:
		case <-timer.C:
		}
	}
}

// unlock deletes the lock key if it still holds lockID.
func (d *Distributed) unlock(ctx context.Context, token, lockID string) error {
	_, err := d.store.CompareAndDelete(ctx, LockKey(token), []byte(lockID))
	return err
}

// Close closes the store.
func (d *Distributed) Close() error {
	return d.store.Close()
}
