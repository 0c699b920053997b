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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"

	sbadger "github.com/AleutianAI/statesync/services/statesync/storage/badger"
)

// envelopeHeader is the size of the expiry prefix of every stored value: the
// expiry as big-endian unix milliseconds, zero for none.
const envelopeHeader = 8

// maxConflictRetries bounds retries of a read-write transaction on conflicts.
const maxConflictRetries = 16

// BadgerStore is a Store over an embedded BadgerDB.
//
// # Description
//
// BadgerDB's native TTL has one-second granularity, too coarse for lock
// leases, so every value carries its own millisecond expiry in an envelope.
// The native TTL, rounded up, is set as well so expired keys are eventually
// dropped by compaction.
//
// # Limitations
//
// Watch observes deletes and overwrites through DB.Subscribe but cannot see
// a lease running out; lock waiters also retry once per lease.
type BadgerStore struct {
	db     *sbadger.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore wraps db. The store owns db and closes it on Close.
func NewBadgerStore(db *sbadger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger, now: time.Now}
}

// Name returns "badger".
func (s *BadgerStore) Name() string { return "badger" }

func (s *BadgerStore) wrap(value []byte, ttl time.Duration) []byte {
	out := make([]byte, envelopeHeader+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(out, uint64(s.now().Add(ttl).UnixMilli()))
	}
	copy(out[envelopeHeader:], value)
	return out
}

// unwrap returns the payload of an envelope, or ok=false when it expired.
func (s *BadgerStore) unwrap(raw []byte) (value []byte, ok bool, err error) {
	if len(raw) < envelopeHeader {
		return nil, false, fmt.Errorf("badger store: corrupt value of %d bytes", len(raw))
	}
	exp := int64(binary.BigEndian.Uint64(raw))
	if exp != 0 && s.now().UnixMilli() >= exp {
		return nil, false, nil
	}
	return raw[envelopeHeader:], true, nil
}

func (s *BadgerStore) entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), s.wrap(value, ttl))
	if ttl > 0 {
		e = e.WithTTL(ttl.Truncate(time.Second) + time.Second)
	}
	return e
}

// read returns the live value of key inside txn.
func (s *BadgerStore) read(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	value, ok, err := s.unwrap(raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Get returns the value of key.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := s.read(txn, key)
		out = v
		return err
	})
	return out, err
}

// Set stores value with ttl.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(key, value, ttl))
	})
}

// SetNX stores value when key is absent or expired.
func (s *BadgerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.update(ctx, "setnx", key, func(txn *badger.Txn) (bool, error) {
		_, err := s.read(txn, key)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
		return true, txn.SetEntry(s.entry(key, value, ttl))
	})
}

// CompareAndSet writes key in the same transaction that reads guard, so a
// concurrent change of guard aborts the commit and the comparison is rerun.
func (s *BadgerStore) CompareAndSet(ctx context.Context, guard string, expected []byte, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.update(ctx, "compare and set", key, func(txn *badger.Txn) (bool, error) {
		if ok, err := s.holds(txn, guard, expected); !ok || err != nil {
			return false, err
		}
		return true, txn.SetEntry(s.entry(key, value, ttl))
	})
}

// CompareAndDelete deletes key in the transaction that compared it.
func (s *BadgerStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	return s.update(ctx, "compare and delete", key, func(txn *badger.Txn) (bool, error) {
		if ok, err := s.holds(txn, key, expected); !ok || err != nil {
			return false, err
		}
		return true, txn.Delete([]byte(key))
	})
}

// holds reports whether key holds an unexpired expected inside txn.
func (s *BadgerStore) holds(txn *badger.Txn, key string, expected []byte) (bool, error) {
	current, err := s.read(txn, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(current, expected), nil
}

// update runs fn in a read-write transaction and reports what fn reported.
// Conflicts with a concurrent writer are retried.
func (s *BadgerStore) update(ctx context.Context, op, key string, fn func(txn *badger.Txn) (bool, error)) (bool, error) {
	for range maxConflictRetries {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		applied := false
		err := s.db.Update(func(txn *badger.Txn) error {
			var err error
			applied, err = fn(txn)
			return err
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		return applied, nil
	}
	return false, fmt.Errorf("badger store: %s %s: %w", op, key, badger.ErrConflict)
}

// Delete removes key.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Exists reports whether key holds an unexpired value.
func (s *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Watch signals when key is deleted.
func (s *BadgerStore) Watch(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	wctx, cancel := context.WithCancel(ctx)
	out := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := s.db.Subscribe(wctx, func(list *badger.KVList) error {
			for _, kv := range list.Kv {
				if string(kv.Key) == key && len(kv.Value) == 0 {
					notify(out)
				}
			}
			return nil
		}, []pb.Match{{Prefix: []byte(key)}})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("badger subscription ended", "key", key, "error", err)
		}
	}()

	stop := func() {
		cancel()
		<-done
	}
	return out, stop, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
