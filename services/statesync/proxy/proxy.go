// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy tracks in-place edits of container variables.
//
// # Description
//
// Reading a container variable from a state node returns a handle (List, Map,
// Set or Record) instead of the raw Go value. Every mutating method of a
// handle calls Owner.MarkDirty for the top-level variable before it touches
// the data, so the node sees the change without an explicit reassignment:
//
//	items, _ := node.List("items")
//	items.Append("apple")     // marks "items" dirty, then appends
//
// Values reached through a handle (At, Get, Items, Field, ...) are wrapped
// again, so nested containers stay tracked and are attributed to the same
// top-level variable.
//
// # Storage
//
// A handle does not own its data. It reads and writes through a Slot, a pair
// of closures that locate the value inside its parent (node storage, slice
// element, map entry, struct field). Writes that change a slice header or a
// by-value struct are written back through the parent slot.
//
// # Immutability
//
// Guard wraps an Owner so that MarkDirty fails with *ImmutableStateError
// while a predicate is false. Because MarkDirty runs first, the mutation is
// rejected before any data changes.
//
// # Thread Safety
//
// Handles are not safe for concurrent use. They are only valid while the
// caller holds exclusive access to the owning state tree.
package proxy

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/AleutianAI/statesync/services/statesync/vars"
)

// Sentinel errors for handle operations.
var (
	// ErrImmutableState indicates a mutation outside an exclusive access scope.
	ErrImmutableState = errors.New("state is immutable outside of a modify scope")

	// ErrIndexOutOfRange indicates a list index past either end.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrNotFound indicates a missing list element, map key or set member.
	ErrNotFound = errors.New("not found")

	// ErrUnknownField indicates a record field that does not exist.
	ErrUnknownField = errors.New("unknown field")
)

// ImmutableStateError reports a rejected mutation of Field.
type ImmutableStateError struct {
	Field string
}

// Error returns a human-readable error message.
func (e *ImmutableStateError) Error() string {
	return fmt.Sprintf("cannot modify %q: %v", e.Field, ErrImmutableState)
}

// Unwrap returns ErrImmutableState for errors.Is support.
func (e *ImmutableStateError) Unwrap() error {
	return ErrImmutableState
}

// Owner receives dirty notifications for top-level variables.
type Owner interface {
	MarkDirty(field string) error
}

// OwnerFunc adapts a function to Owner.
type OwnerFunc func(field string) error

// MarkDirty calls f(field).
func (f OwnerFunc) MarkDirty(field string) error { return f(field) }

// Guard returns an Owner that rejects every mutation with
// *ImmutableStateError while allowed reports false.
func Guard(owner Owner, allowed func() bool) Owner {
	return OwnerFunc(func(field string) error {
		if !allowed() {
			return &ImmutableStateError{Field: field}
		}
		return owner.MarkDirty(field)
	})
}

// Slot locates a value inside its parent.
type Slot struct {
	Get func() reflect.Value
	Set func(reflect.Value)
}

// Wrap returns a tracking handle for container values and the plain value
// for everything else.
//
// field is the top-level variable name reported to owner.
func Wrap(owner Owner, field string, slot Slot) any {
	v := slot.Get()
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}

	b := base{owner: owner, field: field, slot: slot}
	switch v.Kind() {
	case reflect.Slice:
		return &List{base: b}
	case reflect.Map:
		if vars.IsSetType(v.Type()) {
			return &Set{base: b}
		}
		return &Map{base: b}
	case reflect.Struct:
		if vars.IsContainerType(v.Type()) {
			return &Record{base: b}
		}
	case reflect.Pointer:
		if !v.IsNil() && v.Elem().Kind() == reflect.Struct && vars.IsContainerType(v.Elem().Type()) {
			return &Record{base: b}
		}
	}
	return v.Interface()
}

// Copy returns a plain deep copy of v, unwrapping any handle.
func Copy(v any) any {
	return vars.DeepCopy(v)
}

// =============================================================================
// base
// =============================================================================

type base struct {
	owner Owner
	field string
	slot  Slot
}

// value returns the current container, looking through interface boxes.
func (b *base) value() reflect.Value {
	v := b.slot.Get()
	for v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func (b *base) mark() error {
	return b.owner.MarkDirty(b.field)
}

func (b *base) wrap(slot Slot) any {
	return Wrap(b.owner, b.field, slot)
}

// Var returns the top-level variable this handle reports to.
func (b *base) Var() string {
	return b.field
}

// Unwrap returns the underlying value, still shared with the state tree.
func (b *base) Unwrap() any {
	v := b.value()
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}

// Copy returns a plain deep copy detached from tracking.
func (b *base) Copy() any {
	return vars.DeepCopy(b.Unwrap())
}

// convert coerces v to t and returns it as a reflect.Value of type t.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	out, err := vars.Coerce(v, t)
	if err != nil {
		return reflect.Value{}, err
	}
	if out == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(out)
	if rv.Type() != t {
		tmp := reflect.New(t).Elem()
		tmp.Set(rv)
		return tmp, nil
	}
	return rv, nil
}
