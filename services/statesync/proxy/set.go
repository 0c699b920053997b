// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"fmt"
	"reflect"
)

// Set tracks a set variable, declared as map[K]struct{}.
type Set struct {
	base
}

// Len returns the number of members.
func (s *Set) Len() int {
	v := s.value()
	if !v.IsValid() {
		return 0
	}
	return v.Len()
}

// Has reports whether v is a member.
func (s *Set) Has(v any) bool {
	kv, err := convert(v, s.value().Type().Key())
	if err != nil {
		return false
	}
	return s.value().MapIndex(kv).IsValid()
}

// Items returns the members in sorted order.
func (s *Set) Items() []any {
	keys := sortKeys(s.value())
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k.Interface()
	}
	return out
}

// Add inserts members.
func (s *Set) Add(values ...any) error {
	t := s.value().Type()
	keys := make([]reflect.Value, len(values))
	for i, v := range values {
		kv, err := convert(v, t.Key())
		if err != nil {
			return err
		}
		keys[i] = kv
	}
	if err := s.mark(); err != nil {
		return err
	}
	target := s.value()
	if target.IsNil() {
		target = reflect.MakeMap(t)
		s.slot.Set(target)
	}
	member := reflect.Zero(t.Elem())
	for _, k := range keys {
		target.SetMapIndex(k, member)
	}
	return nil
}

// Update is Add for every element of a slice or array.
func (s *Set) Update(values any) error {
	rv := reflect.ValueOf(values)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("update %s with %T: not a slice", s.field, values)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return s.Add(items...)
}

// Discard removes v if present.
func (s *Set) Discard(v any) error {
	kv, err := convert(v, s.value().Type().Key())
	if err != nil {
		return err
	}
	if err := s.mark(); err != nil {
		return err
	}
	s.value().SetMapIndex(kv, reflect.Value{})
	return nil
}

// Remove removes v.
//
// Returns ErrNotFound when v is not a member.
func (s *Set) Remove(v any) error {
	if !s.Has(v) {
		return fmt.Errorf("remove %v from %s: %w", v, s.field, ErrNotFound)
	}
	return s.Discard(v)
}

// Clear removes every member.
func (s *Set) Clear() error {
	if err := s.mark(); err != nil {
		return err
	}
	s.slot.Set(reflect.MakeMap(s.value().Type()))
	return nil
}
