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
	"sort"
)

// Map tracks a map variable keyed by strings or integers.
type Map struct {
	base
}

// Len returns the number of entries.
func (m *Map) Len() int {
	v := m.value()
	if !v.IsValid() {
		return 0
	}
	return v.Len()
}

// Keys returns the keys in sorted order.
func (m *Map) Keys() []any {
	keys := sortKeys(m.value())
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k.Interface()
	}
	return out
}

// Has reports whether key is present.
func (m *Map) Has(key any) bool {
	kv, err := convert(key, m.value().Type().Key())
	if err != nil {
		return false
	}
	return m.value().MapIndex(kv).IsValid()
}

// Get returns the value under key, wrapped if it is a container.
func (m *Map) Get(key any) (any, bool) {
	kv, err := convert(key, m.value().Type().Key())
	if err != nil || !m.value().MapIndex(kv).IsValid() {
		return nil, false
	}
	return m.wrap(m.entrySlot(kv)), true
}

// Set stores v under key.
func (m *Map) Set(key, v any) error {
	t := m.value().Type()
	kv, err := convert(key, t.Key())
	if err != nil {
		return err
	}
	vv, err := convert(v, t.Elem())
	if err != nil {
		return err
	}
	if err := m.mark(); err != nil {
		return err
	}
	m.ensure().SetMapIndex(kv, vv)
	return nil
}

// Delete removes key.
//
// Returns ErrNotFound when the key is absent.
func (m *Map) Delete(key any) error {
	_, err := m.Pop(key)
	return err
}

// Pop removes key and returns its detached value.
func (m *Map) Pop(key any) (any, error) {
	mv := m.value()
	kv, err := convert(key, mv.Type().Key())
	if err != nil {
		return nil, err
	}
	existing := mv.MapIndex(kv)
	if !existing.IsValid() {
		return nil, fmt.Errorf("%s[%v]: %w", m.field, key, ErrNotFound)
	}
	if err := m.mark(); err != nil {
		return nil, err
	}
	out := Copy(existing.Interface())
	mv.SetMapIndex(kv, reflect.Value{})
	return out, nil
}

// Update copies every entry of other, a map of any key and value type that
// converts to this map's types.
func (m *Map) Update(other any) error {
	ov := reflect.ValueOf(Copy(other))
	if ov.Kind() != reflect.Map {
		return fmt.Errorf("update %s with %T: not a map", m.field, other)
	}
	t := m.value().Type()
	type entry struct{ k, v reflect.Value }
	entries := make([]entry, 0, ov.Len())
	iter := ov.MapRange()
	for iter.Next() {
		kv, err := convert(iter.Key().Interface(), t.Key())
		if err != nil {
			return err
		}
		vv, err := convert(iter.Value().Interface(), t.Elem())
		if err != nil {
			return err
		}
		entries = append(entries, entry{kv, vv})
	}
	if err := m.mark(); err != nil {
		return err
	}
	target := m.ensure()
	for _, e := range entries {
		target.SetMapIndex(e.k, e.v)
	}
	return nil
}

// SetDefault returns the value under key, storing def first if the key is
// absent.
func (m *Map) SetDefault(key, def any) (any, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	if err := m.Set(key, def); err != nil {
		return nil, err
	}
	v, _ := m.Get(key)
	return v, nil
}

// Clear removes every entry.
func (m *Map) Clear() error {
	if err := m.mark(); err != nil {
		return err
	}
	m.slot.Set(reflect.MakeMap(m.value().Type()))
	return nil
}

// ensure allocates a nil map in place and returns the live map.
func (m *Map) ensure() reflect.Value {
	mv := m.value()
	if mv.IsNil() {
		mv = reflect.MakeMap(mv.Type())
		m.slot.Set(mv)
	}
	return mv
}

func (m *Map) entrySlot(key reflect.Value) Slot {
	return Slot{
		Get: func() reflect.Value { return m.value().MapIndex(key) },
		Set: func(v reflect.Value) { m.value().SetMapIndex(key, v) },
	}
}

func sortKeys(mv reflect.Value) []reflect.Value {
	if !mv.IsValid() {
		return nil
	}
	keys := mv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch a.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return a.Int() < b.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return a.Uint() < b.Uint()
		default:
			return fmt.Sprint(a.Interface()) < fmt.Sprint(b.Interface())
		}
	})
	return keys
}
