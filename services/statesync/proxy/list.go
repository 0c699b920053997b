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

// List tracks a slice variable.
//
// Negative indexes count from the end, so At(-1) is the last element.
type List struct {
	base
}

// Len returns the number of elements.
func (l *List) Len() int {
	v := l.value()
	if !v.IsValid() {
		return 0
	}
	return v.Len()
}

// At returns element i, wrapped if it is a container.
func (l *List) At(i int) (any, error) {
	idx, err := l.index(i)
	if err != nil {
		return nil, err
	}
	return l.wrap(l.elemSlot(idx)), nil
}

// Items returns every element, containers wrapped.
func (l *List) Items() []any {
	n := l.Len()
	out := make([]any, n)
	for i := 0; i < n; i++ {
		out[i] = l.wrap(l.elemSlot(i))
	}
	return out
}

// Index returns the position of the first element equal to v, or -1.
func (l *List) Index(v any) int {
	s := l.value()
	cv, err := convert(v, s.Type().Elem())
	if err != nil {
		return -1
	}
	for i := 0; i < s.Len(); i++ {
		if reflect.DeepEqual(s.Index(i).Interface(), cv.Interface()) {
			return i
		}
	}
	return -1
}

// Contains reports whether an element equal to v exists.
func (l *List) Contains(v any) bool {
	return l.Index(v) >= 0
}

// Append adds values to the end.
func (l *List) Append(values ...any) error {
	s := l.value()
	converted, err := l.convertAll(s.Type().Elem(), values)
	if err != nil {
		return err
	}
	if err := l.mark(); err != nil {
		return err
	}
	l.slot.Set(reflect.Append(s, converted...))
	return nil
}

// Extend appends every element of a slice or array.
func (l *List) Extend(values any) error {
	rv := reflect.ValueOf(values)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("extend %s with %T: not a slice", l.field, values)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return l.Append(items...)
}

// Insert places v before position i. Out of range positions clamp to the
// ends of the list.
func (l *List) Insert(i int, v any) error {
	s := l.value()
	cv, err := convert(v, s.Type().Elem())
	if err != nil {
		return err
	}
	n := s.Len()
	if i < 0 {
		i += n
	}
	i = max(0, min(i, n))

	if err := l.mark(); err != nil {
		return err
	}
	out := reflect.MakeSlice(s.Type(), 0, n+1)
	out = reflect.AppendSlice(out, s.Slice(0, i))
	out = reflect.Append(out, cv)
	out = reflect.AppendSlice(out, s.Slice(i, n))
	l.slot.Set(out)
	return nil
}

// SetAt replaces element i.
func (l *List) SetAt(i int, v any) error {
	idx, err := l.index(i)
	if err != nil {
		return err
	}
	s := l.value()
	cv, err := convert(v, s.Type().Elem())
	if err != nil {
		return err
	}
	if err := l.mark(); err != nil {
		return err
	}
	s.Index(idx).Set(cv)
	return nil
}

// DeleteAt removes element i.
func (l *List) DeleteAt(i int) error {
	_, err := l.Pop(i)
	return err
}

// Pop removes and returns element i as a detached value.
func (l *List) Pop(i int) (any, error) {
	idx, err := l.index(i)
	if err != nil {
		return nil, err
	}
	if err := l.mark(); err != nil {
		return nil, err
	}
	s := l.value()
	removed := Copy(s.Index(idx).Interface())
	n := s.Len()
	out := reflect.MakeSlice(s.Type(), 0, n-1)
	out = reflect.AppendSlice(out, s.Slice(0, idx))
	out = reflect.AppendSlice(out, s.Slice(idx+1, n))
	l.slot.Set(out)
	return removed, nil
}

// Remove deletes the first element equal to v.
//
// Returns ErrNotFound when no element matches.
func (l *List) Remove(v any) error {
	idx := l.Index(v)
	if idx < 0 {
		return fmt.Errorf("remove %v from %s: %w", v, l.field, ErrNotFound)
	}
	return l.DeleteAt(idx)
}

// Clear removes every element.
func (l *List) Clear() error {
	if err := l.mark(); err != nil {
		return err
	}
	l.slot.Set(reflect.MakeSlice(l.value().Type(), 0, 0))
	return nil
}

// Reverse reverses the list in place.
func (l *List) Reverse() error {
	if err := l.mark(); err != nil {
		return err
	}
	s := l.value()
	swap := reflect.Swapper(s.Interface())
	for i, j := 0, s.Len()-1; i < j; i, j = i+1, j-1 {
		swap(i, j)
	}
	return nil
}

// Sort orders the list with less, which receives plain element values.
func (l *List) Sort(less func(a, b any) bool) error {
	if err := l.mark(); err != nil {
		return err
	}
	s := l.value()
	items := s.Interface()
	sort.SliceStable(items, func(i, j int) bool {
		return less(s.Index(i).Interface(), s.Index(j).Interface())
	})
	return nil
}

func (l *List) index(i int) (int, error) {
	n := l.Len()
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("%s[%d] (len %d): %w", l.field, i, n, ErrIndexOutOfRange)
	}
	return i, nil
}

func (l *List) elemSlot(i int) Slot {
	return Slot{
		Get: func() reflect.Value { return l.value().Index(i) },
		Set: func(v reflect.Value) { l.value().Index(i).Set(v) },
	}
}

func (l *List) convertAll(t reflect.Type, values []any) ([]reflect.Value, error) {
	out := make([]reflect.Value, len(values))
	for i, v := range values {
		cv, err := convert(v, t)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}
