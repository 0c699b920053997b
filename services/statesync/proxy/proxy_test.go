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
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type item struct {
	Name  string   `json:"name"`
	Qty   int      `json:"qty"`
	Notes []string `json:"notes"`
}

type store struct {
	values map[string]any
	dirty  []string
}

func newStore(values map[string]any) *store {
	return &store{values: values}
}

func (s *store) MarkDirty(field string) error {
	s.dirty = append(s.dirty, field)
	return nil
}

func (s *store) wrap(owner Owner, name string) any {
	return Wrap(owner, name, Slot{
		Get: func() reflect.Value { return reflect.ValueOf(s.values[name]) },
		Set: func(v reflect.Value) { s.values[name] = v.Interface() },
	})
}

func (s *store) list(t *testing.T, name string) *List {
	l, ok := s.wrap(s, name).(*List)
	require.True(t, ok, "%s is not a list", name)
	return l
}

// =============================================================================
// Wrap
// =============================================================================

func TestWrap_Kinds(t *testing.T) {
	s := newStore(map[string]any{
		"n":      3,
		"items":  []string{},
		"prices": map[string]float64{},
		"tags":   map[string]struct{}{},
		"item":   item{},
		"ptr":    &item{},
		"nilptr": (*item)(nil),
	})

	assert.Equal(t, 3, s.wrap(s, "n"))
	assert.IsType(t, &List{}, s.wrap(s, "items"))
	assert.IsType(t, &Map{}, s.wrap(s, "prices"))
	assert.IsType(t, &Set{}, s.wrap(s, "tags"))
	assert.IsType(t, &Record{}, s.wrap(s, "item"))
	assert.IsType(t, &Record{}, s.wrap(s, "ptr"))
	assert.Equal(t, (*item)(nil), s.wrap(s, "nilptr"))
	assert.Nil(t, s.wrap(s, "missing"))
}

// =============================================================================
// List
// =============================================================================

func TestList_Mutations(t *testing.T) {
	s := newStore(map[string]any{"items": []string(nil)})
	l := s.list(t, "items")

	require.NoError(t, l.Append("b", "d"))
	require.NoError(t, l.Insert(0, "a"))
	require.NoError(t, l.Insert(2, "c"))
	require.NoError(t, l.Insert(99, "e"))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, s.values["items"])

	require.NoError(t, l.SetAt(-1, "E"))
	popped, err := l.Pop(0)
	require.NoError(t, err)
	assert.Equal(t, "a", popped)
	require.NoError(t, l.Remove("c"))
	assert.Equal(t, []string{"b", "d", "E"}, s.values["items"])

	require.NoError(t, l.Reverse())
	assert.Equal(t, []string{"E", "d", "b"}, s.values["items"])

	require.NoError(t, l.Sort(func(a, b any) bool { return a.(string) < b.(string) }))
	assert.Equal(t, []string{"E", "b", "d"}, s.values["items"])

	require.NoError(t, l.Extend([]string{"x", "y"}))
	assert.Equal(t, 5, l.Len())
	assert.True(t, l.Contains("x"))

	require.NoError(t, l.Clear())
	assert.Equal(t, []string{}, s.values["items"])

	assert.Len(t, s.dirty, 11)
	for _, f := range s.dirty {
		assert.Equal(t, "items", f)
	}
}

func TestList_Errors(t *testing.T) {
	s := newStore(map[string]any{"nums": []int{1}})
	l := s.list(t, "nums")

	_, err := l.At(5)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	err = l.Remove(7)
	assert.ErrorIs(t, err, ErrNotFound)

	err = l.Append("not a number")
	assert.Error(t, err)
	assert.Empty(t, s.dirty, "failed conversion must not mark dirty")

	require.NoError(t, l.Append(2.0))
	assert.Equal(t, []int{1, 2}, s.values["nums"])
}

func TestList_NestedTracking(t *testing.T) {
	s := newStore(map[string]any{
		"rows": []any{[]any{1}, map[string]any{"k": "v"}},
	})
	l := s.list(t, "rows")

	first, err := l.At(0)
	require.NoError(t, err)
	inner, ok := first.(*List)
	require.True(t, ok)
	require.NoError(t, inner.Append(2))

	second, err := l.At(1)
	require.NoError(t, err)
	m, ok := second.(*Map)
	require.True(t, ok)
	require.NoError(t, m.Set("k2", "v2"))

	assert.Equal(t, []any{[]any{1, 2}, map[string]any{"k": "v", "k2": "v2"}}, s.values["rows"])
	assert.Equal(t, []string{"rows", "rows"}, s.dirty)
}

func TestList_CopyIsDetached(t *testing.T) {
	s := newStore(map[string]any{"items": []string{"a"}})
	l := s.list(t, "items")

	cp := l.Copy().([]string)
	cp[0] = "changed"
	assert.Equal(t, []string{"a"}, s.values["items"])
	assert.Empty(t, s.dirty)

	assert.Equal(t, []string{"a"}, Copy(l))
}

// =============================================================================
// Map and Set
// =============================================================================

func TestMap_Mutations(t *testing.T) {
	s := newStore(map[string]any{"prices": map[string]float64(nil)})
	m := s.wrap(s, "prices").(*Map)

	require.NoError(t, m.Set("apple", 1))
	require.NoError(t, m.Update(map[string]any{"pear": 2.5, "fig": 3}))
	v, ok := m.Get("pear")
	require.True(t, ok)
	assert.Equal(t, 2.5, v)
	assert.Equal(t, []any{"apple", "fig", "pear"}, m.Keys())

	popped, err := m.Pop("fig")
	require.NoError(t, err)
	assert.Equal(t, 3.0, popped)

	err = m.Delete("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.SetDefault("kiwi", 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, got)

	assert.Equal(t, map[string]float64{"apple": 1, "pear": 2.5, "kiwi": 4}, s.values["prices"])

	require.NoError(t, m.Clear())
	assert.Equal(t, 0, m.Len())
}

func TestMap_NestedListAppend(t *testing.T) {
	s := newStore(map[string]any{"groups": map[string][]string{"a": {"x"}}})
	m := s.wrap(s, "groups").(*Map)

	v, ok := m.Get("a")
	require.True(t, ok)
	require.NoError(t, v.(*List).Append("y"))

	assert.Equal(t, map[string][]string{"a": {"x", "y"}}, s.values["groups"])
	assert.Equal(t, []string{"groups"}, s.dirty)
}

func TestSet_Mutations(t *testing.T) {
	s := newStore(map[string]any{"tags": map[string]struct{}(nil)})
	set := s.wrap(s, "tags").(*Set)

	require.NoError(t, set.Add("b", "a"))
	require.NoError(t, set.Update([]string{"c"}))
	assert.Equal(t, []any{"a", "b", "c"}, set.Items())
	assert.True(t, set.Has("a"))

	require.NoError(t, set.Discard("zzz"))
	require.NoError(t, set.Remove("a"))
	assert.ErrorIs(t, set.Remove("a"), ErrNotFound)
	assert.Equal(t, 2, set.Len())

	require.NoError(t, set.Clear())
	assert.Equal(t, 0, set.Len())
}

// =============================================================================
// Record
// =============================================================================

func TestRecord_ByValue(t *testing.T) {
	s := newStore(map[string]any{"item": item{Name: "apple"}})
	r := s.wrap(s, "item").(*Record)

	require.NoError(t, r.SetField("qty", 3))
	notes, err := r.Field("Notes")
	require.NoError(t, err)
	require.NoError(t, notes.(*List).Append("ripe"))

	assert.Equal(t, item{Name: "apple", Qty: 3, Notes: []string{"ripe"}}, s.values["item"])

	require.NoError(t, r.ZeroField("name"))
	assert.Equal(t, "", s.values["item"].(item).Name)

	_, err = r.Field("missing")
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Equal(t, []string{"Name", "Qty", "Notes"}, r.Fields())
}

func TestRecord_ByPointer(t *testing.T) {
	it := &item{Name: "pear"}
	s := newStore(map[string]any{"item": it})
	r := s.wrap(s, "item").(*Record)

	require.NoError(t, r.SetField("Qty", 9))
	assert.Equal(t, 9, it.Qty)
}

func TestRecord_InsideSlice(t *testing.T) {
	s := newStore(map[string]any{"items": []item{{Name: "a"}}})
	l := s.list(t, "items")

	first, err := l.At(0)
	require.NoError(t, err)
	require.NoError(t, first.(*Record).SetField("Qty", 2))
	assert.Equal(t, 2, s.values["items"].([]item)[0].Qty)
}

// =============================================================================
// Guard
// =============================================================================

func TestGuard_RejectsOutsideScope(t *testing.T) {
	s := newStore(map[string]any{"items": []string{"a"}})
	open := false
	guarded := Guard(s, func() bool { return open })
	l := s.wrap(guarded, "items").(*List)

	err := l.Append("b")
	var immErr *ImmutableStateError
	require.True(t, errors.As(err, &immErr))
	assert.Equal(t, "items", immErr.Field)
	assert.ErrorIs(t, err, ErrImmutableState)
	assert.Equal(t, []string{"a"}, s.values["items"], "rejected mutation must not apply")

	items := l.Items()
	assert.Equal(t, []any{"a"}, items)

	open = true
	require.NoError(t, l.Append("b"))
	assert.Equal(t, []string{"a", "b"}, s.values["items"])
}
