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
	"strings"
)

// Record tracks a struct variable, stored by value or by pointer.
//
// Fields are addressed by Go name or by json tag name.
type Record struct {
	base
}

// Fields returns the exported field names in declaration order.
func (r *Record) Fields() []string {
	t := r.structValue().Type()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			out = append(out, t.Field(i).Name)
		}
	}
	return out
}

// Field returns a field value, wrapped if it is a container.
func (r *Record) Field(name string) (any, error) {
	idx, err := r.fieldIndex(name)
	if err != nil {
		return nil, err
	}
	return r.wrap(r.fieldSlot(idx)), nil
}

// SetField assigns a field.
func (r *Record) SetField(name string, v any) error {
	idx, err := r.fieldIndex(name)
	if err != nil {
		return err
	}
	cv, err := convert(v, r.structValue().Type().Field(idx).Type)
	if err != nil {
		return err
	}
	if err := r.mark(); err != nil {
		return err
	}
	r.fieldSlot(idx).Set(cv)
	return nil
}

// ZeroField resets a field to its zero value.
func (r *Record) ZeroField(name string) error {
	idx, err := r.fieldIndex(name)
	if err != nil {
		return err
	}
	if err := r.mark(); err != nil {
		return err
	}
	r.fieldSlot(idx).Set(reflect.Zero(r.structValue().Type().Field(idx).Type))
	return nil
}

// structValue dereferences pointer records.
func (r *Record) structValue() reflect.Value {
	v := r.value()
	if v.Kind() == reflect.Pointer {
		return v.Elem()
	}
	return v
}

func (r *Record) fieldIndex(name string) (int, error) {
	t := r.structValue().Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if f.Name == name || (tag != "" && tag == name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%s.%s: %w", r.field, name, ErrUnknownField)
}

// fieldSlot reads a field and writes it back. Pointer records are addressable
// and updated in place; by-value records are copied, modified and stored
// through the parent slot.
func (r *Record) fieldSlot(idx int) Slot {
	return Slot{
		Get: func() reflect.Value { return r.structValue().Field(idx) },
		Set: func(v reflect.Value) {
			if sv := r.structValue(); sv.CanAddr() {
				sv.Field(idx).Set(v)
				return
			}
			cp := reflect.New(r.structValue().Type()).Elem()
			cp.Set(r.structValue())
			cp.Field(idx).Set(v)
			r.slot.Set(cp)
		},
	}
}
