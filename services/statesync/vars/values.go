// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vars

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Unwrapper is implemented by tracking proxies that hold a plain value.
type Unwrapper interface {
	Unwrap() any
}

// Unwrap strips any number of proxy layers from v.
func Unwrap(v any) any {
	for {
		u, ok := v.(Unwrapper)
		if !ok {
			return v
		}
		v = u.Unwrap()
	}
}

// =============================================================================
// DeepCopy
// =============================================================================

// DeepCopy returns a copy of v that shares no mutable memory with it.
//
// Slices, maps, pointers, arrays, structs (exported fields) and interface
// values are copied recursively. Proxies are unwrapped first.
func DeepCopy(v any) any {
	v = Unwrap(v)
	if v == nil {
		return nil
	}
	return deepCopy(reflect.ValueOf(v)).Interface()
}

func deepCopy(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(deepCopy(rv.Index(i)))
		}
		return out

	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(deepCopy(rv.Index(i)))
		}
		return out

	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out

	case reflect.Pointer:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(deepCopy(rv.Elem()))
		return out

	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				out.Field(i).Set(deepCopy(rv.Field(i)))
			}
		}
		return out

	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(deepCopy(rv.Elem()))
		return out

	default:
		return rv
	}
}

// =============================================================================
// Coerce
// =============================================================================

// Coerce converts v to type t.
//
// # Description
//
// Values already assignable to t are returned as is. Numbers convert between
// numeric kinds when no precision is lost (3.0 -> 3, but not 3.5 -> 3), which
// matters for payloads decoded from JSON as float64. Slices convert to sets.
// Anything else goes through a JSON round trip, so map[string]any payloads
// decode into structs.
//
// # Outputs
//
//   - any: a value whose dynamic type is t (or nil for nil-able t).
//   - error: wraps ErrConversion.
func Coerce(v any, t reflect.Type) (any, error) {
	v = Unwrap(v)
	if v == nil {
		return reflect.Zero(t).Interface(), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Type() == t {
		return v, nil
	}
	if t.Kind() == reflect.Interface && rv.Type().Implements(t) {
		return v, nil
	}
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out.Interface(), nil
	}
	if isNumberKind(rv.Kind()) && isNumberKind(t.Kind()) {
		return convertNumber(rv, t)
	}
	if rv.Kind() == reflect.String && t.Kind() == reflect.String {
		return rv.Convert(t).Interface(), nil
	}
	if IsSetType(t) && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		out := reflect.MakeMapWithSize(t, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			k, err := Coerce(rv.Index(i).Interface(), t.Key())
			if err != nil {
				return nil, err
			}
			out.SetMapIndex(reflect.ValueOf(k), reflect.Zero(t.Elem()))
		}
		return out.Interface(), nil
	}

	data, err := json.Marshal(Serialize(v))
	if err != nil {
		return nil, fmt.Errorf("%w: encode %T: %v", ErrConversion, v, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %T to %s: %v", ErrConversion, v, t, err)
	}
	return ptr.Elem().Interface(), nil
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func convertNumber(rv reflect.Value, t reflect.Type) (any, error) {
	zero := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
				return nil, fmt.Errorf("%w: %v is not an integer", ErrConversion, f)
			}
			n = int64(f)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("%w: %v overflows %s", ErrConversion, u, t)
			}
			n = int64(u)
		default:
			n = rv.Int()
		}
		if zero.OverflowInt(n) {
			return nil, fmt.Errorf("%w: %v overflows %s", ErrConversion, n, t)
		}
		zero.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var u uint64
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if f != math.Trunc(f) || f < 0 || f > math.MaxUint64 {
				return nil, fmt.Errorf("%w: %v is not an unsigned integer", ErrConversion, f)
			}
			u = uint64(f)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if rv.Int() < 0 {
				return nil, fmt.Errorf("%w: %v is negative", ErrConversion, rv.Int())
			}
			u = uint64(rv.Int())
		default:
			u = rv.Uint()
		}
		if zero.OverflowUint(u) {
			return nil, fmt.Errorf("%w: %v overflows %s", ErrConversion, u, t)
		}
		zero.SetUint(u)

	default:
		zero.Set(rv.Convert(t))
	}
	return zero.Interface(), nil
}

// =============================================================================
// Serialize
// =============================================================================

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// Serialize returns a detached, JSON friendly rendition of v for deltas.
//
// Slices become []any (never nil), sets become sorted []any, maps become
// map[string]any, structs become map[string]any keyed by their json tags.
// Types with their own JSON encoding are passed through a JSON round trip.
func Serialize(v any) any {
	v = Unwrap(v)
	if v == nil {
		return nil
	}
	return serialize(reflect.ValueOf(v))
}

func serialize(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	t := rv.Type()
	if t.Kind() != reflect.Interface && t.Kind() != reflect.Pointer &&
		(t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType)) {
		return viaJSON(rv.Interface())
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return serialize(rv.Elem())

	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = serialize(rv.Index(i))
		}
		return out

	case reflect.Map:
		if IsSetType(t) {
			keys := sortedKeys(rv)
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = k.Interface()
			}
			return out
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = serialize(iter.Value())
		}
		return out

	case reflect.Struct:
		out := make(map[string]any, t.NumField())
		serializeStruct(rv, out)
		return out

	default:
		return rv.Interface()
	}
}

func serializeStruct(rv reflect.Value, out map[string]any) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		fv := rv.Field(i)
		if f.Anonymous && name == "" && fv.Kind() == reflect.Struct {
			serializeStruct(fv, out)
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out[name] = serialize(fv)
	}
}

func viaJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// sortedKeys orders map keys numerically for integer kinds and lexically
// otherwise, so set deltas are stable.
func sortedKeys(rv reflect.Value) []reflect.Value {
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch a.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return a.Int() < b.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return a.Uint() < b.Uint()
		case reflect.String:
			return a.String() < b.String()
		default:
			return fmt.Sprint(a.Interface()) < fmt.Sprint(b.Interface())
		}
	})
	return keys
}
