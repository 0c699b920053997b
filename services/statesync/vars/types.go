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
	"fmt"
	"reflect"
)

// ValidateType checks that t can be serialized to a client and rebuilt from
// JSON.
//
// # Rules
//
//   - bool, signed/unsigned integers (not uintptr), floats, string: accepted
//   - slices and arrays: element type must be valid
//   - maps: key kind string or integer, value type valid; map[K]struct{} is a set
//   - structs: every exported field valid; unexported fields are ignored
//   - pointers: element type valid
//   - interfaces: only the empty interface
//   - everything else (chan, func, complex, unsafe.Pointer): rejected
//
// Recursive types are accepted once their first occurrence validates.
func ValidateType(t reflect.Type) error {
	return validateType(t, make(map[reflect.Type]bool))
}

func validateType(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil

	case reflect.Slice, reflect.Array, reflect.Pointer:
		if err := validateType(t.Elem(), seen); err != nil {
			return fmt.Errorf("element of %s: %w", t, err)
		}
		return nil

	case reflect.Map:
		if !isKeyKind(t.Key().Kind()) {
			return fmt.Errorf("map key %s is not a string or integer", t.Key())
		}
		if err := validateType(t.Elem(), seen); err != nil {
			return fmt.Errorf("value of %s: %w", t, err)
		}
		return nil

	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if err := validateType(f.Type, seen); err != nil {
				return fmt.Errorf("field %s.%s: %w", t.Name(), f.Name, err)
			}
		}
		return nil

	case reflect.Interface:
		if t.NumMethod() != 0 {
			return fmt.Errorf("interface %s has methods", t)
		}
		return nil

	default:
		return fmt.Errorf("kind %s is not serializable", t.Kind())
	}
}

func isKeyKind(k reflect.Kind) bool {
	switch k {
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// IsSetType reports whether t is a set, modeled as map[K]struct{}.
func IsSetType(t reflect.Type) bool {
	return t.Kind() == reflect.Map && t.Elem().Kind() == reflect.Struct && t.Elem().NumField() == 0
}

// IsContainerType reports whether values of t are mutable containers that the
// mutation proxy tracks.
func IsContainerType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Map:
		return true
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				return true
			}
		}
	}
	return false
}
