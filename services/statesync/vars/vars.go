// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vars implements the variable model of a state node.
//
// A variable is a named, typed slot of per-session state. Base variables are
// stored directly; computed variables are derived from other variables by a
// pure function and may be cached. Dependencies of a computed variable are
// declared explicitly as a list of names.
//
// # Value Shapes
//
// Only JSON shaped Go types are accepted: booleans, numbers, strings, slices,
// maps keyed by strings or integers, sets (map[K]struct{}), structs and
// pointers built from those, and the empty interface. See ValidateType.
//
// # Thread Safety
//
// Var and Table are immutable after schema construction and safe to share
// between sessions. Values are owned by the per-session state tree.
package vars

import (
	"fmt"
	"reflect"
	"strings"
)

// Reader reads variable values by name. It is implemented by state nodes and
// passed to computed variable functions.
type Reader interface {
	Get(name string) (any, error)
}

// ComputeFunc derives a computed variable's value.
type ComputeFunc func(r Reader) (any, error)

// Var declares one variable of a state node.
type Var struct {
	// Name is unique within the declaring node.
	Name string

	// Type is the declared Go type. Values are coerced to it on assignment.
	Type reflect.Type

	// Default is the value a new session starts with and Reset restores.
	Default any

	// Backend variables are stored and persisted but never sent to clients.
	Backend bool

	// Computed variables have no stored value; Compute derives them.
	Computed bool

	// Cached computed variables memoize their value until a dependency changes.
	// Uncached computed variables are recomputed and sent with every delta.
	Cached bool

	// Compute derives the value of a computed variable.
	Compute ComputeFunc

	// Deps lists the variable names Compute reads.
	Deps []string
}

// NewBase declares a stored variable of type t.
//
// Names starting with "_" are backend variables. def must be assignable or
// convertible to t; a nil def yields the zero value of t.
func NewBase(name string, t reflect.Type, def any) (*Var, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &InvalidVariableTypeError{Name: name, Type: "<nil>", Reason: "type is required"}
	}
	if err := ValidateType(t); err != nil {
		return nil, &InvalidVariableTypeError{Name: name, Type: t.String(), Reason: err.Error()}
	}

	value, err := Coerce(def, t)
	if err != nil {
		return nil, &InvalidVariableTypeError{Name: name, Type: t.String(), Reason: err.Error()}
	}

	return &Var{
		Name:    name,
		Type:    t,
		Default: value,
		Backend: IsBackendName(name),
	}, nil
}

// NewComputed declares a derived variable of type t.
//
// deps names every variable fn reads, local or inherited; the state schema
// validates them when it is built.
func NewComputed(name string, t reflect.Type, fn ComputeFunc, deps []string, cached bool) (*Var, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &InvalidVariableTypeError{Name: name, Type: "<nil>", Reason: "type is required"}
	}
	if err := ValidateType(t); err != nil {
		return nil, &InvalidVariableTypeError{Name: name, Type: t.String(), Reason: err.Error()}
	}
	if fn == nil {
		return nil, &InvalidVariableTypeError{Name: name, Type: t.String(), Reason: "computed variable needs a compute function"}
	}

	seen := make(map[string]struct{}, len(deps))
	uniq := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == name {
			return nil, fmt.Errorf("computed variable %q depends on itself: %w", name, ErrInvalidVariableType)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		uniq = append(uniq, d)
	}

	return &Var{
		Name:     name,
		Type:     t,
		Backend:  IsBackendName(name),
		Computed: true,
		Cached:   cached,
		Compute:  fn,
		Deps:     uniq,
	}, nil
}

// DefaultValue returns a detached copy of the declared default.
func (v *Var) DefaultValue() any {
	return DeepCopy(v.Default)
}

// IsBackendName reports whether name denotes a backend-only variable.
func IsBackendName(name string) bool {
	return strings.HasPrefix(name, "_")
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, ". \t\n") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// =============================================================================
// Table
// =============================================================================

// Table holds the variables declared on one node, in declaration order.
type Table struct {
	owner string
	order []string
	vars  map[string]*Var
}

// NewTable creates an empty table for the node named owner.
func NewTable(owner string) *Table {
	return &Table{owner: owner, vars: make(map[string]*Var)}
}

// Declare adds v to the table.
//
// Returns *DuplicateVariableError if the name is already declared here.
func (t *Table) Declare(v *Var) error {
	if _, exists := t.vars[v.Name]; exists {
		return &DuplicateVariableError{Node: t.owner, Name: v.Name}
	}
	t.vars[v.Name] = v
	t.order = append(t.order, v.Name)
	return nil
}

// Lookup returns the variable declared under name.
func (t *Table) Lookup(name string) (*Var, bool) {
	v, ok := t.vars[name]
	return v, ok
}

// Has reports whether name is declared here.
func (t *Table) Has(name string) bool {
	_, ok := t.vars[name]
	return ok
}

// Names returns all declared names in declaration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Base returns the stored variables in declaration order.
func (t *Table) Base() []*Var {
	return t.filter(func(v *Var) bool { return !v.Computed })
}

// Computed returns the computed variables in declaration order.
func (t *Table) Computed() []*Var {
	return t.filter(func(v *Var) bool { return v.Computed })
}

// Len returns the number of declared variables.
func (t *Table) Len() int {
	return len(t.order)
}

func (t *Table) filter(keep func(*Var) bool) []*Var {
	var out []*Var
	for _, name := range t.order {
		if v := t.vars[name]; keep(v) {
			out = append(out, v)
		}
	}
	return out
}
