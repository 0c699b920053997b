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
	"errors"
	"fmt"
)

// Sentinel errors for variable declaration and conversion.
var (
	// ErrDuplicateVariable indicates a name is already declared on the node.
	ErrDuplicateVariable = errors.New("duplicate variable")

	// ErrInvalidVariableType indicates a type that cannot be synced to a client.
	ErrInvalidVariableType = errors.New("invalid variable type")

	// ErrInvalidName indicates an empty or dotted variable name.
	ErrInvalidName = errors.New("invalid variable name")

	// ErrConversion indicates a value could not be converted to a declared type.
	ErrConversion = errors.New("value conversion failed")
)

// DuplicateVariableError reports a second declaration of the same name on
// one node.
//
// # Fields
//
//   - Node: Fully qualified name of the declaring node.
//   - Name: The duplicated variable name.
type DuplicateVariableError struct {
	Node string
	Name string
}

// Error returns a human-readable error message.
func (e *DuplicateVariableError) Error() string {
	return fmt.Sprintf("variable %q already declared on %s", e.Name, e.Node)
}

// Unwrap returns ErrDuplicateVariable for errors.Is support.
func (e *DuplicateVariableError) Unwrap() error {
	return ErrDuplicateVariable
}

// InvalidVariableTypeError reports a declaration whose type is not JSON shaped.
//
// # Fields
//
//   - Name: The variable name.
//   - Type: The rejected Go type, as printed by reflect.
//   - Reason: Which part of the type was rejected.
type InvalidVariableTypeError struct {
	Name   string
	Type   string
	Reason string
}

// Error returns a human-readable error message.
func (e *InvalidVariableTypeError) Error() string {
	return fmt.Sprintf("variable %q has invalid type %s: %s", e.Name, e.Type, e.Reason)
}

// Unwrap returns ErrInvalidVariableType for errors.Is support.
func (e *InvalidVariableTypeError) Unwrap() error {
	return ErrInvalidVariableType
}
