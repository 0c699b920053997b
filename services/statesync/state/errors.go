// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"errors"
	"fmt"
)

// Sentinel errors for schema construction and tree access.
var (
	// ErrInvalidPath indicates a dotted node path with an unknown segment.
	ErrInvalidPath = errors.New("invalid state path")

	// ErrUnknownHandler indicates an event naming a handler that does not exist.
	ErrUnknownHandler = errors.New("unknown event handler")

	// ErrUnknownVar indicates a read or write of an undeclared variable.
	ErrUnknownVar = errors.New("unknown variable")

	// ErrUnknownDependency indicates a computed variable depending on a name
	// that is not visible from its node.
	ErrUnknownDependency = errors.New("unknown computed dependency")

	// ErrReadOnlyVar indicates an assignment to a computed variable.
	ErrReadOnlyVar = errors.New("computed variables are read-only")

	// ErrWrongKind indicates a typed accessor used on a variable of another shape.
	ErrWrongKind = errors.New("variable has a different kind")

	// ErrDuplicateHandler indicates two handlers with the same name on a node.
	ErrDuplicateHandler = errors.New("duplicate handler")

	// ErrDuplicateChild indicates two children with the same name on a node.
	ErrDuplicateChild = errors.New("duplicate child state")

	// ErrInvalidNodeName indicates an empty or dotted node name.
	ErrInvalidNodeName = errors.New("invalid state name")
)

// InvalidPathError reports the first path segment that does not resolve.
type InvalidPathError struct {
	Path    string
	Segment string
}

// Error returns a human-readable error message.
func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("path %q: no state named %q", e.Path, e.Segment)
}

// Unwrap returns ErrInvalidPath for errors.Is support.
func (e *InvalidPathError) Unwrap() error {
	return ErrInvalidPath
}

// UnknownHandlerError reports an event name without a matching handler.
type UnknownHandlerError struct {
	Name string
}

// Error returns a human-readable error message.
func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("no event handler named %q", e.Name)
}

// Unwrap returns ErrUnknownHandler for errors.Is support.
func (e *UnknownHandlerError) Unwrap() error {
	return ErrUnknownHandler
}

// UnknownVarError reports access to an undeclared variable.
type UnknownVarError struct {
	Node string
	Name string
}

// Error returns a human-readable error message.
func (e *UnknownVarError) Error() string {
	return fmt.Sprintf("%s has no variable %q", e.Node, e.Name)
}

// Unwrap returns ErrUnknownVar for errors.Is support.
func (e *UnknownVarError) Unwrap() error {
	return ErrUnknownVar
}
