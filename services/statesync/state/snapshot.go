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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/AleutianAI/statesync/services/statesync/vars"
)

// ErrIncompatibleSnapshot indicates a snapshot taken from a schema with a
// different root.
var ErrIncompatibleSnapshot = errors.New("snapshot does not match schema")

// snapshotVersion is bumped when the encoding changes incompatibly.
const snapshotVersion = 1

type snapshot struct {
	Version int                                   `json:"version"`
	Root    string                                `json:"root"`
	Nodes   map[string]map[string]json.RawMessage `json:"nodes"`
}

// Snapshot encodes every stored variable, backend ones included, keyed by
// fully qualified node name. Dirty tracking and caches are not encoded.
func (t *Tree) Snapshot() ([]byte, error) {
	snap := snapshot{
		Version: snapshotVersion,
		Root:    t.schema.RootName(),
		Nodes:   make(map[string]map[string]json.RawMessage, len(t.nodes)),
	}
	for _, n := range t.nodes {
		values := make(map[string]json.RawMessage, len(n.values))
		for name, value := range n.values {
			data, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s.%s: %w", n.s.fullName, name, err)
			}
			values[name] = data
		}
		snap.Nodes[n.s.fullName] = values
	}
	return json.Marshal(snap)
}

// Restore decodes a snapshot into a new clean tree.
//
// Variables missing from the snapshot keep their defaults; nodes and
// variables the schema no longer declares are ignored.
func (s *Schema) Restore(data []byte) (*Tree, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion || snap.Root != s.RootName() {
		return nil, fmt.Errorf("snapshot v%d of %q into schema %q: %w",
			snap.Version, snap.Root, s.RootName(), ErrIncompatibleSnapshot)
	}

	t := s.NewTree()
	for fullName, values := range snap.Nodes {
		idx, ok := s.byName[fullName]
		if !ok {
			continue
		}
		n := t.nodes[idx]
		for name, raw := range values {
			v, ok := n.s.vars.Lookup(name)
			if !ok || v.Computed {
				continue
			}
			ptr := reflect.New(v.Type)
			if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
				return nil, fmt.Errorf("restore %s.%s: %w", fullName, name, err)
			}
			n.values[name] = ptr.Elem().Interface()
		}
	}
	return t, nil
}

// Clone returns a clean deep copy of t sharing no mutable memory with it.
func (t *Tree) Clone() *Tree {
	c := &Tree{schema: t.schema, nodes: make([]*Node, len(t.nodes))}
	for i, n := range t.nodes {
		cn := newNode(c, n.s)
		for name, value := range n.values {
			cn.values[name] = vars.DeepCopy(value)
		}
		c.nodes[i] = cn
	}
	return c
}
