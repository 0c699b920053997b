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
	"reflect"
	"slices"
	"strings"

	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/proxy"
	"github.com/AleutianAI/statesync/services/statesync/vars"
)

// Tree is one session's state: a node per schema node, stored in a flat
// arena indexed like the schema.
type Tree struct {
	schema *Schema
	nodes  []*Node
}

// Node is one node of a Tree.
type Node struct {
	tree *Tree
	s    *nodeSchema

	values map[string]any
	cache  map[string]any

	dirtyVars     map[string]struct{}
	dirtyChildren map[string]struct{}
}

var (
	_ vars.Reader = (*Node)(nil)
	_ proxy.Owner = (*Node)(nil)
)

func newNode(t *Tree, ns *nodeSchema) *Node {
	return &Node{
		tree:          t,
		s:             ns,
		values:        make(map[string]any, ns.vars.Len()),
		cache:         make(map[string]any),
		dirtyVars:     make(map[string]struct{}),
		dirtyChildren: make(map[string]struct{}),
	}
}

// Schema returns the schema the tree was built from.
func (t *Tree) Schema() *Schema {
	return t.schema
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.nodes[0]
}

// Node resolves a fully qualified dotted node name such as "app.cart".
//
// Returns *InvalidPathError naming the first segment that does not resolve.
func (t *Tree) Node(path string) (*Node, error) {
	root := t.Root()
	first, rest, _ := strings.Cut(path, ".")
	if first != root.s.name {
		return nil, &InvalidPathError{Path: path, Segment: first}
	}
	n, err := root.Resolve(rest)
	if err != nil {
		var pe *InvalidPathError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return n, nil
}

// Handler resolves a fully qualified handler name such as
// "app.cart.add_item" to its node and handler.
//
// # Outputs
//
//   - error: *InvalidPathError when the node path does not resolve,
//     *UnknownHandlerError when the node has no such handler.
func (t *Tree) Handler(name string) (*Node, *Handler, error) {
	idx, h, err := t.schema.resolveHandler(name)
	if err != nil {
		return nil, nil, err
	}
	return t.nodes[idx], h, nil
}

// =============================================================================
// Node navigation
// =============================================================================

// Name returns the node's local name.
func (n *Node) Name() string {
	return n.s.name
}

// FullName returns the dotted name from the root.
func (n *Node) FullName() string {
	return n.s.fullName
}

// Tree returns the tree n belongs to.
func (n *Node) Tree() *Tree {
	return n.tree
}

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node {
	if n.s.parent < 0 {
		return nil
	}
	return n.tree.nodes[n.s.parent]
}

// Children returns the child nodes in declaration order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.s.childOrder))
	for i, name := range n.s.childOrder {
		out[i] = n.child(name)
	}
	return out
}

func (n *Node) child(name string) *Node {
	return n.tree.nodes[n.s.children[name]]
}

// Resolve walks a dotted path of child names relative to n. The empty path
// resolves to n.
func (n *Node) Resolve(path string) (*Node, error) {
	if path == "" {
		return n, nil
	}
	cur := n
	for _, seg := range strings.Split(path, ".") {
		idx, ok := cur.s.children[seg]
		if !ok {
			return nil, &InvalidPathError{Path: path, Segment: seg}
		}
		cur = n.tree.nodes[idx]
	}
	return cur, nil
}

// Has reports whether name is visible from n, locally or inherited.
func (n *Node) Has(name string) bool {
	_, ok := n.s.owners[name]
	return ok
}

// Handler returns the handler registered on n under its local name.
func (n *Node) Handler(name string) (*Handler, bool) {
	h, ok := n.s.handlers[name]
	return h, ok
}

// =============================================================================
// Reads and writes
// =============================================================================

// owner returns the node declaring name as seen from n.
func (n *Node) owner(name string) (*Node, *vars.Var, error) {
	idx, ok := n.s.owners[name]
	if !ok {
		return nil, nil, &UnknownVarError{Node: n.s.fullName, Name: name}
	}
	o := n.tree.nodes[idx]
	v, _ := o.s.vars.Lookup(name)
	return o, v, nil
}

// Get returns the value of a local or inherited variable.
//
// Lists, maps, sets and structs come back as proxies (*proxy.List,
// *proxy.Map, *proxy.Set, *proxy.Record) whose mutations mark the variable
// dirty. Computed variables return a detached copy.
func (n *Node) Get(name string) (any, error) {
	return n.get(name, nil)
}

func (n *Node) get(name string, guard func(*Node) proxy.Owner) (any, error) {
	o, v, err := n.owner(name)
	if err != nil {
		return nil, err
	}
	if v.Computed {
		value, err := o.compute(v)
		if err != nil {
			return nil, err
		}
		return vars.DeepCopy(value), nil
	}

	var owner proxy.Owner = o
	if guard != nil {
		owner = guard(o)
	}
	return proxy.Wrap(owner, name, o.slot(name)), nil
}

// raw returns the stored value without proxying. The result is shared with
// the tree.
func (n *Node) raw(name string) (any, error) {
	o, v, err := n.owner(name)
	if err != nil {
		return nil, err
	}
	if v.Computed {
		return o.compute(v)
	}
	return o.values[name], nil
}

func (n *Node) slot(name string) proxy.Slot {
	return proxy.Slot{
		Get: func() reflect.Value { return reflect.ValueOf(n.values[name]) },
		Set: func(v reflect.Value) { n.values[name] = v.Interface() },
	}
}

func (n *Node) compute(v *vars.Var) (any, error) {
	if v.Cached {
		if value, ok := n.cache[v.Name]; ok {
			return value, nil
		}
	}
	value, err := v.Compute(n)
	if err != nil {
		return nil, fmt.Errorf("compute %s.%s: %w", n.s.fullName, v.Name, err)
	}
	if v.Cached {
		n.cache[v.Name] = value
	}
	return value, nil
}

// Set assigns a local or inherited base variable and marks it dirty.
//
// value is deep-copied (proxies are unwrapped) and coerced to the declared
// type. Assigning a computed variable fails with ErrReadOnlyVar.
func (n *Node) Set(name string, value any) error {
	o, v, err := n.owner(name)
	if err != nil {
		return err
	}
	if v.Computed {
		return fmt.Errorf("%s.%s: %w", o.s.fullName, name, ErrReadOnlyVar)
	}
	coerced, err := vars.Coerce(vars.DeepCopy(value), v.Type)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", o.s.fullName, name, err)
	}
	o.values[name] = coerced
	return o.MarkDirty(name)
}

// Value returns a detached copy of a variable as T.
//
// The stored value is converted with the same rules as assignment when its
// type is not T.
func Value[T any](n *Node, name string) (T, error) {
	var zero T
	raw, err := n.raw(name)
	if err != nil {
		return zero, err
	}
	cp := vars.DeepCopy(raw)
	if out, ok := cp.(T); ok {
		return out, nil
	}
	converted, err := vars.Coerce(cp, reflect.TypeFor[T]())
	if err != nil {
		return zero, fmt.Errorf("read %s.%s: %w", n.s.fullName, name, err)
	}
	if converted == nil {
		return zero, nil
	}
	return converted.(T), nil
}

// List returns a list variable as a tracking proxy.
func (n *Node) List(name string) (*proxy.List, error) {
	return as[*proxy.List](n, name, "list")
}

// Map returns a map variable as a tracking proxy.
func (n *Node) Map(name string) (*proxy.Map, error) {
	return as[*proxy.Map](n, name, "map")
}

// SetOf returns a set variable (map[K]struct{}) as a tracking proxy.
func (n *Node) SetOf(name string) (*proxy.Set, error) {
	return as[*proxy.Set](n, name, "set")
}

// Record returns a struct variable as a tracking proxy.
func (n *Node) Record(name string) (*proxy.Record, error) {
	return as[*proxy.Record](n, name, "record")
}

func as[P any](n *Node, name, kind string) (P, error) {
	var zero P
	v, err := n.Get(name)
	if err != nil {
		return zero, err
	}
	p, ok := v.(P)
	if !ok {
		return zero, fmt.Errorf("%s.%s is %T, not a %s: %w", n.s.fullName, name, v, kind, ErrWrongKind)
	}
	return p, nil
}

// =============================================================================
// Dirty tracking
// =============================================================================

// MarkDirty records a change to a variable declared on n and propagates it.
//
// Proxies call this before every mutation.
func (n *Node) MarkDirty(name string) error {
	if !n.s.vars.Has(name) {
		return &UnknownVarError{Node: n.s.fullName, Name: name}
	}
	n.dirtyVars[name] = struct{}{}
	n.propagate()
	return nil
}

// propagate makes n reachable from the root, closes the dirty set over
// computed dependencies, and pushes dirty variables into children whose
// computed variables read them.
func (n *Node) propagate() {
	if p := n.Parent(); p != nil {
		if _, ok := p.dirtyChildren[n.s.name]; !ok {
			p.dirtyChildren[n.s.name] = struct{}{}
			p.propagate()
		}
	}

	n.markComputedDirty()

	for name := range n.dirtyVars {
		for _, childName := range n.s.substateDeps[name] {
			c := n.child(childName)
			n.dirtyChildren[childName] = struct{}{}
			c.dirtyVars[name] = struct{}{}
			c.propagate()
		}
	}
}

// markComputedDirty adds every computed variable transitively depending on a
// dirty variable, dropping cached values on the way. Caches are dropped on
// every call because a dirty variable may have changed again.
func (n *Node) markComputedDirty() {
	queue := make([]string, 0, len(n.dirtyVars))
	for name := range n.dirtyVars {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, cv := range n.s.computedDeps[name] {
			delete(n.cache, cv)
			if _, seen := n.dirtyVars[cv]; !seen {
				n.dirtyVars[cv] = struct{}{}
				queue = append(queue, cv)
			}
		}
	}
}

func (n *Node) markAlwaysDirty() {
	if len(n.s.alwaysDirty) == 0 {
		return
	}
	for _, name := range n.s.alwaysDirty {
		n.dirtyVars[name] = struct{}{}
	}
	n.propagate()
}

// Dirty reports whether anything in n's subtree changed since the last Clean.
func (n *Node) Dirty() bool {
	return len(n.dirtyVars) > 0 || len(n.dirtyChildren) > 0
}

// DirtyVars returns the names currently marked dirty on n.
func (n *Node) DirtyVars() []string {
	return sortedSet(n.dirtyVars)
}

// Delta returns the client-visible changes since the last Clean, keyed by
// fully qualified node name.
//
// Only locally declared variables are reported under a node; inherited ones
// appear under their owner. Backend variables never appear. Uncached computed
// variables appear in every delta.
func (t *Tree) Delta() (event.Delta, error) {
	out := event.Delta{}
	if err := t.Root().collectDelta(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Node) collectDelta(out event.Delta) error {
	n.markAlwaysDirty()

	sub := make(map[string]any)
	for name := range n.dirtyVars {
		v, ok := n.s.vars.Lookup(name)
		if !ok || v.Backend {
			continue
		}
		value := n.values[name]
		if v.Computed {
			var err error
			if value, err = n.compute(v); err != nil {
				return err
			}
		}
		sub[name] = vars.Serialize(value)
	}
	if len(sub) > 0 {
		out[n.s.fullName] = sub
	}

	for _, name := range n.s.childOrder {
		c := n.child(name)
		if _, dirty := n.dirtyChildren[name]; dirty || c.s.subtreeAlwaysDirty {
			if err := c.collectDelta(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clean clears all dirty tracking. Cached computed values are kept.
func (t *Tree) Clean() {
	for _, n := range t.nodes {
		clear(n.dirtyVars)
		clear(n.dirtyChildren)
	}
}

// TakeDelta returns the delta and cleans the tree.
func (t *Tree) TakeDelta() (event.Delta, error) {
	d, err := t.Delta()
	if err != nil {
		return nil, err
	}
	t.Clean()
	return d, nil
}

// Dirty reports whether anything changed since the last Clean.
func (t *Tree) Dirty() bool {
	return t.Root().Dirty()
}

// =============================================================================
// Reset and Dict
// =============================================================================

// Reset restores every base variable of n's subtree to its default and marks
// it dirty. The root router variable is kept.
func (n *Node) Reset() {
	for _, v := range n.s.vars.Base() {
		if n.s.parent < 0 && v.Name == RouterVar {
			continue
		}
		n.values[v.Name] = v.DefaultValue()
		n.dirtyVars[v.Name] = struct{}{}
	}
	clear(n.cache)
	n.propagate()
	for _, c := range n.Children() {
		c.Reset()
	}
}

// Dict returns the client-visible values of n's subtree: base and computed
// variables, plus one nested map per child under its local name.
func (n *Node) Dict() (map[string]any, error) {
	n.markAlwaysDirty()

	out := make(map[string]any, n.s.vars.Len()+len(n.s.childOrder))
	for _, v := range n.s.vars.Base() {
		if !v.Backend {
			out[v.Name] = vars.Serialize(n.values[v.Name])
		}
	}
	for _, v := range n.s.vars.Computed() {
		if v.Backend {
			continue
		}
		value, err := n.compute(v)
		if err != nil {
			return nil, err
		}
		out[v.Name] = vars.Serialize(value)
	}
	for _, c := range n.Children() {
		sub, err := c.Dict()
		if err != nil {
			return nil, err
		}
		out[c.s.name] = sub
	}
	return out, nil
}

// FullDelta returns the whole tree as a delta with a single entry for the
// root. Clients use it to replace their state wholesale.
func (t *Tree) FullDelta() (event.Delta, error) {
	root := t.Root()
	d, err := root.Dict()
	if err != nil {
		return nil, err
	}
	return event.Delta{root.s.fullName: d}, nil
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
