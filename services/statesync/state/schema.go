// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state implements the per-session state tree.
//
// A Schema is declared once at startup and describes a tree of nodes. Each
// node owns base variables (stored) and computed variables (derived), may
// read variables of its ancestors, and registers event handlers. Every client
// session gets its own Tree built from the Schema.
//
// # Declaring a schema
//
//	root := state.NewRoot("app")
//	counter := root.Child("counter")
//	state.Declare(counter, "count", 0)
//	state.Computed(counter, "double", func(n *state.Node) (int, error) {
//	    c, err := state.Value[int](n, "count")
//	    return c * 2, err
//	}, state.DependsOn("count"))
//	counter.Handle("increment", func(ctx context.Context, n *state.Node, _ event.Payload) (any, error) {
//	    c, _ := state.Value[int](n, "count")
//	    return nil, n.Set("count", c+1)
//	})
//	schema, err := root.Build()
//
// # Dirty tracking
//
// Writes through Node.Set or through container proxies mark the variable
// dirty. Dirtiness propagates up to the root (so Delta can find the node),
// across computed variables that depend on it, and down into children whose
// computed variables read it. Delta reports exactly those variables; Clean
// resets the tracking.
//
// # Thread Safety
//
// A Schema is immutable and safe to share. A Tree is NOT safe for concurrent
// use; the session manager serializes access per token.
package state

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/vars"
)

// Names of variables every root node declares.
const (
	RouterVar   = "router"
	HydratedVar = "is_hydrated"
)

// nodeSchema is the immutable description of one node.
type nodeSchema struct {
	index    int
	parent   int
	name     string
	fullName string

	vars       *vars.Table
	children   map[string]int
	childOrder []string
	handlers   map[string]*Handler

	// owners maps every visible variable to the index of the nearest node
	// declaring it.
	owners map[string]int

	// computedDeps maps a variable name to the local computed variables
	// reading it.
	computedDeps map[string][]string

	// substateDeps maps a variable name to the children whose subtree holds
	// computed variables reading it.
	substateDeps map[string][]string

	// alwaysDirty lists the local uncached computed variables.
	alwaysDirty []string

	// subtreeAlwaysDirty is set when this node or a descendant has uncached
	// computed variables.
	subtreeAlwaysDirty bool
}

// Schema describes a state tree. Build one with NewRoot and Decl.Build.
type Schema struct {
	nodes  []*nodeSchema
	byName map[string]int
}

// =============================================================================
// Declaration
// =============================================================================

type builder struct {
	nodes []*nodeSchema
	errs  []error
	built bool
}

func (b *builder) fail(err error) {
	b.errs = append(b.errs, err)
}

// Decl declares variables, handlers and children on one node of a schema
// under construction. Errors are collected and reported by Build.
type Decl struct {
	b   *builder
	idx int
}

// NewRoot starts a schema whose root node is called name.
//
// The root declares the router variable (client page and connection data)
// and is_hydrated.
func NewRoot(name string) *Decl {
	b := &builder{}
	d := b.add(-1, name)
	Declare(d, RouterVar, RouterData{})
	Declare(d, HydratedVar, false)
	return d
}

func (b *builder) add(parent int, name string) *Decl {
	ns := &nodeSchema{
		index:        len(b.nodes),
		parent:       parent,
		name:         name,
		fullName:     name,
		children:     make(map[string]int),
		handlers:     make(map[string]*Handler),
		computedDeps: make(map[string][]string),
		substateDeps: make(map[string][]string),
	}
	if name == "" || strings.ContainsAny(name, ". \t\n") {
		b.fail(fmt.Errorf("%q: %w", name, ErrInvalidNodeName))
	}
	if parent >= 0 {
		p := b.nodes[parent]
		ns.fullName = p.fullName + "." + name
		if _, dup := p.children[name]; dup {
			b.fail(fmt.Errorf("%s.%s: %w", p.fullName, name, ErrDuplicateChild))
		} else {
			p.children[name] = ns.index
			p.childOrder = append(p.childOrder, name)
		}
	}
	ns.vars = vars.NewTable(ns.fullName)
	b.nodes = append(b.nodes, ns)
	return &Decl{b: b, idx: ns.index}
}

func (d *Decl) node() *nodeSchema {
	return d.b.nodes[d.idx]
}

// Name returns the fully qualified node name.
func (d *Decl) Name() string {
	return d.node().fullName
}

// Child declares a child node.
func (d *Decl) Child(name string) *Decl {
	return d.b.add(d.idx, name)
}

// Declare adds a base variable of type T with default def.
//
// Names starting with "_" declare backend variables, which are stored and
// persisted but never sent to clients.
func Declare[T any](d *Decl, name string, def T) {
	DeclareType(d, name, reflect.TypeFor[T](), def)
}

// DeclareType adds a base variable of an explicit type. def is coerced to t.
func DeclareType(d *Decl, name string, t reflect.Type, def any) {
	v, err := vars.NewBase(name, t, def)
	if err != nil {
		d.b.fail(fmt.Errorf("%s: %w", d.Name(), err))
		return
	}
	d.declare(v)
}

func (d *Decl) declare(v *vars.Var) {
	if err := d.node().vars.Declare(v); err != nil {
		d.b.fail(err)
	}
}

// ComputedOption configures a computed variable.
type ComputedOption func(*computedOptions)

type computedOptions struct {
	deps   []string
	cached bool
}

// DependsOn lists the variables, local or inherited, the compute function
// reads. A change to any of them invalidates the cached value.
func DependsOn(names ...string) ComputedOption {
	return func(o *computedOptions) {
		o.deps = append(o.deps, names...)
	}
}

// Uncached makes the variable recompute on every read and appear in every
// delta.
func Uncached() ComputedOption {
	return func(o *computedOptions) {
		o.cached = false
	}
}

// Computed adds a variable derived by fn.
func Computed[T any](d *Decl, name string, fn func(n *Node) (T, error), opts ...ComputedOption) {
	o := computedOptions{cached: true}
	for _, opt := range opts {
		opt(&o)
	}

	var compute vars.ComputeFunc
	if fn != nil {
		compute = func(r vars.Reader) (any, error) {
			return fn(r.(*Node))
		}
	}
	v, err := vars.NewComputed(name, reflect.TypeFor[T](), compute, o.deps, o.cached)
	if err != nil {
		d.b.fail(fmt.Errorf("%s: %w", d.Name(), err))
		return
	}
	d.declare(v)
}

// Handle registers a plain event handler.
func (d *Decl) Handle(name string, fn HandlerFunc) *Decl {
	return d.register(&Handler{Name: name, Kind: KindPlain, Fn: fn}, fn == nil)
}

// Stream registers a handler that yields intermediate updates.
func (d *Decl) Stream(name string, fn StreamFunc) *Decl {
	return d.register(&Handler{Name: name, Kind: KindStream, Stream: fn}, fn == nil)
}

// Background registers a handler that runs outside the session lock.
func (d *Decl) Background(name string, fn BackgroundFunc) *Decl {
	return d.register(&Handler{Name: name, Kind: KindBackground, Background: fn}, fn == nil)
}

// Upload registers a plain handler that receives uploaded files as
// []event.File under payload[param].
func (d *Decl) Upload(name, param string, fn HandlerFunc) *Decl {
	if param == "" {
		d.b.fail(fmt.Errorf("%s.%s: upload handler needs a parameter name", d.Name(), name))
		return d
	}
	return d.register(&Handler{Name: name, Kind: KindPlain, Fn: fn, UploadParam: param}, fn == nil)
}

func (d *Decl) register(h *Handler, missing bool) *Decl {
	ns := d.node()
	switch {
	case missing:
		d.b.fail(fmt.Errorf("%s.%s: handler function is nil", ns.fullName, h.Name))
	case h.Name == "" || strings.Contains(h.Name, "."):
		d.b.fail(fmt.Errorf("%s: handler name %q: %w", ns.fullName, h.Name, ErrInvalidNodeName))
	default:
		if _, dup := ns.handlers[h.Name]; dup {
			d.b.fail(fmt.Errorf("%s.%s: %w", ns.fullName, h.Name, ErrDuplicateHandler))
			return d
		}
		ns.handlers[h.Name] = h
	}
	return d
}

// =============================================================================
// Build
// =============================================================================

// Build validates the whole schema d belongs to and freezes it.
//
// # Outputs
//
//   - *Schema: the immutable schema.
//   - error: every declaration error joined, including computed dependencies
//     that are not visible from their node (ErrUnknownDependency).
func (d *Decl) Build() (*Schema, error) {
	b := d.b
	if b.built {
		return nil, errors.New("schema already built")
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	// Parents always precede their children in b.nodes.
	for _, ns := range b.nodes {
		ns.owners = make(map[string]int)
		if ns.parent >= 0 {
			for name, idx := range b.nodes[ns.parent].owners {
				ns.owners[name] = idx
			}
		}
		for _, name := range ns.vars.Names() {
			ns.owners[name] = ns.index
		}
		addSetters(ns)
	}

	for _, ns := range b.nodes {
		for _, v := range ns.vars.Computed() {
			if !v.Cached {
				ns.alwaysDirty = append(ns.alwaysDirty, v.Name)
			}
			for _, dep := range v.Deps {
				owner, ok := ns.owners[dep]
				if !ok {
					b.fail(fmt.Errorf("%s.%s depends on %q: %w", ns.fullName, v.Name, dep, ErrUnknownDependency))
					continue
				}
				ns.computedDeps[dep] = appendUnique(ns.computedDeps[dep], v.Name)
				if owner != ns.index {
					b.linkSubstate(ns, dep, owner)
				}
			}
		}
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	for i := len(b.nodes) - 1; i >= 0; i-- {
		ns := b.nodes[i]
		if len(ns.alwaysDirty) > 0 {
			ns.subtreeAlwaysDirty = true
		}
		if ns.subtreeAlwaysDirty && ns.parent >= 0 {
			b.nodes[ns.parent].subtreeAlwaysDirty = true
		}
	}

	s := &Schema{nodes: b.nodes, byName: make(map[string]int, len(b.nodes))}
	for _, ns := range b.nodes {
		s.byName[ns.fullName] = ns.index
	}
	b.built = true
	return s, nil
}

// linkSubstate records, on every node from ns's parent up to the declaring
// owner, which child leads toward a computed variable reading dep.
func (b *builder) linkSubstate(ns *nodeSchema, dep string, owner int) {
	cur := ns
	for cur.parent >= 0 {
		p := b.nodes[cur.parent]
		p.substateDeps[dep] = appendUnique(p.substateDeps[dep], cur.name)
		if p.index == owner {
			return
		}
		cur = p
	}
}

// addSetters registers set_<name> for every client-visible base variable
// except the root router, unless a handler with that name was declared
// explicitly.
func addSetters(ns *nodeSchema) {
	for _, v := range ns.vars.Base() {
		if v.Backend || (ns.parent < 0 && v.Name == RouterVar) {
			continue
		}
		name := SetterName(v.Name)
		if _, exists := ns.handlers[name]; exists {
			continue
		}
		ns.handlers[name] = &Handler{Name: name, Kind: KindPlain, Fn: setter(v.Name)}
	}
}

func appendUnique(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}

// =============================================================================
// Schema accessors
// =============================================================================

// RootName returns the name of the root node.
func (s *Schema) RootName() string {
	return s.nodes[0].name
}

// NodeNames returns every fully qualified node name, parents first.
func (s *Schema) NodeNames() []string {
	out := make([]string, len(s.nodes))
	for i, ns := range s.nodes {
		out[i] = ns.fullName
	}
	return out
}

// Handlers returns every fully qualified handler name, sorted.
func (s *Schema) Handlers() []string {
	var out []string
	for _, ns := range s.nodes {
		for name := range ns.handlers {
			out = append(out, ns.fullName+"."+name)
		}
	}
	slices.Sort(out)
	return out
}

// Handler resolves a fully qualified handler name such as
// "app.cart.add_item" without instantiating a tree. It fails like
// Tree.Handler.
func (s *Schema) Handler(name string) (*Handler, error) {
	_, h, err := s.resolveHandler(name)
	return h, err
}

// resolveHandler returns the index of the handler's node and the handler.
func (s *Schema) resolveHandler(name string) (int, *Handler, error) {
	path, handler := event.SplitName(name)
	if path == "" {
		return -1, nil, &UnknownHandlerError{Name: name}
	}
	idx, ok := s.byName[path]
	if !ok {
		return -1, nil, &InvalidPathError{Path: path, Segment: s.missingSegment(path)}
	}
	h, ok := s.nodes[idx].handlers[handler]
	if !ok {
		return -1, nil, &UnknownHandlerError{Name: name}
	}
	return idx, h, nil
}

// missingSegment returns the first segment of path that names no node.
func (s *Schema) missingSegment(path string) string {
	prefix := ""
	for _, seg := range strings.Split(path, ".") {
		if prefix != "" {
			prefix += "."
		}
		prefix += seg
		if _, ok := s.byName[prefix]; !ok {
			return seg
		}
	}
	return path
}

// NewTree creates a tree with every variable at its default.
func (s *Schema) NewTree() *Tree {
	t := &Tree{schema: s, nodes: make([]*Node, len(s.nodes))}
	for i, ns := range s.nodes {
		n := newNode(t, ns)
		for _, v := range ns.vars.Base() {
			n.values[v.Name] = v.DefaultValue()
		}
		t.nodes[i] = n
	}
	return t
}
