// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package demo declares the example states served by `statesync serve`.
//
// # Description
//
// Each Declare* function adds one feature to a node, so tests can mount a
// feature under any root. Schema mounts all of them under "demo":
//
//	demo.counter   count, is_even (uncached)       increment, decrement
//	demo.cart      items, size                     add, remove, clear
//	demo.progress  percent, running                run (stream)
//	demo.jobs      status, result, _runs           fetch (background)
//	demo.files     names, total_bytes              receive (upload)
package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/state"
)

// RootName is the root node of Schema.
const RootName = "demo"

// ErrMissingArgument indicates a handler payload lacks a required key.
var ErrMissingArgument = errors.New("missing argument")

// StepDelay is the pause between progress steps and job phases. Tests lower
// it.
var StepDelay = 200 * time.Millisecond

// Schema builds the demo schema.
func Schema() (*state.Schema, error) {
	root := state.NewRoot(RootName)
	DeclareCounter(root.Child("counter"))
	DeclareCart(root.Child("cart"))
	DeclareProgress(root.Child("progress"))
	DeclareJobs(root.Child("jobs"))
	DeclareFiles(root.Child("files"))
	return root.Build()
}

// OnLoad returns the events run after a page of the demo hydrates.
func OnLoad() map[string][]event.Spec {
	return map[string][]event.Spec{
		"/": {event.ConsoleLog("statesync demo loaded")},
		"/cart": {
			event.ConsoleLog("cart loaded"),
			event.SetFocus("cart-input"),
		},
	}
}

func stringArg(args event.Payload, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%q: %w", key, ErrMissingArgument)
	}
	return v, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Counter
// =============================================================================

// DeclareCounter adds count and the uncached is_even to d.
func DeclareCounter(d *state.Decl) {
	state.Declare(d, "count", 0)
	state.Computed(d, "is_even", func(n *state.Node) (bool, error) {
		c, err := state.Value[int](n, "count")
		return c%2 == 0, err
	}, state.Uncached())

	d.Handle("increment", func(_ context.Context, n *state.Node, _ event.Payload) (any, error) {
		return nil, addCount(n, 1)
	})
	d.Handle("decrement", func(_ context.Context, n *state.Node, _ event.Payload) (any, error) {
		return nil, addCount(n, -1)
	})
}

func addCount(n *state.Node, by int) error {
	c, err := state.Value[int](n, "count")
	if err != nil {
		return err
	}
	return n.Set("count", c+by)
}

// =============================================================================
// Cart
// =============================================================================

// DeclareCart adds a string list edited in place through its proxy.
func DeclareCart(d *state.Decl) {
	state.Declare(d, "items", []string{})
	state.Computed(d, "size", func(n *state.Node) (int, error) {
		items, err := state.Value[[]string](n, "items")
		return len(items), err
	}, state.DependsOn("items"))

	d.Handle("add", func(_ context.Context, n *state.Node, args event.Payload) (any, error) {
		item, err := stringArg(args, "item")
		if err != nil {
			return nil, err
		}
		items, err := n.List("items")
		if err != nil {
			return nil, err
		}
		return nil, items.Append(item)
	})
	d.Handle("remove", func(_ context.Context, n *state.Node, args event.Payload) (any, error) {
		item, err := stringArg(args, "item")
		if err != nil {
			return nil, err
		}
		items, err := n.List("items")
		if err != nil {
			return nil, err
		}
		if !items.Contains(item) {
			return event.WindowAlert(item + " is not in the cart"), nil
		}
		return nil, items.Remove(item)
	})
	d.Handle("clear", func(_ context.Context, n *state.Node, _ event.Payload) (any, error) {
		items, err := n.List("items")
		if err != nil {
			return nil, err
		}
		return nil, items.Clear()
	})
}

// =============================================================================
// Progress
// =============================================================================

// DeclareProgress adds a streaming handler that reports percent done after
// each step. payload["steps"] defaults to 5.
func DeclareProgress(d *state.Decl) {
	state.Declare(d, "percent", 0)
	state.Declare(d, "running", false)

	d.Stream("run", func(ctx context.Context, n *state.Node, args event.Payload, y state.Yielder) (any, error) {
		steps := 5
		if s, ok := args["steps"].(float64); ok && s > 0 {
			steps = int(s)
		}
		if err := n.Set("running", true); err != nil {
			return nil, err
		}
		if err := n.Set("percent", 0); err != nil {
			return nil, err
		}
		if err := y.Yield(ctx, nil); err != nil {
			return nil, err
		}
		for i := 1; i <= steps; i++ {
			if err := sleep(ctx, StepDelay); err != nil {
				return nil, err
			}
			if err := n.Set("percent", i*100/steps); err != nil {
				return nil, err
			}
			if err := y.Yield(ctx, nil); err != nil {
				return nil, err
			}
		}
		return event.ConsoleLog("progress finished"), n.Set("running", false)
	})
}

// =============================================================================
// Jobs
// =============================================================================

// DeclareJobs adds a background handler that reports its phases through
// Handle.Modify. _runs counts completed jobs and is never sent to clients.
func DeclareJobs(d *state.Decl) {
	state.Declare(d, "status", "idle")
	state.Declare(d, "result", "")
	state.Declare(d, "_runs", 0)

	d.Background("fetch", func(ctx context.Context, h *state.Handle, args event.Payload) (any, error) {
		name, _ := args["name"].(string)
		if name == "" {
			name = "job"
		}
		if err := h.Modify(ctx, func(n *state.Node) error {
			if err := n.Set("status", "running"); err != nil {
				return err
			}
			return n.Set("result", "")
		}); err != nil {
			return nil, err
		}

		if err := sleep(ctx, StepDelay); err != nil {
			return nil, err
		}

		var runs int
		err := h.Modify(ctx, func(n *state.Node) error {
			r, err := state.Value[int](n, "_runs")
			if err != nil {
				return err
			}
			runs = r + 1
			if err := n.Set("_runs", runs); err != nil {
				return err
			}
			if err := n.Set("result", fmt.Sprintf("%s finished (run %d)", name, runs)); err != nil {
				return err
			}
			return n.Set("status", "done")
		})
		if err != nil {
			return nil, err
		}
		return event.ConsoleLog(fmt.Sprintf("%s finished", name)), nil
	})
}

// =============================================================================
// Files
// =============================================================================

// DeclareFiles adds an upload handler that records uploaded names and sizes.
func DeclareFiles(d *state.Decl) {
	state.Declare(d, "names", []string{})
	state.Declare(d, "total_bytes", 0)

	d.Upload("receive", "files", func(_ context.Context, n *state.Node, args event.Payload) (any, error) {
		files, ok := args["files"].([]event.File)
		if !ok {
			return nil, fmt.Errorf("%q: %w", "files", ErrMissingArgument)
		}
		names, err := n.List("names")
		if err != nil {
			return nil, err
		}
		total, err := state.Value[int](n, "total_bytes")
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := names.Append(f.Filename); err != nil {
				return nil, err
			}
			total += f.Size()
		}
		return nil, n.Set("total_bytes", total)
	})
}
