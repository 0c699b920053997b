// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"

	"github.com/AleutianAI/statesync/services/statesync/state"
	"github.com/AleutianAI/statesync/services/statesync/telemetry"
)

type yieldMsg struct {
	result any
	ack    chan error
}

type outcome struct {
	result any
	err    error
}

// yielder hands intermediate results to the pipeline over an unbuffered
// channel. The handler blocks until the pipeline acknowledges, so the tree is
// only touched by one goroutine at a time.
type yielder struct {
	ch     chan yieldMsg
	closed chan struct{}
}

var _ state.Yielder = (*yielder)(nil)

// Yield flushes the changes made so far as a non-final update.
func (y *yielder) Yield(ctx context.Context, result any) error {
	ack := make(chan error, 1)
	select {
	case y.ch <- yieldMsg{result: result, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	case <-y.closed:
		return ErrStreamClosed
	}
	return <-ack
}

// stream runs a streaming handler on its own goroutine and relays each
// yield as an intermediate update.
//
// An emit failure cancels the handler's context and is returned once the
// handler exits. An invalid yielded result fails the event the same way a
// handler error does.
func (r *run) stream(ctx context.Context, n *state.Node, h *state.Handler) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	y := &yielder{ch: make(chan yieldMsg), closed: make(chan struct{})}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() {
			if v := recover(); v != nil {
				out = outcome{err: newPanicError(r.ev.Name, v)}
			}
			close(y.closed)
			done <- out
		}()
		out.result, out.err = h.Stream(hctx, n, payload(r.ev), y)
	}()

	var (
		emitErr   error
		resultErr error
		yields    int
	)
	for {
		select {
		case msg := <-y.ch:
			switch {
			case emitErr != nil:
				msg.ack <- emitErr
			case resultErr != nil:
				msg.ack <- resultErr
			default:
				yields++
				telemetry.AddSpanEvent(r.span, "yield")
				u, err := r.update(msg.result, false)
				if err != nil {
					resultErr = err
					cancel()
					msg.ack <- err
					continue
				}
				if err := r.send(hctx, u, true); err != nil {
					emitErr = err
					cancel()
				}
				msg.ack <- emitErr
			}

		case out := <-done:
			if emitErr != nil {
				return emitErr
			}
			if resultErr != nil {
				return r.fail(ctx, resultErr)
			}
			if out.err != nil {
				return r.fail(ctx, out.err)
			}
			r.p.logger.Debug("stream finished", "token", r.ev.Token, "event", r.ev.Name, "yields", yields)
			return r.finish(ctx, out.result)
		}
	}
}
