// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// A Deferred is a placeholder for the result of a remote call that has not
// been sent yet. Chaining methods (Get, Call, Construct) record operations to
// apply to the result on the remote peer, and return a new Deferred; the
// receiver is never modified, so branching twice from one Deferred produces
// two independent chains.
//
// Awaiting a Deferred sends the original call together with its entire chain
// as a single message, so N chained operations cost one round trip. A Deferred
// resolves at most once: later calls to Await report the same outcome, unless
// the attempt was abandoned because the awaiting context ended.
type Deferred struct {
	c      *Client
	method string
	args   []any
	chain  []Operation

	μ       sync.Mutex
	done    chan struct{} // closed when the current attempt ends
	settled bool          // val and err are final
	val     any
	err     error
}

func (d *Deferred) extend(op Operation) *Deferred {
	return &Deferred{
		c:      d.c,
		method: d.method,
		args:   d.args,
		chain:  append(slices.Clip(d.chain), op),
	}
}

// Get returns a deferred value for property key of d.
func (d *Deferred) Get(key string) *Deferred { return d.extend(Operation{Kind: OpGet, Key: key}) }

// Call returns a deferred value for the result of invoking d with args.
func (d *Deferred) Call(args ...any) *Deferred {
	return d.extend(Operation{Kind: OpCall, Args: args})
}

// Construct returns a deferred value for constructing d with args.
// It currently behaves as Call.
func (d *Deferred) Construct(args ...any) *Deferred {
	return d.extend(Operation{Kind: OpConstruct, Args: args})
}

// Method reports the name of the remote method d is derived from.
func (d *Deferred) Method() string { return d.method }

// Chain returns a copy of the operations recorded by d.
func (d *Deferred) Chain() []Operation { return slices.Clone(d.chain) }

// Await sends the call for d, if it has not already been sent, and blocks
// until the result arrives or ctx ends. Errors have concrete type *CallError.
//
// If several goroutines await d concurrently, only one call is sent. A caller
// whose ctx ends returns ctx.Err() without affecting other callers: the
// outcome is not recorded, and a caller still waiting sends the call again
// under its own context.
func (d *Deferred) Await(ctx context.Context) (any, error) {
	for {
		d.μ.Lock()
		if d.settled {
			d.μ.Unlock()
			return d.val, d.err
		}
		if d.done == nil {
			done := make(chan struct{})
			d.done = done
			d.μ.Unlock()

			v, err := d.c.resolve(ctx, d)
			d.μ.Lock()
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				d.done = nil // interrupted by this caller; not an outcome
			} else {
				d.val, d.err, d.settled = v, err, true
			}
			d.μ.Unlock()
			close(done)
			return v, err
		}
		done := d.done
		d.μ.Unlock()

		select {
		case <-done:
			// Either settled, or the sender gave up and the next pass retries.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Await awaits d and converts its result to type T, as [Convert] does.
func Await[T any](ctx context.Context, d *Deferred) (T, error) {
	var out T
	v, err := d.Await(ctx)
	if err != nil {
		return out, err
	}
	if err := Convert(v, &out); err != nil {
		return out, &CallError{Err: err, ErrorData: *Errorf(CodeInvalidRequest, "%v", err)}
	}
	return out, nil
}
