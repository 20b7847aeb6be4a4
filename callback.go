// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Callbacks is a registry of local functions that a remote peer may invoke by
// reference. A zero-valued Callbacks is ready for use. It is safe for
// concurrent use by multiple goroutines.
//
// Each connection owns one registry. Persistent connections clear their
// registry when they close; batch calls release their registrations when the
// response arrives.
type Callbacks struct {
	μ   sync.Mutex
	fns map[string]Func
}

// Register stores fn under a fresh unique ID and returns a reference to embed
// in outgoing values in place of the function.
func (c *Callbacks) Register(fn Func) CallbackRef {
	id := uuid.NewString()
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.fns == nil {
		c.fns = make(map[string]Func)
	}
	c.fns[id] = fn
	rootMetrics.callbacks.Add(1)
	return CallbackRef{Callback: true, ID: id}
}

// Invoke calls the function registered under id with args. If no function is
// registered for id, Invoke reports an error matching ErrCallbackNotFound.
func (c *Callbacks) Invoke(ctx context.Context, id string, args []any) (any, error) {
	c.μ.Lock()
	fn, ok := c.fns[id]
	c.μ.Unlock()
	if !ok {
		return nil, callbackNotFound(id)
	}
	return fn(ctx, args...)
}

// Release removes the registration for id, if any.
func (c *Callbacks) Release(id string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.fns[id]; ok {
		delete(c.fns, id)
		rootMetrics.callbacks.Add(-1)
	}
}

// Clear removes all registrations.
func (c *Callbacks) Clear() {
	c.μ.Lock()
	defer c.μ.Unlock()
	rootMetrics.callbacks.Add(-int64(len(c.fns)))
	c.fns = nil
}

// Len reports the number of registered callbacks.
func (c *Callbacks) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.fns)
}

func callbackNotFound(id string) *ErrorData {
	return Errorf(CodeCallbackNotFound, "callback %q not found", id)
}

// A link is the view of a connection needed to move values across it:
// functions leaving the process are registered locally, and references
// arriving from the remote peer are bound to stubs that call back over the
// link.
type link interface {
	callbacks() *Callbacks
	invokeRemote(ctx context.Context, id string, args []any) (any, error)
}

// encodeValue returns a copy of v in which every function, including
// functions nested in maps and slices of type any, is replaced by a callback
// reference registered with reg. Each registered ID is reported to track, if
// it is non-nil.
func encodeValue(v any, reg *Callbacks, track func(string)) any {
	switch t := v.(type) {
	case nil:
		return nil
	case CallbackRef, *CallbackRef:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = encodeValue(e, reg, track)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e, reg, track)
		}
		return out
	}
	if fn, ok := asFunc(v); ok {
		ref := reg.Register(fn)
		if track != nil {
			track(ref.ID)
		}
		return ref
	}
	return v
}

func encodeValues(vs []any, reg *Callbacks, track func(string)) []any {
	if len(vs) == 0 {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = encodeValue(v, reg, track)
	}
	return out
}

// encodeChain returns a copy of chain with its arguments encoded.
func encodeChain(chain []Operation, reg *Callbacks, track func(string)) []Operation {
	if len(chain) == 0 {
		return nil
	}
	out := make([]Operation, len(chain))
	for i, op := range chain {
		out[i] = Operation{Kind: op.Kind, Key: op.Key, Args: encodeValues(op.Args, reg, track)}
	}
	return out
}

// decodeValue returns a copy of v in which every callback reference is
// replaced by a Func that invokes the referenced function over l.
func decodeValue(v any, l link) any {
	if id, ok := asCallbackRef(v); ok {
		return remoteFunc(l, id)
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = decodeValue(e, l)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decodeValue(e, l)
		}
		return out
	}
	return v
}

func decodeValues(vs []any, l link) []any {
	if len(vs) == 0 {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = decodeValue(v, l)
	}
	return out
}

func decodeChain(chain []Operation, l link) []Operation {
	if len(chain) == 0 {
		return nil
	}
	out := make([]Operation, len(chain))
	for i, op := range chain {
		out[i] = Operation{Kind: op.Kind, Key: op.Key, Args: decodeValues(op.Args, l)}
	}
	return out
}

// remoteFunc returns a Func that invokes callback id on the far side of l.
func remoteFunc(l link, id string) Func {
	return func(ctx context.Context, args ...any) (any, error) {
		return l.invokeRemote(ctx, id, args)
	}
}

// requestScope is the link for a single request/response exchange. Functions
// in the reply are registered in a registry that is discarded once the reply
// is written, and references received from the caller cannot be invoked
// because there is no channel back to the caller.
type requestScope struct{ cbs *Callbacks }

func newRequestScope() requestScope { return requestScope{cbs: new(Callbacks)} }

func (r requestScope) callbacks() *Callbacks { return r.cbs }

func (requestScope) invokeRemote(_ context.Context, id string, _ []any) (any, error) {
	return nil, fmt.Errorf("batch request has no back channel: %w", callbackNotFound(id))
}

