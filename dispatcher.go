// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// A ContextFunc produces the opaque context value for an inbound call, for
// example an authenticated principal derived from request headers. The value
// is passed through to handlers unmodified; see [ContextValue]. An error
// rejects the call.
type ContextFunc func(ctx context.Context, msg *Message) (any, error)

// Hooks are optional functions run around each method call.
type Hooks struct {
	// BeforeCall runs before the handler. If it reports an error, the handler
	// is not called and the error is reported to the caller.
	BeforeCall func(ctx context.Context, msg *Message) error

	// AfterCall runs after the handler and the operation chain, with the final
	// result and error. It also runs if a later hook's BeforeCall rejects the
	// call.
	AfterCall func(ctx context.Context, msg *Message, result any, err error)
}

// A Dispatcher looks up and invokes methods on behalf of remote callers. A
// zero-valued Dispatcher is ready for use, but must not be copied after any
// method has been called.
//
// Use Handle or Register to add methods. Use ServeConn to serve a persistent
// connection, or use the Dispatcher as an http.Handler to serve batch
// requests. The methods of a Dispatcher are safe for concurrent use.
type Dispatcher struct {
	μ       sync.RWMutex
	methods map[string]Func
	hooks   []Hooks
	newCtx  ContextFunc
	mlog    MessageLogger
	debug   bool
}

// NewDispatcher constructs a new empty dispatcher.
func NewDispatcher() *Dispatcher { return new(Dispatcher) }

// Handle registers fn as the handler for the named method. Passing a nil fn
// removes any handler for the method. Handle returns d to permit chaining.
// It panics if name is empty.
func (d *Dispatcher) Handle(name string, fn Func) *Dispatcher {
	if name == "" {
		panic("empty method name")
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if fn == nil {
		delete(d.methods, name)
		return d
	}
	if d.methods == nil {
		d.methods = make(map[string]Func)
	}
	d.methods[name] = fn
	return d
}

// Register registers an arbitrary Go function as the handler for the named
// method. If the first parameter of fn is a context.Context, the call context
// is passed for it; the remaining parameters receive the call's params,
// converted to the parameter types. fn may return nothing, a value, an error,
// or a value and an error. Register panics if fn is not a function.
func (d *Dispatcher) Register(name string, fn any) *Dispatcher {
	f, ok := asFunc(fn)
	if !ok {
		panic(fmt.Sprintf("cannot register %T as a method", fn))
	}
	return d.Handle(name, f)
}

// Hook adds h to the hooks run around each call. Hooks run in the order they
// were added. Hook returns d to permit chaining.
func (d *Dispatcher) Hook(h Hooks) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.hooks = append(d.hooks, h)
	return d
}

// NewContext registers a function to produce the opaque context value for
// each call. Passing nil removes it. NewContext returns d to permit chaining.
func (d *Dispatcher) NewContext(f ContextFunc) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.newCtx = f
	return d
}

// Debug sets whether error replies include a stack trace for handler panics.
// It should be left off in production. Debug returns d to permit chaining.
func (d *Dispatcher) Debug(on bool) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.debug = on
	return d
}

// LogMessages registers a callback that will be invoked for each message
// exchanged on connections served by d, including batch requests. Passing nil
// disables logging. LogMessages returns d to permit chaining.
func (d *Dispatcher) LogMessages(log MessageLogger) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.mlog = log
	return d
}

// Methods returns the names of the registered methods, in no particular order.
func (d *Dispatcher) Methods() []string {
	d.μ.RLock()
	defer d.μ.RUnlock()
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	return out
}

type (
	msgContextKey   struct{}
	valueContextKey struct{}
)

// ContextMessage returns the call message being handled, or nil if ctx is not
// the context of a method handler.
func ContextMessage(ctx context.Context) *Message {
	if v := ctx.Value(msgContextKey{}); v != nil {
		return v.(*Message)
	}
	return nil
}

// ContextValue returns the value produced for the current call by the
// dispatcher's ContextFunc, or nil if none was produced.
func ContextValue(ctx context.Context) any { return ctx.Value(valueContextKey{}) }

// ProcessCall handles a single call message and returns its terminal reply.
// It never panics and never reports an error directly: failures are reported
// as a reply of type TypeError.
//
// The call is handled as a self-contained request: functions in the result
// are replaced by references that die with the reply, and references in the
// params cannot be invoked. Use ServeConn for full callback support.
func (d *Dispatcher) ProcessCall(ctx context.Context, msg *Message) *Message {
	scope := newRequestScope()
	defer scope.cbs.Clear()
	return d.process(ctx, msg, scope)
}

// process implements the serveFunc for d over l.
func (d *Dispatcher) process(ctx context.Context, msg *Message, l link) *Message {
	rootMetrics.callIn.Add(1)
	rootMetrics.callActive.Add(1)
	defer rootMetrics.callActive.Add(-1)

	rsp := d.processCall(ctx, msg, l)
	if rsp.Type == TypeError {
		rootMetrics.callInErr.Add(1)
	}
	return rsp
}

func (d *Dispatcher) processCall(ctx context.Context, msg *Message, l link) *Message {
	if msg.Type != TypeCall || msg.Method == "" {
		return errorMessage(msg.ID, Errorf(CodeInvalidRequest, "message is not a method call"))
	}

	d.μ.RLock()
	fn, ok := d.methods[msg.Method]
	hooks, newCtx, dbg := d.hooks, d.newCtx, d.debug
	d.μ.RUnlock()
	if !ok {
		return errorMessage(msg.ID, Errorf(CodeMethodNotFound, "method %q not found", msg.Method))
	}

	ctx = context.WithValue(ctx, msgContextKey{}, msg)
	if newCtx != nil {
		v, err := newCtx(ctx, msg)
		if err != nil {
			return errorMessage(msg.ID, toErrorData(err, dbg))
		}
		ctx = context.WithValue(ctx, valueContextKey{}, v)
	}
	for i, h := range hooks {
		if h.BeforeCall == nil {
			continue
		}
		if err := h.BeforeCall(ctx, msg); err != nil {
			// Hooks whose BeforeCall already ran still see the outcome.
			for _, prev := range hooks[:i] {
				if prev.AfterCall != nil {
					prev.AfterCall(ctx, msg, nil, err)
				}
			}
			return errorMessage(msg.ID, toErrorData(err, dbg))
		}
	}

	params := decodeValues(msg.Params, l)
	chain := decodeChain(msg.Chain, l)
	result, err := protect(dbg, func() (any, error) {
		v, err := fn(ctx, params...)
		if err != nil || len(chain) == 0 {
			return v, err
		}
		return Apply(ctx, v, chain)
	})
	for _, h := range hooks {
		if h.AfterCall != nil {
			h.AfterCall(ctx, msg, result, err)
		}
	}
	if err != nil {
		return errorMessage(msg.ID, toErrorData(err, dbg))
	}
	return &Message{ID: msg.ID, Type: TypeResult, Result: encodeValue(result, l.callbacks(), nil)}
}

// ServeConn serves calls arriving on t until t closes or ctx ends, and then
// closes t. It handles keepalive pings and cancellations, and it maintains a
// callback registry for the connection that is discarded when the connection
// ends. ServeConn reports nil if t closed cleanly.
func (d *Dispatcher) ServeConn(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ep := newEndpoint(t, ctx, d.process)
	d.μ.RLock()
	ep.mlog, ep.debug = d.mlog, d.debug
	d.μ.RUnlock()
	ep.start()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-stopped:
		}
	}()
	return ep.wait()
}
