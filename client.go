// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// DefaultTimeout is the call timeout used when ClientOptions does not set one.
const DefaultTimeout = 30 * time.Second

// ClientOptions are optional settings for a Client. A nil *ClientOptions is
// ready for use and provides defaults as described.
type ClientOptions struct {
	// Timeout bounds the time a call waits for its reply. If zero, it uses
	// DefaultTimeout; if negative, calls wait until their context ends.
	Timeout time.Duration

	// If set, inbound method calls from the remote peer are served by this
	// dispatcher. Otherwise they are rejected with METHOD_NOT_FOUND.
	// Callbacks passed by this client are always served.
	Dispatcher *Dispatcher

	// If set, the context for inbound calls and callbacks derives from this
	// context. Otherwise it is context.Background.
	Context context.Context
}

func (o *ClientOptions) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return DefaultTimeout
	} else if o.Timeout < 0 {
		return 0
	}
	return o.Timeout
}

func (o *ClientOptions) dispatcher() *Dispatcher {
	if o == nil {
		return nil
	}
	return o.Dispatcher
}

func (o *ClientOptions) context() context.Context {
	if o == nil || o.Context == nil {
		return context.Background()
	}
	return o.Context
}

// A Client issues calls to a remote dispatcher over a Transport. Calls return
// a *Deferred that records chained operations without blocking; awaiting it
// sends the call and the whole chain in one message.
//
// The methods of a Client are safe for concurrent use by multiple goroutines.
type Client struct {
	ep      *endpoint
	timeout time.Duration
}

// NewClient constructs a client that communicates over t and starts its
// receive loop. The client takes ownership of t, which is closed by
// [Client.Close].
func NewClient(t Transport, opts *ClientOptions) *Client {
	var serve serveFunc
	if d := opts.dispatcher(); d != nil {
		serve = d.process
	}
	c := &Client{
		ep:      newEndpoint(t, opts.context(), serve),
		timeout: opts.timeout(),
	}
	c.ep.start()
	return c
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote peer. Passing nil disables logging. It returns c
// to permit chaining.
func (c *Client) LogMessages(log MessageLogger) *Client {
	c.ep.μ.Lock()
	defer c.ep.μ.Unlock()
	c.ep.mlog = log
	return c
}

// Callbacks returns the registry of functions c exports to the remote peer.
// A caller may register a function explicitly and pass the resulting
// CallbackRef as an argument, to control how long the function remains
// callable.
func (c *Client) Callbacks() *Callbacks { return &c.ep.cbs }

// Close closes the transport and waits for the client to exit. Calls pending
// at the time of closing fail with CONNECTION_LOST.
func (c *Client) Close() error { return c.ep.stop() }

// Wait blocks until the client's transport ends, and reports the error that
// ended it. A transport closed cleanly reports nil.
func (c *Client) Wait() error { return c.ep.wait() }

// Call returns a deferred value for the result of calling method with args on
// the remote peer. No message is sent until the deferred value (or a value
// chained from it) is awaited.
//
// Any argument that is a function is registered as a callback and replaced by
// a reference the remote peer can invoke. Any argument that is a *Deferred is
// awaited first and replaced by its value. This applies also to arguments of
// chained calls, and to values nested in []any and map[string]any.
func (c *Client) Call(method string, args ...any) *Deferred {
	return &Deferred{c: c, method: method, args: args}
}

// Invoke calls method with args and waits for the result. It is shorthand for
// c.Call(method, args...).Await(ctx).
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return c.Call(method, args...).Await(ctx)
}

// Forward sends a pre-built call message on behalf of another caller, and
// waits for the result. The method, params, and chain of msg are sent as
// given under a fresh message ID. Callback references in the params and the
// result are passed through unchanged, so the result is suitable for relaying
// onward.
func (c *Client) Forward(ctx context.Context, msg *Message) (any, error) {
	if msg.Type != TypeCall && msg.Type != "" {
		return nil, &CallError{ErrorData: *Errorf(CodeInvalidRequest, "cannot forward message of type %q", msg.Type)}
	}
	return c.roundTrip(ctx, &Message{
		ID:     uuid.NewString(),
		Type:   TypeCall,
		Method: msg.Method,
		Params: msg.Params,
		Chain:  msg.Chain,
	}, nil, false)
}

// An Outcome is the settled result of one deferred value.
type Outcome struct {
	Value any
	Err   error
}

// AwaitAll awaits each of ds and returns their outcomes in the same order. At
// most maxConcurrency calls are in flight at once: the deferred values are
// issued in chunks of that size, and each chunk settles before the next is
// issued. If maxConcurrency <= 0, all are issued together.
func (c *Client) AwaitAll(ctx context.Context, maxConcurrency int, ds ...*Deferred) []Outcome {
	out := make([]Outcome, len(ds))
	if maxConcurrency <= 0 {
		maxConcurrency = len(ds)
	}
	for start := 0; start < len(ds); start += maxConcurrency {
		end := min(start+maxConcurrency, len(ds))
		g := taskgroup.New(nil)
		for i := start; i < end; i++ {
			g.Go(func() error {
				v, err := ds[i].Await(ctx)
				out[i] = Outcome{Value: v, Err: err}
				return nil
			})
		}
		g.Wait()
	}
	return out
}

// resolve sends the call described by d and returns its decoded result.
func (c *Client) resolve(ctx context.Context, d *Deferred) (any, error) {
	args, err := awaitValues(ctx, d.args)
	if err != nil {
		return nil, err
	}
	chain := slices.Clone(d.chain)
	for i, op := range chain {
		if chain[i].Args, err = awaitValues(ctx, op.Args); err != nil {
			return nil, err
		}
	}

	// On a persistent connection, callbacks live as long as the connection.
	// Otherwise they live only until the reply arrives.
	var scope []string
	track := func(id string) { scope = append(scope, id) }
	if c.ep.persistent {
		track = nil
	}
	msg := &Message{
		ID:     uuid.NewString(),
		Type:   TypeCall,
		Method: d.method,
		Params: encodeValues(args, &c.ep.cbs, track),
		Chain:  encodeChain(chain, &c.ep.cbs, track),
	}
	return c.roundTrip(ctx, msg, scope, true)
}

// awaitValues returns a copy of vs in which every *Deferred, including those
// nested in slices and maps, is replaced by its awaited value.
func awaitValues(ctx context.Context, vs []any) ([]any, error) {
	if len(vs) == 0 {
		return vs, nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		w, err := awaitValue(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func awaitValue(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case *Deferred:
		return t.Await(ctx)
	case []any:
		return awaitValues(ctx, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			w, err := awaitValue(ctx, e)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	}
	return v, nil
}

// roundTrip sends msg and waits for its reply. If decode is true, callback
// references in the result are bound to the connection.
func (c *Client) roundTrip(ctx context.Context, msg *Message, scope []string, decode bool) (_ any, err error) {
	rootMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			rootMetrics.callOutErr.Add(1)
		}
	}()
	defer func() {
		for _, id := range scope {
			c.ep.cbs.Release(id)
		}
	}()

	start := time.Now()
	rsp, err := c.ep.roundTrip(ctx, msg, c.timeout)
	if err != nil {
		return nil, callError(msg.ID, err)
	}
	if rsp.Type == TypeError {
		return nil, &CallError{ID: msg.ID, ErrorData: *replyError(rsp)}
	}
	rootMetrics.observeLatency(time.Since(start))
	if !decode {
		return rsp.Result, nil
	}
	return decodeValue(rsp.Result, c.ep), nil
}

// CallError is the concrete type of errors reported by a Client.
//
// If the remote peer reported an error, Err is nil and ErrorData carries the
// reported code and message. If the call failed locally (for example, by
// timeout or cancellation), Err is the local error and ErrorData carries the
// corresponding code.
type CallError struct {
	ErrorData
	ID  string // the ID of the call message
	Err error  // nil for errors reported by the remote peer
}

// Unwrap reports the underlying errors of c: the local error, if any, and the
// error data.
func (c *CallError) Unwrap() []error {
	if c.Err != nil {
		return []error{c.Err, &c.ErrorData}
	}
	return []error{&c.ErrorData}
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %s: %v", c.ID, c.Err)
	}
	return fmt.Sprintf("call %s: %v", c.ID, c.ErrorData.Error())
}

// callError wraps a local error from a round trip.
func callError(id string, err error) *CallError {
	ce := &CallError{ID: id, Err: err}
	var ed *ErrorData
	switch {
	case errors.As(err, &ed):
		ce.ErrorData = *ed
	case errors.Is(err, context.Canceled):
		ce.ErrorData = *ErrCanceled
	case errors.Is(err, context.DeadlineExceeded):
		ce.ErrorData = *Errorf(CodeTimeout, "%v", err)
	default:
		ce.ErrorData = *Errorf(CodeInternalError, "%v", err)
	}
	return ce
}
