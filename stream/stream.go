// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for implementing streaming RPCs,
// where a single method call yields a stream of values.
//
// The caller passes a callback as the last argument of the call, and the
// handler invokes that callback once for each value it produces. Streaming
// therefore requires a transport with a back channel to the caller; over a
// batch transport the first value fails with CALLBACK_NOT_FOUND.
package stream

import (
	"context"
	"iter"
	"slices"

	"github.com/creachadair/pipeline"
)

// Call sends a call to the remote peer for the specified method and
// arguments, and yields a stream of values. The stream ends at the
// peer's discretion, or when ctx is canceled.
//
// The returned iterator yields zero or more (v, nil) values. If the
// call ends unsuccessfully, the iterator ends the stream with a final
// (nil, err) tuple.
func Call(ctx context.Context, c *pipeline.Client, method string, args ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The peer streams values back by invoking the sink, which runs
		// in a different goroutine. Values are passed through a channel
		// to be yielded here.
		vals := make(chan any)
		ref := c.Callbacks().Register(func(cbctx context.Context, vs ...any) (any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var v any
			if len(vs) != 0 {
				v = vs[0]
			}
			select {
			case vals <- v:
				return nil, nil
			case <-ctx.Done():
				// Client side cancellation; the call is already unwinding.
				return nil, ctx.Err()
			case <-cbctx.Done():
				// Server side cancellation; the call will report why.
				return nil, cbctx.Err()
			}
		})

		errch := make(chan error, 1)
		go func() {
			// Release the sink here rather than in the iterator, so the
			// peer does not see CALLBACK_NOT_FOUND while the call unwinds.
			defer c.Callbacks().Release(ref.ID)
			_, err := c.Invoke(ctx, method, append(slices.Clip(args), ref)...)
			if ctx.Err() != nil {
				// Report a local cancellation as such, however the peer
				// happened to observe it.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				if !yield(v, nil) {
					return // the deferred cancel unwinds the call
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of pipeline.Func that yields a stream of
// values, rather than a single value. The params exclude the stream
// callback. The returned iterator is expected to only yield a non-nil
// error as its final element, following zero or more error-free tuples.
type HandlerFunc func(ctx context.Context, params []any) iter.Seq2[any, error]

// Handle registers fn as the handler for method on d. The method must be
// invoked with [Call].
func Handle(d *pipeline.Dispatcher, method string, fn HandlerFunc) {
	d.Handle(method, func(ctx context.Context, params ...any) (any, error) {
		if len(params) == 0 {
			return nil, pipeline.Errorf(pipeline.CodeInvalidRequest, "missing stream callback")
		}
		sink, ok := params[len(params)-1].(pipeline.Func)
		if !ok {
			return nil, pipeline.Errorf(pipeline.CodeInvalidRequest, "last param is %T, not a callback", params[len(params)-1])
		}

		for v, err := range fn(ctx, params[:len(params)-1]) {
			if err != nil {
				return nil, err
			}
			// The iterator should respect cancellation itself, but in case
			// it does not, also stop here.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := sink(ctx, v); err != nil {
				return nil, err
			}
		}

		// The iterator may have ended early because of cancellation
		// without reporting an error.
		return nil, ctx.Err()
	})
}
