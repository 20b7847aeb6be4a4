// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package pipeline implements a promise-pipelining remote procedure call
// protocol.
//
// A caller may chain property accesses and method invocations on the result
// of a remote call before that result has arrived. The whole chain travels
// with the call in a single JSON message, so N chained operations cost one
// round trip. Either side may pass functions as arguments or results, and the
// other side may invoke them remotely.
//
// # Clients
//
// A [Client] issues calls over a [Transport]:
//
//	c := pipeline.NewClient(t, nil)
//	defer c.Close()
//
// [Client.Call] returns a [*Deferred] without sending anything. Chaining
// methods on a Deferred record operations to apply to the result remotely:
//
//	name := c.Call("getUser", 42).Get("profile").Get("displayName")
//	v, err := name.Await(ctx)
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Awaiting name sends one message carrying the call and its two operations.
// Each Deferred is immutable: branching twice from the same Deferred produces
// two independent chains. Errors reported by Await have concrete type
// [*CallError], and match the sentinel errors ([ErrTimeout],
// [ErrMethodNotFound], and so on) under errors.Is.
//
// Use [Await] to decode a result into a Go type:
//
//	n, err := pipeline.Await[int](ctx, c.Call("add", 2, 3))
//
// # Dispatchers
//
// A [Dispatcher] serves method calls. Register handlers with [Dispatcher.Handle]
// or, for ordinary Go functions, [Dispatcher.Register]:
//
//	d := pipeline.NewDispatcher().
//	   Register("add", func(a, b int) int { return a + b }).
//	   Hook(pipeline.RateLimit(100, 10))
//
// After a handler returns, the dispatcher applies the operation chain of the
// call to its result (see [Apply]). A Dispatcher serves batch requests as an
// [http.Handler], and persistent connections with [Dispatcher.ServeConn]:
//
//	go d.ServeConn(ctx, transport.Stream(conn))
//
// # Transports
//
// The [Transport] interface sends and receives whole messages. The transport
// package provides implementations: an in-memory pair, a newline-delimited
// stream over any connection, an HTTP batch transport, a reconnecting
// persistent transport over TCP or WebSocket. A transport that reconnects
// implements [StateNotifier]; when it leaves the open state, calls pending at
// that moment fail with CONNECTION_LOST.
//
// # Callbacks
//
// Functions in the arguments of a call are registered in the client's
// [Callbacks] registry and replaced by references. The remote handler sees a
// [Func] that, when called, invokes the original function over the same
// connection. Results work the same way in the other direction.
//
// On a persistent connection a callback lives until the connection closes.
// Batch requests have no back channel, so a handler that invokes a callback
// received by batch fails with CALLBACK_NOT_FOUND.
//
// # Metrics
//
// Clients and dispatchers share a collection of metrics, available from
// [Metrics] as an [expvar.Map]. The metrics currently exported include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound calls sent
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls currently pending
//   - cancels_in: counter of cancellations received
//   - timeouts: counter of outbound calls that timed out
//   - callbacks_registered: gauge of callbacks currently registered
//   - call_latency_ms: moving average of recent successful round trips
//
// It is safe for the caller to add entries to the metrics map.
package pipeline
