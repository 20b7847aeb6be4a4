// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", m.dir(), m.Message)
}

// serveFunc handles an inbound method call and returns its terminal reply.
type serveFunc func(ctx context.Context, msg *Message, l link) *Message

// pending receives the terminal reply for an outbound call. It is closed
// without a value if the connection is lost first.
type pending chan *Message

// An endpoint is one side of a logical connection. It correlates outbound
// calls with their replies, runs inbound calls and callback invocations, and
// owns the callback registry for the connection. Both the Client and the
// per-connection sessions of a Dispatcher are endpoints.
type endpoint struct {
	t          Transport
	persistent bool
	tasks      *taskgroup.Group

	out sync.Mutex // held while sending

	μ     sync.Mutex
	err   error                         // set when the connection ends
	ocall map[string]pending            // outbound calls pending replies
	icall map[string]context.CancelFunc // inbound calls in progress
	cbs   Callbacks                     // local functions exported to the peer
	serve serveFunc                     // handles inbound method calls, or nil
	base  context.Context               // base context for inbound calls
	mlog  MessageLogger
	debug bool
}

func newEndpoint(t Transport, base context.Context, serve serveFunc) *endpoint {
	_, persistent := t.(StateNotifier)
	return &endpoint{
		t:          t,
		persistent: persistent,
		ocall:      make(map[string]pending),
		icall:      make(map[string]context.CancelFunc),
		serve:      serve,
		base:       base,
	}
}

// start starts the receive loop for e. It does not block.
func (e *endpoint) start() {
	g := taskgroup.New(nil)
	e.tasks = g
	if sn, ok := e.t.(StateNotifier); ok {
		sn.OnStateChange(e.stateChanged)
	}
	g.Go(func() error {
		for {
			msg, err := e.t.Recv()
			if errors.Is(err, ErrParse) {
				// The frame was unreadable but the transport is intact.
				rootMetrics.msgDropped.Add(1)
				e.sendAsync(errorMessage("", toErrorData(err, false)))
				continue
			} else if err != nil {
				e.fail(err)
				return nil
			}
			rootMetrics.msgRecv.Add(1)
			e.logMessage(msg, false)
			e.dispatch(msg)
		}
	})
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// stop closes the transport and waits for e to exit.
func (e *endpoint) stop() error { e.t.Close(); return e.wait() }

// wait blocks until the receive loop and all inbound calls have finished, and
// reports the error that ended the connection, if any.
func (e *endpoint) wait() error {
	e.tasks.Wait()
	e.μ.Lock()
	defer e.μ.Unlock()
	if treatErrorAsSuccess(e.err) {
		return nil
	}
	return e.err
}

// fail terminates all pending calls and records the failure status.
func (e *endpoint) fail(err error) {
	e.t.Close()

	e.μ.Lock()
	defer e.μ.Unlock()
	for id, pc := range e.ocall {
		delete(e.ocall, id)
		close(pc)
	}
	for _, stop := range e.icall {
		stop()
	}
	e.cbs.Clear()
	e.err = err
}

// stateChanged handles a state change reported by a persistent transport.
// Leaving the open state ends the logical connection: calls pending at that
// moment are rejected, inbound calls are canceled, and the callback registry
// is cleared. Calls issued afterward are queued by the transport.
func (e *endpoint) stateChanged(s State) {
	if s == StateOpen || s == StateConnecting {
		return
	}
	e.μ.Lock()
	defer e.μ.Unlock()
	for id, pc := range e.ocall {
		delete(e.ocall, id)
		close(pc)
	}
	for _, stop := range e.icall {
		stop()
	}
	e.cbs.Clear()
}

func (e *endpoint) logMessage(msg *Message, sent bool) {
	e.μ.Lock()
	log := e.mlog
	e.μ.Unlock()
	if log != nil {
		log(MessageInfo{Message: msg, Sent: sent})
	}
}

func (e *endpoint) send(msg *Message) error {
	e.logMessage(msg, true)
	e.out.Lock()
	defer e.out.Unlock()
	if err := e.t.Send(msg); err != nil {
		return err
	}
	rootMetrics.msgSent.Add(1)
	return nil
}

// sendAsync sends msg from a separate goroutine, so that the receive loop is
// never blocked by a send.
func (e *endpoint) sendAsync(msg *Message) {
	e.tasks.Go(func() error {
		e.send(msg) // a failed reply surfaces as a receive error
		return nil
	})
}

// lostError returns the error reported to calls that were pending when the
// connection ended.
func (e *endpoint) lostError() error {
	e.μ.Lock()
	err := e.err
	e.μ.Unlock()
	if treatErrorAsSuccess(err) {
		return ErrConnectionLost
	}
	return Errorf(CodeConnectionLost, "connection lost: %v", err)
}

// roundTrip sends a call and blocks until its terminal reply arrives, ctx
// ends, or timeout elapses (if timeout > 0). On timeout or cancellation the
// pending entry is removed at once and an advisory cancel is sent to the peer;
// a reply arriving later is discarded.
func (e *endpoint) roundTrip(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	pc := make(pending, 1)
	e.μ.Lock()
	if e.err != nil {
		e.μ.Unlock()
		return nil, e.lostError()
	}
	e.ocall[msg.ID] = pc
	e.μ.Unlock()

	rootMetrics.callPending.Add(1)
	defer rootMetrics.callPending.Add(-1)

	if err := e.send(msg); err != nil {
		e.release(msg.ID)
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case rsp, ok := <-pc:
		if !ok {
			return nil, e.lostError()
		}
		return rsp, nil

	case <-expired:
		rootMetrics.timeouts.Add(1)
		e.abandon(msg.ID)
		return nil, Errorf(CodeTimeout, "call %s timed out after %v", msg.ID, timeout)

	case <-ctx.Done():
		e.abandon(msg.ID)
		return nil, ctx.Err()
	}
}

// release removes the pending entry for id, if present.
func (e *endpoint) release(id string) {
	e.μ.Lock()
	defer e.μ.Unlock()
	delete(e.ocall, id)
}

// abandon releases id and sends a best-effort cancellation to the peer.
func (e *endpoint) abandon(id string) {
	e.release(id)
	e.μ.Lock()
	failed := e.err != nil
	e.μ.Unlock()
	if !failed {
		e.send(&Message{ID: id, Type: TypeCancel})
	}
}

// dispatch routes an inbound message. It is called only by the receive loop.
func (e *endpoint) dispatch(msg *Message) {
	switch msg.Type {
	case TypeResult, TypeError:
		e.μ.Lock()
		pc, ok := e.ocall[msg.ID]
		if ok {
			delete(e.ocall, msg.ID)
			pc <- msg
		}
		e.μ.Unlock()
		if !ok {
			rootMetrics.msgDropped.Add(1) // late, canceled, or unknown
		}

	case TypeCall:
		e.startCall(msg)

	case TypePing:
		e.sendAsync(&Message{ID: msg.ID, Type: TypePong})

	case TypePong:
		// Liveness only; the transport tracks it.

	case TypeCancel:
		rootMetrics.cancelIn.Add(1)
		e.μ.Lock()
		stop, ok := e.icall[msg.ID]
		e.μ.Unlock()
		if ok {
			stop()
		}

	default:
		rootMetrics.msgDropped.Add(1)
	}
}

// startCall starts a goroutine to service an inbound call. The goroutine
// handles cancellation and delivery of the reply. A canceled call produces no
// further output.
func (e *endpoint) startCall(msg *Message) {
	e.μ.Lock()
	if e.err != nil {
		e.μ.Unlock()
		return
	}
	if _, ok := e.icall[msg.ID]; ok {
		e.μ.Unlock()
		e.sendAsync(errorMessage(msg.ID, Errorf(CodeInvalidRequest, "duplicate request id %q", msg.ID)))
		return
	}
	ctx, cancel := context.WithCancel(e.base)
	e.icall[msg.ID] = cancel
	serve, dbg := e.serve, e.debug
	e.μ.Unlock()

	e.tasks.Go(func() error {
		defer cancel()

		var rsp *Message
		switch {
		case msg.CallbackID != "":
			rsp = e.runCallback(ctx, msg, dbg)
		case serve != nil:
			rsp = serve(ctx, msg, e)
		default:
			rsp = errorMessage(msg.ID, Errorf(CodeMethodNotFound, "method %q not found", msg.Method))
		}

		e.μ.Lock()
		delete(e.icall, msg.ID)
		stopped := e.err != nil
		e.μ.Unlock()
		if stopped || ctx.Err() != nil {
			return nil
		}
		e.send(rsp) // a failed reply surfaces as a receive error
		return nil
	})
}

// runCallback invokes a local callback on behalf of the remote peer.
func (e *endpoint) runCallback(ctx context.Context, msg *Message, dbg bool) *Message {
	args := decodeValues(msg.Params, e)
	v, err := protect(dbg, func() (any, error) {
		return e.cbs.Invoke(ctx, msg.CallbackID, args)
	})
	if err != nil {
		return errorMessage(msg.ID, toErrorData(err, dbg))
	}
	return &Message{ID: msg.ID, Type: TypeResult, Result: encodeValue(v, &e.cbs, nil)}
}

// callbacks implements part of the link interface.
func (e *endpoint) callbacks() *Callbacks { return &e.cbs }

// invokeRemote implements part of the link interface. If the connection has
// ended, the reference is dead and the error matches ErrCallbackNotFound.
func (e *endpoint) invokeRemote(ctx context.Context, id string, args []any) (any, error) {
	msg := &Message{
		ID:         uuid.NewString(),
		Type:       TypeCall,
		CallbackID: id,
		Params:     encodeValues(args, &e.cbs, nil),
	}
	rsp, err := e.roundTrip(ctx, msg, 0)
	if errors.Is(err, ErrConnectionLost) {
		return nil, fmt.Errorf("%w (%v)", callbackNotFound(id), err)
	} else if err != nil {
		return nil, err
	}
	if rsp.Type == TypeError {
		return nil, replyError(rsp)
	}
	return decodeValue(rsp.Result, e), nil
}

// replyError returns the error carried by an error reply.
func replyError(rsp *Message) *ErrorData {
	if rsp.Error == nil {
		return Errorf(CodeInternalError, "error reply without details")
	}
	return rsp.Error
}

// protect calls f, converting a panic into an error. If dbg is true, the error
// carries the stack of the panic.
func protect(dbg bool, f func() (any, error)) (v any, err error) {
	defer func() {
		if x := recover(); x != nil {
			ed := Errorf(CodeInternalError, "handler panicked (recovered): %v", x)
			if dbg {
				ed.Stack = string(debug.Stack())
			}
			v, err = nil, ed
		}
	}()
	return f()
}

// toErrorData converts an error into the form reported on the wire. Stacks
// are retained only if dbg is true.
func toErrorData(err error, dbg bool) *ErrorData {
	var ed *ErrorData
	switch {
	case errors.As(err, &ed):
		out := &ErrorData{Code: ed.Code, Message: ed.Message}
		if err != error(ed) {
			out.Message = err.Error()
		}
		if dbg {
			out.Stack = ed.Stack
		}
		return out
	case errors.Is(err, context.Canceled):
		return Errorf(CodeCanceled, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Errorf(CodeTimeout, "%v", err)
	default:
		return Errorf(CodeInternalError, "%v", err)
	}
}
