// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package relay implements a cross-origin message bridge. An untrusted
// embedding context (such as a browser frame) posts batches of call messages
// to the relay, which forwards them to a dispatcher and posts each reply back
// to the context that sent the call.
//
// Requests are accepted only from origins on an explicit allow list. A
// request from any other origin is logged and dropped without a reply, and no
// method is invoked on its behalf.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/pipeline"
	"github.com/creachadair/taskgroup"
)

// Message type tags for relay requests and responses.
const (
	RequestType  = "rpc-request"
	ResponseType = "rpc-response"
)

// ErrOriginRejected is reported by Post for a request whose origin is not
// allowed.
var ErrOriginRejected = errors.New("origin not allowed")

// A Source is the sender of a relay request, and the recipient of its
// responses. PostMessage delivers v to the source, provided the source's
// origin matches targetOrigin.
type Source interface {
	PostMessage(v any, targetOrigin string) error
}

// A Request is a batch of calls posted to the relay.
type Request struct {
	Type         string              `json:"type"`
	Calls        []*pipeline.Message `json:"calls"`
	UseWebSocket bool                `json:"useWebSocket,omitempty"`
}

// A Response carries the outcome of one relayed call.
type Response struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Result any                 `json:"result,omitempty"`
	Error  *pipeline.ErrorData `json:"error,omitempty"`
}

// Options are settings for a Relay. A nil *Options is valid, but rejects all
// requests.
type Options struct {
	// Origins from which requests are accepted. If empty, all requests are
	// rejected unless AllowAnyOrigin is true.
	AllowedOrigins []string

	// If true, requests are accepted from any origin. This is intended for
	// development only.
	AllowAnyOrigin bool

	// The client used to forward calls by default.
	Batch *pipeline.Client

	// If set, the client used to forward calls from requests that set
	// UseWebSocket.
	Persistent *pipeline.Client

	// Used to report rejected requests and undeliverable responses. If nil,
	// it uses log.Printf.
	Logf func(string, ...any)
}

// A Relay forwards calls from allowed origins and routes each reply back to
// the source of its call.
type Relay struct {
	allowed    mapset.Set[string]
	anyOrigin  bool
	batch      *pipeline.Client
	persistent *pipeline.Client
	logf       func(string, ...any)
	tasks      *taskgroup.Group

	μ        sync.Mutex
	inflight map[flight]target
}

// A flight identifies an in-flight call. Call IDs are chosen by the
// embedders, so they are scoped to the origin that sent them.
type flight struct {
	origin, id string
}

type target struct {
	src    Source
	origin string
}

// New constructs a new relay with the given options.
func New(opts *Options) *Relay {
	r := &Relay{
		allowed:  mapset.New[string](),
		logf:     log.Printf,
		tasks:    taskgroup.New(nil),
		inflight: make(map[flight]target),
	}
	if opts != nil {
		r.allowed.Add(opts.AllowedOrigins...)
		r.anyOrigin = opts.AllowAnyOrigin
		r.batch = opts.Batch
		r.persistent = opts.Persistent
		if opts.Logf != nil {
			r.logf = opts.Logf
		}
	}
	return r
}

// Allowed reports whether requests from origin are accepted.
func (r *Relay) Allowed(origin string) bool {
	return r.anyOrigin || (origin != "" && r.allowed.Has(origin))
}

// Post handles a request posted by src from origin. It returns once the calls
// have been dispatched; each reply is posted to src asynchronously, exactly
// once per call.
//
// If origin is not allowed, Post logs and drops the request and reports
// ErrOriginRejected; nothing is posted to src. A request of the wrong type is
// likewise dropped.
func (r *Relay) Post(ctx context.Context, src Source, origin string, req Request) error {
	if !r.Allowed(origin) {
		r.logf("[relay] rejected request from origin %q", origin)
		return fmt.Errorf("%w: %q", ErrOriginRejected, origin)
	}
	if req.Type != RequestType {
		r.logf("[relay] dropped message of type %q from %q", req.Type, origin)
		return fmt.Errorf("unexpected message type %q", req.Type)
	}

	c := r.batch
	if req.UseWebSocket && r.persistent != nil {
		c = r.persistent
	}
	tgt := target{src: src, origin: origin}
	for _, call := range req.Calls {
		if call == nil {
			continue
		}
		if call.ID == "" || (call.Type != pipeline.TypeCall && call.Type != "") || call.Method == "" {
			r.reply(tgt, call.ID, nil, pipeline.Errorf(pipeline.CodeInvalidRequest, "invalid call"))
			continue
		} else if c == nil {
			r.reply(tgt, call.ID, nil, pipeline.Errorf(pipeline.CodeInternalError, "no transport available"))
			continue
		}

		key := flight{origin: origin, id: call.ID}
		r.μ.Lock()
		_, dup := r.inflight[key]
		if !dup {
			r.inflight[key] = tgt
		}
		r.μ.Unlock()
		if dup {
			r.reply(tgt, call.ID, nil, pipeline.Errorf(pipeline.CodeInvalidRequest, "duplicate request id %q", call.ID))
			continue
		}

		r.tasks.Go(func() error {
			v, err := c.Forward(ctx, call)

			r.μ.Lock()
			t := r.inflight[key]
			delete(r.inflight, key)
			r.μ.Unlock()

			r.reply(t, call.ID, v, err)
			return nil
		})
	}
	return nil
}

// Pending reports the number of calls awaiting replies.
func (r *Relay) Pending() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.inflight)
}

// Wait blocks until all dispatched calls have been answered.
func (r *Relay) Wait() { r.tasks.Wait() }

func (r *Relay) reply(t target, id string, v any, err error) {
	rsp := Response{Type: ResponseType, ID: id, Result: v}
	if err != nil {
		rsp.Result = nil
		rsp.Error = errorData(err)
	}
	if perr := t.src.PostMessage(rsp, t.origin); perr != nil {
		r.logf("[relay] post reply %q to %q: %v", id, t.origin, perr)
	}
}

func errorData(err error) *pipeline.ErrorData {
	var ce *pipeline.CallError
	if errors.As(err, &ce) {
		ed := ce.ErrorData
		ed.Stack = ""
		return &ed
	}
	var ed *pipeline.ErrorData
	if errors.As(err, &ed) {
		return &pipeline.ErrorData{Code: ed.Code, Message: ed.Message}
	}
	return pipeline.Errorf(pipeline.CodeInternalError, "%v", err)
}
