// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/pipeline"
	"github.com/creachadair/taskgroup"
	"github.com/klauspost/compress/gzip"
)

// BatchOptions are optional settings for a batch transport. A nil
// *BatchOptions is ready for use and provides defaults as described.
type BatchOptions struct {
	// The HTTP client used to post batches. If nil, it uses
	// http.DefaultClient.
	Client *http.Client

	// Headers added to every request, for example authorization.
	Header http.Header

	// Messages sent within this interval of the first unflushed message are
	// posted together. If zero, a flush is scheduled as soon as possible after
	// the first send, so only messages sent concurrently share a batch.
	FlushInterval time.Duration

	// If true, request bodies are gzip-compressed and compressed responses
	// are requested.
	Compress bool

	// Used to report failed requests. If nil, it uses log.Printf.
	Logf func(string, ...any)
}

func (o *BatchOptions) client() *http.Client {
	if o == nil || o.Client == nil {
		return http.DefaultClient
	}
	return o.Client
}

func (o *BatchOptions) header() http.Header {
	if o == nil {
		return nil
	}
	return o.Header
}

func (o *BatchOptions) interval() time.Duration {
	if o == nil {
		return 0
	}
	return o.FlushInterval
}

func (o *BatchOptions) compress() bool { return o != nil && o.Compress }

func (o *BatchOptions) logf(msg string, args ...any) {
	if o == nil || o.Logf == nil {
		log.Printf(msg, args...)
	} else {
		o.Logf(msg, args...)
	}
}

// A Batch is a request/response transport. Messages sent during one tick are
// posted together as a JSON array to a batch endpoint (such as a
// pipeline.Dispatcher), and the replies are made available to Recv. Every
// request carries the configured headers; no state is kept between requests.
//
// Cancellation messages are discarded, since a posted batch cannot be
// recalled.
type Batch struct {
	url    string
	opts   *BatchOptions
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group
	ready  chan struct{} // signaled when inbox is non-empty

	μ      sync.Mutex
	buf    []*pipeline.Message
	timer  *time.Timer // pending flush, or nil
	inbox  *queue.Queue[*pipeline.Message]
	closed bool
}

// NewBatch constructs a batch transport that posts to url.
func NewBatch(url string, opts *BatchOptions) *Batch {
	ctx, cancel := context.WithCancel(context.Background())
	return &Batch{
		url:    url,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
		ready:  make(chan struct{}, 1),
		inbox:  queue.New[*pipeline.Message](),
	}
}

// Send implements a method of the [pipeline.Transport] interface. The message
// is buffered until the next flush.
func (b *Batch) Send(msg *pipeline.Message) error {
	if msg.Type == pipeline.TypeCancel {
		return nil
	}
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.closed {
		return net.ErrClosed
	}
	b.buf = append(b.buf, msg)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.opts.interval(), b.Flush)
	}
	return nil
}

// Flush posts any buffered messages immediately. It does not wait for the
// replies.
func (b *Batch) Flush() {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 || b.closed {
		return
	}
	msgs := b.buf
	b.buf = nil
	b.tasks.Go(func() error {
		b.deliver(b.post(msgs))
		return nil
	})
}

// Recv implements a method of the [pipeline.Transport] interface.
func (b *Batch) Recv() (*pipeline.Message, error) {
	for {
		b.μ.Lock()
		msg, ok := b.inbox.Pop()
		closed := b.closed
		b.μ.Unlock()
		if ok {
			return msg, nil
		} else if closed {
			return nil, net.ErrClosed
		}
		select {
		case <-b.ready:
		case <-b.ctx.Done():
		}
	}
}

// Close implements a method of the [pipeline.Transport] interface. Requests
// in flight are abandoned.
func (b *Batch) Close() error {
	b.μ.Lock()
	if b.closed {
		b.μ.Unlock()
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.buf = nil
	b.μ.Unlock()

	b.cancel()
	b.tasks.Wait()
	return nil
}

func (b *Batch) deliver(msgs []*pipeline.Message) {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.closed {
		return
	}
	for _, m := range msgs {
		b.inbox.Add(m)
	}
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// post sends msgs as one request and returns one reply for each message that
// expects one.
func (b *Batch) post(msgs []*pipeline.Message) []*pipeline.Message {
	replies, err := b.roundTrip(msgs)
	if err != nil {
		b.opts.logf("[batch] post %d messages to %s: %v", len(msgs), b.url, err)
	}
	return matchReplies(msgs, replies, err)
}

func (b *Batch) roundTrip(msgs []*pipeline.Message) ([]*pipeline.Message, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, pipeline.Errorf(pipeline.CodeInvalidRequest, "encode batch: %v", err)
	}
	var body bytes.Buffer
	if b.opts.compress() {
		zw := gzip.NewWriter(&body)
		zw.Write(data)
		if err := zw.Close(); err != nil {
			return nil, err
		}
	} else {
		body.Write(data)
	}

	req, err := http.NewRequestWithContext(b.ctx, http.MethodPost, b.url, &body)
	if err != nil {
		return nil, err
	}
	for key, vals := range b.opts.header() {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if b.opts.compress() {
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Accept-Encoding", "gzip")
	}

	rsp, err := b.opts.client().Do(req)
	if err != nil {
		return nil, pipeline.Errorf(pipeline.CodeConnectionLost, "batch request failed: %v", err)
	}
	defer rsp.Body.Close()

	var rbody io.Reader = rsp.Body
	if strings.EqualFold(rsp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(rsp.Body)
		if err != nil {
			return nil, pipeline.Errorf(pipeline.CodeParseError, "invalid gzip response: %v", err)
		}
		defer zr.Close()
		rbody = zr
	}
	rdata, err := io.ReadAll(rbody)
	if err != nil {
		return nil, pipeline.Errorf(pipeline.CodeConnectionLost, "read response: %v", err)
	}
	replies, _, derr := pipeline.DecodeMessages(rdata)
	if rsp.StatusCode != http.StatusOK {
		// An error status may still carry error messages worth reporting.
		return replies, pipeline.Errorf(pipeline.CodeInternalError, "batch request: HTTP status %s", rsp.Status)
	} else if derr != nil {
		return nil, pipeline.Errorf(pipeline.CodeParseError, "invalid response: %v", derr)
	}
	return replies, nil
}

// matchReplies returns one reply for each message of sent that expects one.
// Replies are matched by ID, falling back to position. A message with no
// matching reply gets an error reply derived from err, or from an error reply
// without an ID if the server sent one.
func matchReplies(sent, replies []*pipeline.Message, err error) []*pipeline.Message {
	byID := make(map[string]*pipeline.Message)
	var anon *pipeline.ErrorData
	for _, r := range replies {
		if r.ID != "" {
			byID[r.ID] = r
		} else if r.Type == pipeline.TypeError && anon == nil {
			anon = r.Error
		}
	}

	var out []*pipeline.Message
	for i, m := range sent {
		if m.Type != pipeline.TypeCall && m.Type != pipeline.TypePing {
			continue
		}
		if r, ok := byID[m.ID]; ok {
			out = append(out, r)
			continue
		}
		if i < len(replies) && replies[i].ID == "" && replies[i].Type != pipeline.TypeError {
			r := *replies[i]
			r.ID = m.ID
			out = append(out, &r)
			continue
		}
		out = append(out, &pipeline.Message{ID: m.ID, Type: pipeline.TypeError, Error: missingReply(m, anon, err)})
	}
	return out
}

func missingReply(m *pipeline.Message, anon *pipeline.ErrorData, err error) *pipeline.ErrorData {
	switch {
	case anon != nil:
		return anon
	case err != nil:
		if ed, ok := err.(*pipeline.ErrorData); ok {
			return ed
		}
		return pipeline.Errorf(pipeline.CodeInternalError, "%v", err)
	default:
		return pipeline.Errorf(pipeline.CodeInternalError, "no reply for message %s", m.ID)
	}
}

// String returns a human-friendly rendering of b.
func (b *Batch) String() string { return fmt.Sprintf("Batch(%s)", b.url) }
