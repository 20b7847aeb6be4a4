// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/creachadair/taskgroup"
	"github.com/klauspost/compress/gzip"
)

// MaxBatchBytes is the largest request body accepted by the batch endpoint,
// after decompression.
const MaxBatchBytes = 16 << 20

// ServeHTTP implements the batch endpoint. The request body is a single
// message or an array of messages, optionally gzip-compressed. The reply is
// an array with one message for each input, in the same order.
//
// Calls in one batch are processed concurrently. Because a batch has no back
// channel to the caller, a callback reference in the params cannot be
// invoked, and the attempt fails with CALLBACK_NOT_FOUND.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			writeBatch(w, r, http.StatusBadRequest, []*Message{
				errorMessage("", Errorf(CodeParseError, "invalid gzip body: %v", err)),
			})
			return
		}
		defer zr.Close()
		body = zr
	}
	data, err := io.ReadAll(io.LimitReader(body, MaxBatchBytes))
	if err != nil {
		writeBatch(w, r, http.StatusBadRequest, []*Message{
			errorMessage("", Errorf(CodeParseError, "read body: %v", err)),
		})
		return
	}
	msgs, _, err := DecodeMessages(data)
	if err != nil {
		writeBatch(w, r, http.StatusBadRequest, []*Message{errorMessage("", Errorf(CodeParseError, "%v", err))})
		return
	}

	d.μ.RLock()
	mlog := d.mlog
	d.μ.RUnlock()

	ctx := context.WithValue(r.Context(), httpRequestKey{}, r)
	out := make([]*Message, len(msgs))
	g := taskgroup.New(nil)
	for i, msg := range msgs {
		rootMetrics.msgRecv.Add(1)
		if mlog != nil {
			mlog(MessageInfo{Message: msg})
		}
		g.Go(func() error {
			out[i] = d.batchReply(ctx, msg)
			return nil
		})
	}
	g.Wait()

	for _, rsp := range out {
		rootMetrics.msgSent.Add(1)
		if mlog != nil {
			mlog(MessageInfo{Message: rsp, Sent: true})
		}
	}
	writeBatch(w, r, http.StatusOK, out)
}

// batchReply returns the reply to one message of a batch.
func (d *Dispatcher) batchReply(ctx context.Context, msg *Message) *Message {
	switch msg.Type {
	case TypeCall:
		if msg.CallbackID != "" {
			return errorMessage(msg.ID, callbackNotFound(msg.CallbackID))
		}
		return d.ProcessCall(ctx, msg)
	case TypePing:
		return &Message{ID: msg.ID, Type: TypePong}
	default:
		return errorMessage(msg.ID, Errorf(CodeInvalidRequest, "unexpected %q message in batch", msg.Type))
	}
}

func writeBatch(w http.ResponseWriter, r *http.Request, code int, msgs []*Message) {
	w.Header().Set("Content-Type", "application/json")
	var out io.Writer = w
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		defer zw.Close()
		out = zw
	}
	w.WriteHeader(code)
	json.NewEncoder(out).Encode(msgs)
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]), "gzip") {
			return true
		}
	}
	return false
}

type httpRequestKey struct{}

// HTTPRequest returns the HTTP request carrying the current call, or nil if
// the call did not arrive by the batch endpoint. A ContextFunc may use it to
// derive a principal from request headers.
func HTTPRequest(ctx context.Context) *http.Request {
	if v := ctx.Value(httpRequestKey{}); v != nil {
		return v.(*http.Request)
	}
	return nil
}
