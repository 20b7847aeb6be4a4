// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/pipeline"
	"github.com/creachadair/pipeline/transport"
	"github.com/google/go-cmp/cmp"
)

func newTestDispatcher() *pipeline.Dispatcher {
	return pipeline.NewDispatcher().
		Register("add", func(a, b int) int { return a + b }).
		Register("user", func(id string) map[string]any {
			return map[string]any{"id": id, "profile": map[string]any{"name": "user-" + id}}
		})
}

// recvN receives n messages from t and returns them sorted by ID.
func recvN(t *testing.T, tr pipeline.Transport, n int) []*pipeline.Message {
	t.Helper()
	var out []*pipeline.Message
	for range n {
		msg, err := tr.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func TestBatch(t *testing.T) {
	var posts atomic.Int32
	d := newTestDispatcher()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer xyzzy" {
			t.Errorf("Authorization: got %q, want %q", got, "Bearer xyzzy")
		}
		d.ServeHTTP(w, r)
	}))
	defer srv.Close()

	for _, compress := range []bool{false, true} {
		posts.Store(0)
		b := transport.NewBatch(srv.URL, &transport.BatchOptions{
			Header:        http.Header{"Authorization": {"Bearer xyzzy"}},
			FlushInterval: time.Hour, // flush explicitly
			Compress:      compress,
		})

		b.Send(&pipeline.Message{ID: "1", Type: pipeline.TypeCall, Method: "add", Params: []any{2, 3}})
		b.Send(&pipeline.Message{ID: "2", Type: pipeline.TypeCall, Method: "user", Params: []any{"x"},
			Chain: []pipeline.Operation{{Kind: pipeline.OpGet, Key: "profile"}, {Kind: pipeline.OpGet, Key: "name"}}})
		b.Send(&pipeline.Message{ID: "3", Type: pipeline.TypeCall, Method: "nonesuch"})
		b.Send(&pipeline.Message{ID: "3", Type: pipeline.TypeCancel}) // dropped
		b.Flush()

		got := recvN(t, b, 3)
		want := []*pipeline.Message{
			{ID: "1", Type: pipeline.TypeResult, Result: 5.0},
			{ID: "2", Type: pipeline.TypeResult, Result: "user-x"},
			{ID: "3", Type: pipeline.TypeError, Error: &pipeline.ErrorData{
				Code: pipeline.CodeMethodNotFound, Message: `method "nonesuch" not found`,
			}},
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Replies compress=%v (-got, +want):\n%s", compress, diff)
		}
		if n := posts.Load(); n != 1 {
			t.Errorf("Posts compress=%v: got %d, want 1", compress, n)
		}
		b.Close()
	}
}

func TestBatchPositional(t *testing.T) {
	// A server that replies without IDs is matched by position.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msgs []*pipeline.Message
		json.NewDecoder(r.Body).Decode(&msgs)
		out := make([]*pipeline.Message, len(msgs))
		for i, m := range msgs {
			out[i] = &pipeline.Message{Type: pipeline.TypeResult, Result: m.Method}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	b := transport.NewBatch(srv.URL, &transport.BatchOptions{FlushInterval: time.Hour})
	defer b.Close()
	b.Send(&pipeline.Message{ID: "a", Type: pipeline.TypeCall, Method: "first"})
	b.Send(&pipeline.Message{ID: "b", Type: pipeline.TypeCall, Method: "second"})
	b.Flush()

	got := recvN(t, b, 2)
	want := []*pipeline.Message{
		{ID: "a", Type: pipeline.TypeResult, Result: "first"},
		{ID: "b", Type: pipeline.TypeResult, Result: "second"},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Replies (-got, +want):\n%s", diff)
	}
}

func TestBatchHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := transport.NewBatch(srv.URL, &transport.BatchOptions{Logf: t.Logf})
	defer b.Close()
	b.Send(&pipeline.Message{ID: "p", Type: pipeline.TypeCall, Method: "x"})
	b.Send(&pipeline.Message{ID: "q", Type: pipeline.TypeCall, Method: "y"})

	for _, msg := range recvN(t, b, 2) {
		if msg.Type != pipeline.TypeError || msg.Error == nil {
			t.Errorf("Reply %s: got %v, want error", msg.ID, msg)
		} else if msg.Error.Code != pipeline.CodeInternalError {
			t.Errorf("Reply %s: code %v, want %v", msg.ID, msg.Error.Code, pipeline.CodeInternalError)
		}
	}
}

func TestBatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // nothing is listening now

	b := transport.NewBatch(url, &transport.BatchOptions{Logf: t.Logf})
	defer b.Close()
	b.Send(&pipeline.Message{ID: "z", Type: pipeline.TypeCall, Method: "x"})

	msg, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.ID != "z" || !errors.Is(msg.Error, pipeline.ErrConnectionLost) {
		t.Errorf("Reply: got %v, want CONNECTION_LOST for z", msg)
	}
}

func TestBatchClient(t *testing.T) {
	srv := httptest.NewServer(newTestDispatcher())
	defer srv.Close()

	c := pipeline.NewClient(transport.NewBatch(srv.URL, nil), nil)
	defer c.Close()

	ctx := context.Background()
	name, err := pipeline.Await[string](ctx, c.Call("user", "7").Get("profile").Get("name"))
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if name != "user-7" {
		t.Errorf("Result: got %q, want %q", name, "user-7")
	}
}
