// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/pipeline"
	"github.com/creachadair/pipeline/transport"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/klauspost/compress/gzip"
)

func callMsg(id, method string, params ...any) *pipeline.Message {
	return &pipeline.Message{ID: id, Type: pipeline.TypeCall, Method: method, Params: params}
}

// ignoreErrorText compares error data by code alone.
var ignoreErrorText = cmpopts.IgnoreFields(pipeline.ErrorData{}, "Message", "Stack")

func TestProcessCall(t *testing.T) {
	d := pipeline.NewDispatcher().
		Register("add", func(a, b int) int { return a + b }).
		Register("user", func(id string) map[string]any {
			return map[string]any{"id": id, "tags": []any{"a", "b"}}
		}).
		Register("panic", func() string { panic("oh no") }).
		Register("fn", func() func() int { return func() int { return 1 } }).
		Handle("raw", func(_ context.Context, params ...any) (any, error) { return len(params), nil })

	tests := []struct {
		name string
		in   *pipeline.Message
		want *pipeline.Message
	}{
		{"Result", callMsg("1", "add", 3, 4),
			&pipeline.Message{ID: "1", Type: pipeline.TypeResult, Result: 7}},
		{"Chain", &pipeline.Message{ID: "2", Type: pipeline.TypeCall, Method: "user", Params: []any{"u"},
			Chain: []pipeline.Operation{{Kind: pipeline.OpGet, Key: "tags"}, {Kind: pipeline.OpGet, Key: "1"}}},
			&pipeline.Message{ID: "2", Type: pipeline.TypeResult, Result: "b"}},
		{"Raw", callMsg("3", "raw", 1, 2, 3),
			&pipeline.Message{ID: "3", Type: pipeline.TypeResult, Result: 3}},
		{"NotCall", &pipeline.Message{ID: "4", Type: pipeline.TypeResult},
			&pipeline.Message{ID: "4", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeInvalidRequest}}},
		{"NoMethod", &pipeline.Message{ID: "5", Type: pipeline.TypeCall},
			&pipeline.Message{ID: "5", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeInvalidRequest}}},
		{"Unknown", callMsg("6", "nonesuch"),
			&pipeline.Message{ID: "6", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeMethodNotFound}}},
		{"Panic", callMsg("7", "panic"),
			&pipeline.Message{ID: "7", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeInternalError}}},
		{"BadChain", &pipeline.Message{ID: "8", Type: pipeline.TypeCall, Method: "add", Params: []any{1, 2},
			Chain: []pipeline.Operation{{Kind: pipeline.OpCall}}},
			&pipeline.Message{ID: "8", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeInternalError}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := d.ProcessCall(context.Background(), tc.in)
			if diff := cmp.Diff(got, tc.want, ignoreErrorText); diff != "" {
				t.Errorf("ProcessCall (-got, +want):\n%s", diff)
			}
		})
	}

	t.Run("FuncResult", func(t *testing.T) {
		got := d.ProcessCall(context.Background(), callMsg("9", "fn"))
		if got.Type != pipeline.TypeResult {
			t.Fatalf("ProcessCall: got %v, want result", got)
		}
		if ref, ok := got.Result.(pipeline.CallbackRef); !ok || !ref.Callback || ref.ID == "" {
			t.Errorf("Result: got %#v, want a callback reference", got.Result)
		}
	})
}

func TestDebugStack(t *testing.T) {
	d := pipeline.NewDispatcher().Register("panic", func() string { panic("oh no") })

	rsp := d.ProcessCall(context.Background(), callMsg("1", "panic"))
	if rsp.Error == nil || rsp.Error.Stack != "" {
		t.Errorf("Without debug: got %+v, want error without stack", rsp.Error)
	}
	if !strings.Contains(rsp.Error.Message, "oh no") {
		t.Errorf("Panic message: got %q, want it to mention the panic", rsp.Error.Message)
	}

	d.Debug(true)
	rsp = d.ProcessCall(context.Background(), callMsg("2", "panic"))
	if rsp.Error == nil || rsp.Error.Stack == "" {
		t.Errorf("With debug: got %+v, want error with stack", rsp.Error)
	}
}

func TestHooks(t *testing.T) {
	var μ sync.Mutex
	var log []string
	record := func(s string) {
		μ.Lock()
		defer μ.Unlock()
		log = append(log, s)
	}
	hook := func(tag string, reject bool) pipeline.Hooks {
		return pipeline.Hooks{
			BeforeCall: func(ctx context.Context, msg *pipeline.Message) error {
				record(tag + ":before:" + msg.Method)
				if reject {
					return pipeline.Errorf(pipeline.CodeInvalidRequest, "rejected by %s", tag)
				}
				return nil
			},
			AfterCall: func(ctx context.Context, msg *pipeline.Message, result any, err error) {
				if err != nil {
					record(tag + ":after:error")
				} else {
					record(tag + ":after:ok")
				}
			},
		}
	}

	d := pipeline.NewDispatcher().
		Register("ok", func() string { return "ok" }).
		Register("fail", func() error { return errors.New("bad") }).
		Hook(hook("A", false)).
		Hook(hook("B", false))

	d.ProcessCall(context.Background(), callMsg("1", "ok"))
	d.ProcessCall(context.Background(), callMsg("2", "fail"))
	d.ProcessCall(context.Background(), callMsg("3", "nonesuch"))

	// A rejecting hook stops the call; hooks that ran before it still see the
	// outcome, but later hooks are not run at all.
	d.Hook(hook("C", true)).Hook(hook("D", false))
	rsp := d.ProcessCall(context.Background(), callMsg("4", "ok"))
	if rsp.Type != pipeline.TypeError || !errors.Is(rsp.Error, pipeline.ErrInvalidRequest) {
		t.Errorf("Rejected call: got %v, want INVALID_REQUEST", rsp)
	}

	if diff := cmp.Diff(log, []string{
		"A:before:ok", "B:before:ok", "A:after:ok", "B:after:ok",
		"A:before:fail", "B:before:fail", "A:after:error", "B:after:error",
		"A:before:ok", "B:before:ok", "C:before:ok", "A:after:error", "B:after:error",
	}); diff != "" {
		t.Errorf("Hook log (-got, +want):\n%s", diff)
	}
}

func TestRateLimit(t *testing.T) {
	d := pipeline.NewDispatcher().
		Register("ok", func() bool { return true }).
		Hook(pipeline.RateLimit(0.001, 2))

	var codes []pipeline.Code
	for range 4 {
		rsp := d.ProcessCall(context.Background(), callMsg("x", "ok"))
		if rsp.Error != nil {
			codes = append(codes, rsp.Error.Code)
		} else {
			codes = append(codes, "")
		}
	}
	if diff := cmp.Diff(codes, []pipeline.Code{"", "", pipeline.CodeRateLimited, pipeline.CodeRateLimited}); diff != "" {
		t.Errorf("Codes (-got, +want):\n%s", diff)
	}
}

func TestLogCalls(t *testing.T) {
	var μ sync.Mutex
	var lines []string
	d := pipeline.NewDispatcher().
		Register("ok", func() bool { return true }).
		Register("fail", func() error { return errors.New("bad") }).
		Hook(pipeline.LogCalls(func(msg string, args ...any) {
			μ.Lock()
			defer μ.Unlock()
			lines = append(lines, msg)
		}))
	d.ProcessCall(context.Background(), callMsg("1", "ok"))
	d.ProcessCall(context.Background(), callMsg("2", "fail"))

	if len(lines) != 2 || !strings.Contains(lines[0], "ok after") || !strings.Contains(lines[1], "failed after") {
		t.Errorf("Log lines: got %q", lines)
	}
}

func TestContextValue(t *testing.T) {
	type principal struct{ Name string }
	d := pipeline.NewDispatcher().
		NewContext(func(ctx context.Context, msg *pipeline.Message) (any, error) {
			if msg.Method == "deny" {
				return nil, pipeline.Errorf(pipeline.CodeInvalidRequest, "unauthorized")
			}
			return principal{Name: "alice"}, nil
		}).
		Register("whoami", func(ctx context.Context) (string, error) {
			p, ok := pipeline.ContextValue(ctx).(principal)
			if !ok {
				return "", errors.New("no principal")
			}
			return p.Name + "/" + pipeline.ContextMessage(ctx).ID, nil
		}).
		Register("deny", func() bool { return true })

	if rsp := d.ProcessCall(context.Background(), callMsg("c1", "whoami")); rsp.Result != "alice/c1" {
		t.Errorf("whoami: got %v, want alice/c1", rsp)
	}
	if rsp := d.ProcessCall(context.Background(), callMsg("c2", "deny")); !errors.Is(rsp.Error, pipeline.ErrInvalidRequest) {
		t.Errorf("deny: got %v, want INVALID_REQUEST", rsp)
	}
	if m := pipeline.ContextMessage(context.Background()); m != nil {
		t.Errorf("ContextMessage outside a call: got %v, want nil", m)
	}
}

func TestMethods(t *testing.T) {
	d := pipeline.NewDispatcher().
		Register("b", func() {}).
		Register("a", func() {}).
		Register("c", func() {})
	d.Handle("c", nil)

	got := d.Methods()
	slices.Sort(got)
	if diff := cmp.Diff(got, []string{"a", "b"}); diff != "" {
		t.Errorf("Methods (-got, +want):\n%s", diff)
	}
}

func postBatch(t *testing.T, url string, body []byte, hdr map[string]string) (*http.Response, []*pipeline.Message) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	// Disable the transport's automatic decompression so the test sees what
	// the server sent.
	rsp, err := (&http.Client{Transport: &http.Transport{DisableCompression: true}}).Do(req)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer rsp.Body.Close()

	var r io.Reader = rsp.Body
	if rsp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(rsp.Body)
		if err != nil {
			t.Fatalf("Gzip reader: %v", err)
		}
		r = zr
	}
	var msgs []*pipeline.Message
	if err := json.NewDecoder(r).Decode(&msgs); err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	return rsp, msgs
}

func TestServeHTTP(t *testing.T) {
	d := pipeline.NewDispatcher().
		Register("add", func(a, b int) int { return a + b }).
		Register("each", func(ctx context.Context, f pipeline.Func) error {
			_, err := f(ctx, "x")
			return err
		}).
		Register("where", func(ctx context.Context) string {
			if r := pipeline.HTTPRequest(ctx); r != nil {
				return r.Header.Get("X-Where")
			}
			return "nowhere"
		})
	srv := httptest.NewServer(d)
	defer srv.Close()

	t.Run("Batch", func(t *testing.T) {
		rsp, got := postBatch(t, srv.URL, []byte(`[
  {"id":"1","type":"call","method":"add","params":[1,2]},
  {"id":"2","type":"call","method":"nonesuch"},
  {"id":"3","type":"ping"},
  {"id":"4","type":"call","method":"where"},
  {"id":"5","type":"result"},
  {"id":"6","type":"call","method":"each","params":[{"__callback":true,"id":"cb1"}]},
  {"id":"7","type":"call","callbackId":"cb2"}
]`), map[string]string{"X-Where": "here"})
		if rsp.StatusCode != http.StatusOK {
			t.Errorf("Status: got %d, want 200", rsp.StatusCode)
		}
		if diff := cmp.Diff(got, []*pipeline.Message{
			{ID: "1", Type: pipeline.TypeResult, Result: 3.0},
			{ID: "2", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeMethodNotFound}},
			{ID: "3", Type: pipeline.TypePong},
			{ID: "4", Type: pipeline.TypeResult, Result: "here"},
			{ID: "5", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeInvalidRequest}},
			{ID: "6", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeCallbackNotFound}},
			{ID: "7", Type: pipeline.TypeError, Error: &pipeline.ErrorData{Code: pipeline.CodeCallbackNotFound}},
		}, ignoreErrorText); diff != "" {
			t.Errorf("Replies (-got, +want):\n%s", diff)
		}
	})

	t.Run("Single", func(t *testing.T) {
		_, got := postBatch(t, srv.URL, []byte(`{"id":"s","type":"call","method":"add","params":[2,2]}`), nil)
		if diff := cmp.Diff(got, []*pipeline.Message{{ID: "s", Type: pipeline.TypeResult, Result: 4.0}}); diff != "" {
			t.Errorf("Replies (-got, +want):\n%s", diff)
		}
	})

	t.Run("Gzip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write([]byte(`[{"id":"g","type":"call","method":"add","params":[5,5]}]`))
		zw.Close()
		rsp, got := postBatch(t, srv.URL, buf.Bytes(), map[string]string{
			"Content-Encoding": "gzip",
			"Accept-Encoding":  "gzip",
		})
		if ce := rsp.Header.Get("Content-Encoding"); ce != "gzip" {
			t.Errorf("Content-Encoding: got %q, want gzip", ce)
		}
		if diff := cmp.Diff(got, []*pipeline.Message{{ID: "g", Type: pipeline.TypeResult, Result: 10.0}}); diff != "" {
			t.Errorf("Replies (-got, +want):\n%s", diff)
		}
	})

	t.Run("ParseError", func(t *testing.T) {
		for _, body := range []string{`{not json`, ``, `[{"id":"1"}, null]`} {
			rsp, got := postBatch(t, srv.URL, []byte(body), nil)
			if rsp.StatusCode != http.StatusBadRequest {
				t.Errorf("Body %q: got status %d, want 400", body, rsp.StatusCode)
			}
			if len(got) != 1 || !errors.Is(got[0].Error, pipeline.ErrParse) {
				t.Errorf("Body %q: got %v, want PARSE_ERROR", body, got)
			}
		}
	})

	t.Run("Method", func(t *testing.T) {
		rsp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		rsp.Body.Close()
		if rsp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET: got status %d, want 405", rsp.StatusCode)
		}
	})

	t.Run("Client", func(t *testing.T) {
		// Over a batch transport the callback has no way back to the caller.
		c := pipeline.NewClient(transport.NewBatch(srv.URL, nil), nil)
		defer c.Close()
		_, err := c.Invoke(context.Background(), "each", func(s string) {
			t.Errorf("Callback was invoked with %q", s)
		})
		if !errors.Is(err, pipeline.ErrCallbackNotFound) {
			t.Errorf("Invoke: got %v, want CALLBACK_NOT_FOUND", err)
		}
		if n := c.Callbacks().Len(); n != 0 {
			t.Errorf("Callbacks after call: got %d, want 0", n)
		}
	})
}
