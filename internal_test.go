// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAsCallbackRef(t *testing.T) {
	tests := []struct {
		in     any
		wantID string
		wantOK bool
	}{
		{nil, "", false},
		{"x", "", false},
		{CallbackRef{Callback: true, ID: "a"}, "a", true},
		{&CallbackRef{Callback: true, ID: "b"}, "b", true},
		{(*CallbackRef)(nil), "", false},
		{CallbackRef{ID: "c"}, "c", false},
		{map[string]any{"__callback": true, "id": "d"}, "d", true},
		{map[string]any{"__callback": true, "id": ""}, "", false},
		{map[string]any{"__callback": "yes", "id": "e"}, "e", false},
		{map[string]any{"__callback": true, "id": "f", "extra": 1}, "", false},
	}
	for _, tc := range tests {
		id, ok := asCallbackRef(tc.in)
		if ok != tc.wantOK || (ok && id != tc.wantID) {
			t.Errorf("asCallbackRef(%#v): got (%q, %v), want (%q, %v)", tc.in, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func TestToErrorData(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *ErrorData
	}{
		{"ErrorData", Errorf(CodeRateLimited, "slow down"),
			&ErrorData{Code: CodeRateLimited, Message: "slow down"}},
		{"Wrapped", fmt.Errorf("outer: %w", Errorf(CodeTimeout, "inner")),
			&ErrorData{Code: CodeTimeout, Message: "outer: [TIMEOUT] inner"}},
		{"Canceled", context.Canceled,
			&ErrorData{Code: CodeCanceled, Message: "context canceled"}},
		{"Deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded),
			&ErrorData{Code: CodeTimeout, Message: "wait: context deadline exceeded"}},
		{"Other", errors.New("bad"),
			&ErrorData{Code: CodeInternalError, Message: "bad"}},
		{"Stack", &ErrorData{Code: CodeInternalError, Message: "p", Stack: "trace"},
			&ErrorData{Code: CodeInternalError, Message: "p"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(toErrorData(tc.err, false), tc.want); diff != "" {
				t.Errorf("toErrorData (-got, +want):\n%s", diff)
			}
		})
	}

	got := toErrorData(&ErrorData{Code: CodeInternalError, Message: "p", Stack: "trace"}, true)
	if got.Stack != "trace" {
		t.Errorf("toErrorData debug: got stack %q, want trace", got.Stack)
	}
}

func TestProtect(t *testing.T) {
	v, err := protect(false, func() (any, error) { return 1, nil })
	if v != 1 || err != nil {
		t.Errorf("protect: got %v, %v; want 1, nil", v, err)
	}

	_, err = protect(false, func() (any, error) { panic("whoa") })
	var ed *ErrorData
	if !errors.As(err, &ed) || ed.Code != CodeInternalError || ed.Stack != "" {
		t.Errorf("protect panic: got %#v, want INTERNAL_ERROR without stack", err)
	}

	_, err = protect(true, func() (any, error) { panic("whoa") })
	if !errors.As(err, &ed) || ed.Stack == "" {
		t.Errorf("protect panic (debug): got %#v, want a stack", err)
	}
}

func TestCallError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
	}{
		{"Canceled", context.Canceled, CodeCanceled},
		{"Deadline", context.DeadlineExceeded, CodeTimeout},
		{"ErrorData", ErrConnectionLost, CodeConnectionLost},
		{"Other", errors.New("x"), CodeInternalError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ce := callError("id", tc.err)
			if ce.Code != tc.code {
				t.Errorf("Code: got %q, want %q", ce.Code, tc.code)
			}
			if !errors.Is(ce, tc.err) {
				t.Errorf("errors.Is(%v, %v) is false", ce, tc.err)
			}
		})
	}

	remote := &CallError{ID: "r", ErrorData: ErrorData{Code: CodeMethodNotFound, Message: "no"}}
	if !errors.Is(remote, ErrMethodNotFound) {
		t.Errorf("Remote error %v does not match ErrMethodNotFound", remote)
	}
	if errors.Is(remote, ErrTimeout) {
		t.Errorf("Remote error %v matches ErrTimeout", remote)
	}
}

// loopLink is a link that invokes remote references in its own registry,
// as if the far side of the connection were the same process.
type loopLink struct{ cbs *Callbacks }

func (l loopLink) callbacks() *Callbacks { return l.cbs }

func (l loopLink) invokeRemote(ctx context.Context, id string, args []any) (any, error) {
	return l.cbs.Invoke(ctx, id, args)
}

func TestEncodeDecode(t *testing.T) {
	var reg Callbacks
	var scope []string
	double := func(n int) int { return 2 * n }

	enc := encodeValue(map[string]any{
		"n":   1,
		"fn":  double,
		"all": []any{"x", double},
	}, &reg, func(id string) { scope = append(scope, id) })
	if len(scope) != 2 || reg.Len() != 2 {
		t.Fatalf("encodeValue registered %d callbacks (tracked %d), want 2", reg.Len(), len(scope))
	}

	// Round trip through JSON, as a transport would.
	data, err := json.Marshal(enc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var wire any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	dec := decodeValue(wire, loopLink{cbs: &reg}).(map[string]any)
	ctx := context.Background()
	for _, fn := range []any{dec["fn"], dec["all"].([]any)[1]} {
		f, ok := fn.(Func)
		if !ok {
			t.Fatalf("Decoded value: got %T, want Func", fn)
		}
		if v, err := f(ctx, 21); err != nil || v != 42 {
			t.Errorf("Decoded call: got %v, %v; want 42, nil", v, err)
		}
	}
	if dec["n"] != 1.0 || dec["all"].([]any)[0] != "x" {
		t.Errorf("Decoded data: got %v", dec)
	}

	for _, id := range scope {
		reg.Release(id)
	}
	if n := reg.Len(); n != 0 {
		t.Errorf("Callbacks after release: got %d, want 0", n)
	}
	if _, err := dec["fn"].(Func)(ctx, 1); !errors.Is(err, ErrCallbackNotFound) {
		t.Errorf("Released call: got %v, want CALLBACK_NOT_FOUND", err)
	}
}

func TestCallbacks(t *testing.T) {
	var reg Callbacks
	before := rootMetrics.callbacks.Value()

	a := reg.Register(func(_ context.Context, args ...any) (any, error) { return len(args), nil })
	b := reg.Register(func(context.Context, ...any) (any, error) { return nil, errors.New("b") })
	if a.ID == b.ID || !a.Callback || !b.Callback {
		t.Errorf("Register: got %+v, %+v; want distinct references", a, b)
	}
	if n := rootMetrics.callbacks.Value() - before; n != 2 {
		t.Errorf("callbacks_registered: got +%d, want +2", n)
	}

	ctx := context.Background()
	if v, err := reg.Invoke(ctx, a.ID, []any{1, 2}); err != nil || v != 2 {
		t.Errorf("Invoke a: got %v, %v; want 2, nil", v, err)
	}
	if _, err := reg.Invoke(ctx, b.ID, nil); err == nil || err.Error() != "b" {
		t.Errorf("Invoke b: got %v, want b", err)
	}
	if _, err := reg.Invoke(ctx, "nonesuch", nil); !errors.Is(err, ErrCallbackNotFound) {
		t.Errorf("Invoke unknown: got %v, want CALLBACK_NOT_FOUND", err)
	}

	reg.Release(a.ID)
	reg.Release(a.ID) // idempotent
	if _, err := reg.Invoke(ctx, a.ID, nil); !errors.Is(err, ErrCallbackNotFound) {
		t.Errorf("Invoke released: got %v, want CALLBACK_NOT_FOUND", err)
	}
	reg.Clear()
	if reg.Len() != 0 {
		t.Errorf("Len after Clear: got %d, want 0", reg.Len())
	}
	if n := rootMetrics.callbacks.Value() - before; n != 0 {
		t.Errorf("callbacks_registered: got +%d, want +0", n)
	}
}

func TestDecodeMessages(t *testing.T) {
	tests := []struct {
		in      string
		wantN   int
		isArray bool
		wantErr bool
	}{
		{`{"id":"1","type":"call","method":"m"}`, 1, false, false},
		{`  [{"id":"1","type":"ping"},{"id":"2","type":"pong"}]`, 2, true, false},
		{`[]`, 0, true, false},
		{``, 0, false, true},
		{`[null]`, 0, true, true},
		{`{"id":`, 0, false, true},
		{`[{"id":1}]`, 0, true, true},
	}
	for _, tc := range tests {
		msgs, isArray, err := DecodeMessages([]byte(tc.in))
		if (err != nil) != tc.wantErr {
			t.Errorf("DecodeMessages(%q): got err %v, want error %v", tc.in, err, tc.wantErr)
			continue
		}
		if len(msgs) != tc.wantN || isArray != tc.isArray {
			t.Errorf("DecodeMessages(%q): got %d messages (array %v), want %d (array %v)",
				tc.in, len(msgs), isArray, tc.wantN, tc.isArray)
		}
	}
}
