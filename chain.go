// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// OpKind identifies the kind of a chained operation.
type OpKind string

const (
	OpGet       OpKind = "get"       // index the current value by key
	OpCall      OpKind = "call"      // invoke the current value
	OpConstruct OpKind = "construct" // reserved; treated as a call
)

// An Operation is one step in a chain. Each operation is applied to the result
// of the previous one, or to the return value of the call for the first.
//
// As a shorthand, an OpCall or OpConstruct with a non-empty Key first looks up
// Key on the current value and then invokes the result.
type Operation struct {
	Kind OpKind `json:"kind"`
	Key  string `json:"key,omitempty"`
	Args []any  `json:"args,omitempty"`
}

func (o Operation) String() string {
	switch o.Kind {
	case OpGet:
		return fmt.Sprintf("get %q", o.Key)
	case OpCall, OpConstruct:
		if o.Key != "" {
			return fmt.Sprintf("%s %q (%d args)", o.Kind, o.Key, len(o.Args))
		}
		return fmt.Sprintf("%s (%d args)", o.Kind, len(o.Args))
	default:
		return fmt.Sprintf("op %q", o.Kind)
	}
}

// Func is the signature of a function that can be invoked remotely, either as
// a dispatcher method or as a callback passed across the wire.
type Func func(ctx context.Context, args ...any) (any, error)

// A Getter is a value that resolves named properties itself. Apply consults
// it before falling back to reflection.
type Getter interface {
	GetProperty(key string) (any, bool)
}

var (
	// ErrPropertyNotFound is reported when a get operation is applied to a nil
	// value or to a value that has no property with the requested key.
	ErrPropertyNotFound = errors.New("property not found")

	// ErrNotCallable is reported when a call operation is applied to a value
	// that is not a function.
	ErrNotCallable = errors.New("value is not callable")
)

// ChainError reports a failure to apply one step of an operation chain.
type ChainError struct {
	Index int       // offset of the failing operation in the chain
	Op    Operation // the failing operation
	Err   error     // the underlying error
}

func (c *ChainError) Error() string {
	return fmt.Sprintf("chain step %d (%v): %v", c.Index, c.Op, c.Err)
}

func (c *ChainError) Unwrap() error { return c.Err }

// Apply replays chain against base and returns the final value. Applying an
// empty chain returns base unchanged. Apply never modifies base.
//
// Errors reported by a function invoked by the chain are returned unchanged.
// Failures to resolve a key or to invoke a non-function are reported as a
// *ChainError wrapping ErrPropertyNotFound or ErrNotCallable.
func Apply(ctx context.Context, base any, chain []Operation) (any, error) {
	cur := base
	for i, op := range chain {
		switch op.Kind {
		case OpGet:
			v, err := getProperty(cur, op.Key)
			if err != nil {
				return nil, &ChainError{Index: i, Op: op, Err: err}
			}
			cur = v

		case OpCall, OpConstruct:
			target := cur
			if op.Key != "" {
				v, err := getProperty(cur, op.Key)
				if err != nil {
					return nil, &ChainError{Index: i, Op: op, Err: err}
				}
				target = v
			}
			fn, ok := asFunc(target)
			if !ok {
				return nil, &ChainError{Index: i, Op: op, Err: fmt.Errorf("%w: %T", ErrNotCallable, target)}
			}
			v, err := fn(ctx, op.Args...)
			if err != nil {
				return nil, err
			}
			cur = v

		default:
			return nil, &ChainError{Index: i, Op: op, Err: fmt.Errorf("unknown operation kind %q", op.Kind)}
		}
	}
	return cur, nil
}

// getProperty resolves key on v.
func getProperty(v any, key string) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: %q of nil", ErrPropertyNotFound, key)
	}
	switch t := v.(type) {
	case Getter:
		if p, ok := t.GetProperty(key); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrPropertyNotFound, key)
	case map[string]any:
		if p, ok := t[key]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrPropertyNotFound, key)
	case []any:
		if i, err := strconv.Atoi(key); err == nil && i >= 0 && i < len(t) {
			return t[i], nil
		}
		return nil, fmt.Errorf("%w: index %q of %d", ErrPropertyNotFound, key, len(t))
	}

	rv := reflect.ValueOf(v)

	// Methods are looked up on the original value so that pointer receivers
	// are visible.
	if m := methodByKey(rv, key); m.IsValid() {
		return m.Interface(), nil
	}
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: %q of nil %T", ErrPropertyNotFound, key, v)
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		p := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if p.IsValid() {
			return p.Interface(), nil
		}
	case reflect.Slice, reflect.Array:
		if i, err := strconv.Atoi(key); err == nil && i >= 0 && i < rv.Len() {
			return rv.Index(i).Interface(), nil
		}
	case reflect.Struct:
		if f, ok := fieldByKey(rv, key); ok {
			return f.Interface(), nil
		}
	}
	return nil, fmt.Errorf("%w: %q of %T", ErrPropertyNotFound, key, v)
}

// methodByKey finds an exported method of rv named key, allowing the first
// letter of key to be lower case.
func methodByKey(rv reflect.Value, key string) reflect.Value {
	if key == "" || !rv.IsValid() || rv.NumMethod() == 0 {
		return reflect.Value{}
	}
	if m := rv.MethodByName(key); m.IsValid() {
		return m
	}
	return rv.MethodByName(upperFirst(key))
}

// fieldByKey finds an exported field of struct value rv whose JSON name or Go
// name matches key.
func fieldByKey(rv reflect.Value, key string) (reflect.Value, bool) {
	rt := rv.Type()
	for i := range rt.NumField() {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == key || sf.Name == key || (name == "" && sf.Name == upperFirst(key)) {
			return rv.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// asFunc reports whether v can be invoked, and if so returns a Func that
// invokes it.
func asFunc(v any) (Func, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case Func:
		return t, t != nil
	case func(context.Context, ...any) (any, error):
		return t, t != nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, false
	}
	return func(ctx context.Context, args ...any) (any, error) {
		return callReflect(ctx, rv, args)
	}, true
}

// callReflect invokes fn with args. If the first parameter of fn has type
// context.Context, ctx is passed for it. Each argument is converted to the
// corresponding parameter type. The function may return nothing, a value, an
// error, or a value and an error.
func callReflect(ctx context.Context, fn reflect.Value, args []any) (any, error) {
	ft := fn.Type()
	var in []reflect.Value
	np := ft.NumIn()
	first := 0
	if np > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}
	fixed := np - first
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, Errorf(CodeInvalidRequest, "got %d arguments, want at least %d", len(args), fixed)
		}
	} else if len(args) != fixed {
		return nil, Errorf(CodeInvalidRequest, "got %d arguments, want %d", len(args), fixed)
	}
	for i, arg := range args {
		var pt reflect.Type
		if i < fixed {
			pt = ft.In(first + i)
		} else {
			pt = ft.In(np - 1).Elem()
		}
		av, err := convertValue(arg, pt)
		if err != nil {
			return nil, Errorf(CodeInvalidRequest, "argument %d: %v", i, err)
		}
		in = append(in, av)
	}

	out := fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	case 2:
		if ft.Out(1) != errorType {
			break
		}
		if err := asError(out[1]); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
	return nil, fmt.Errorf("unsupported function signature %v", ft)
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// Convert stores src into the value pointed to by dst. If src is assignable to
// the target type it is stored directly; otherwise it is converted by a JSON
// round trip.
func Convert(src, dst any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("convert: destination must be a non-nil pointer, got %T", dst)
	}
	v, err := convertValue(src, dv.Type().Elem())
	if err != nil {
		return err
	}
	dv.Elem().Set(v)
	return nil
}

func convertValue(src any, t reflect.Type) (reflect.Value, error) {
	if src == nil {
		return reflect.Zero(t), nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(t) {
		v := reflect.New(t).Elem()
		v.Set(sv)
		return v, nil
	}
	if t == reflect.TypeFor[Func]() {
		if fn, ok := asFunc(src); ok {
			return reflect.ValueOf(fn), nil
		}
	}
	data, err := json.Marshal(src)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %v: %w", src, t, err)
	}
	pv := reflect.New(t)
	if err := json.Unmarshal(data, pv.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %v: %w", src, t, err)
	}
	return pv.Elem(), nil
}
