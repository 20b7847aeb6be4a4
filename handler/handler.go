// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the pipeline.Func type for functions
// with typed parameters and results.
//
// The params of a call are decoded into the parameter type P as follows: with
// no params, P is its zero value; with one param, that value is converted to
// P; with several params, the whole list is converted to P, which must then
// be a slice, array, or any. Conversion follows [pipeline.Convert], so P may
// be any type that encoding/json can decode into. A param that cannot be
// converted is reported as INVALID_REQUEST.
package handler

import (
	"context"

	"github.com/creachadair/pipeline"
)

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a pipeline.Func.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) pipeline.Func {
	return func(ctx context.Context, params ...any) (any, error) {
		p, err := decode[P](params)
		if err != nil {
			return nil, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a pipeline.Func.
func ParamResult[P, R any](f func(context.Context, P) R) pipeline.Func {
	return func(ctx context.Context, params ...any) (any, error) {
		p, err := decode[P](params)
		if err != nil {
			return nil, err
		}
		return f(ctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a pipeline.Func.
func ParamError[P any](f func(context.Context, P) error) pipeline.Func {
	return func(ctx context.Context, params ...any) (any, error) {
		p, err := decode[P](params)
		if err != nil {
			return nil, err
		}
		return nil, f(ctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a pipeline.Func. Any params are ignored.
func ResultError[R any](f func(context.Context) (R, error)) pipeline.Func {
	return func(ctx context.Context, _ ...any) (any, error) {
		r, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a pipeline.Func. Any params are ignored.
func ResultOnly[R any](f func(context.Context) R) pipeline.Func {
	return func(ctx context.Context, _ ...any) (any, error) { return f(ctx), nil }
}

func decode[P any](params []any) (P, error) {
	var p P
	var err error
	switch len(params) {
	case 0:
		return p, nil
	case 1:
		err = pipeline.Convert(params[0], &p)
	default:
		err = pipeline.Convert(params, &p)
	}
	if err != nil {
		return p, pipeline.Errorf(pipeline.CodeInvalidRequest, "invalid params: %v", err)
	}
	return p, nil
}
