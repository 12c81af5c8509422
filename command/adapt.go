package command

import (
	"context"
	"encoding/json"
	"fmt"

	"mini-ipc/errs"
)

// Convert turns a decoded wire value into A. Values that already have type A
// are returned as is; anything else is re-shaped through JSON, which covers
// the usual codec artifacts (float64 for integers, map[string]any for structs).
func Convert[A any](v any) (A, error) {
	var out A
	if typed, ok := v.(A); ok {
		return typed, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("%w: cannot convert %T to %T: %v", errs.ErrBind, v, out, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: cannot convert %T to %T: %v", errs.ErrBind, v, out, err)
	}
	return out, nil
}

// Arg returns positional argument i converted to A.
func Arg[A any](args Args, i int) (A, error) {
	if i < 0 || i >= len(args.Positional) {
		var zero A
		return zero, fmt.Errorf("%w: no positional argument %d", errs.ErrBind, i)
	}
	return Convert[A](args.Positional[i])
}

// Kwarg returns keyword argument name converted to A.
func Kwarg[A any](args Args, name string) (A, error) {
	v, ok := args.Keywords[name]
	if !ok {
		var zero A
		return zero, fmt.Errorf("%w: no keyword argument %q", errs.ErrBind, name)
	}
	return Convert[A](v)
}

// result drops the typed zero value when fn failed.
func result[R any](r R, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Method0 adapts a typed method with no parameters.
func Method0[T, R any](fn func(T) (R, error)) MethodFunc[T] {
	return func(_ context.Context, recv T, _ Args) (any, error) {
		return result[R](fn(recv))
	}
}

// Method1 adapts a typed method with one positional parameter.
func Method1[T, A, R any](fn func(T, A) (R, error)) MethodFunc[T] {
	return func(_ context.Context, recv T, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return result[R](fn(recv, a))
	}
}

// Method2 adapts a typed method with two positional parameters.
func Method2[T, A, B, R any](fn func(T, A, B) (R, error)) MethodFunc[T] {
	return func(_ context.Context, recv T, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return result[R](fn(recv, a, b))
	}
}

// Method3 adapts a typed method with three positional parameters.
func Method3[T, A, B, C, R any](fn func(T, A, B, C) (R, error)) MethodFunc[T] {
	return func(_ context.Context, recv T, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := Arg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return result[R](fn(recv, a, b, c))
	}
}

// Func0 adapts a plain function with no parameters.
func Func0[R any](fn func() (R, error)) Func {
	return func(context.Context, Host, Args) (any, error) {
		return result[R](fn())
	}
}

// Func1 adapts a plain function with one positional parameter.
func Func1[A, R any](fn func(A) (R, error)) Func {
	return func(_ context.Context, _ Host, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return result[R](fn(a))
	}
}

// Func2 adapts a plain function with two positional parameters.
func Func2[A, B, R any](fn func(A, B) (R, error)) Func {
	return func(_ context.Context, _ Host, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return result[R](fn(a, b))
	}
}
