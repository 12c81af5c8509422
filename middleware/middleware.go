// Package middleware wraps the listener's command handler.
//
// A handler turns a decoded request into a result. Middlewares compose in the
// onion model: Chain(A, B)(h) runs A's before-part, then B's, then h, then B's
// after-part and A's.
package middleware

import (
	"context"

	"mini-ipc/message"
)

// HandlerFunc executes one request. It never returns nil; failures are
// reported as error results.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
