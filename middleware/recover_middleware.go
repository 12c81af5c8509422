package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-ipc/errs"
	"mini-ipc/message"
)

// RecoverMiddleware turns a panicking command into an execution error result
// so one bad command cannot take the listener down.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (res *message.Result) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("command panicked", zap.String("command", req.Name), zap.Any("panic", r), zap.Stack("stack"))
					res = message.Failure(req.Name, errs.KindExecution, fmt.Errorf("panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
