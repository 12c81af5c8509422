package middleware

import (
	"context"
	"fmt"
	"time"

	"mini-ipc/errs"
	"mini-ipc/message"
)

// TimeOutMiddleware answers with an execution error once timeout elapses. The
// command itself keeps running; it only sees its context cancelled.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return message.Failure(req.Name, errs.KindExecution, fmt.Errorf("request timed out after %s", timeout))
			}
		}
	}
}
