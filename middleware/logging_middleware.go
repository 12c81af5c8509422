package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-ipc/message"
)

// LoggingMiddleware logs every executed command with its duration, and the
// error for failed ones.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Result {
			start := time.Now()
			res := next(ctx, req)
			fields := []zap.Field{
				zap.String("command", req.Name),
				zap.Stringer("context", req.Context),
				zap.Duration("duration", time.Since(start)),
			}
			if !res.OK {
				logger.Warn("command failed", append(fields, zap.String("kind", res.Kind), zap.String("error", res.Error))...)
				return res
			}
			logger.Debug("command done", fields...)
			return res
		}
	}
}
