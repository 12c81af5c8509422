package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"mini-ipc/errs"
	"mini-ipc/message"
)

var errRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Result {
			if !limiter.Allow() {
				return message.Failure(req.Name, errs.KindUnavailable, errRateLimited)
			}
			return next(ctx, req)
		}
	}
}
