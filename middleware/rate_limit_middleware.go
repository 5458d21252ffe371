package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"slurm-rpc/message"
)

// RateLimitMiddleware admits r requests per second with the given burst
// (token bucket) and answers ErrorRateLimited past that.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Msg) *message.Msg {
			if !limiter.Allow() {
				return message.RC(message.ErrorRateLimited)
			}
			return next(ctx, req)
		}
	}
}
