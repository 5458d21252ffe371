package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"slurm-rpc/message"
)

// RetryMiddleware re-runs next while it answers a return code retryable for
// the request's type, up to maxRetries extra attempts with exponential
// backoff from baseDelay. It gives up early when ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Msg) *message.Msg {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				rc := ReturnCode(reply)
				if !rc.Retryable(req.Type) {
					return reply
				}
				log.Info("retrying request",
					zap.Stringer("type", req.Type),
					zap.Int("attempt", i+1),
					zap.Stringer("error", rc))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reply
				}
				reply = next(ctx, req)
			}
			return reply
		}
	}
}
