package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"slurm-rpc/message"
)

// LoggingMiddleware logs every request with its duration, and failures at
// warn level with the return code.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Msg) *message.Msg {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)

			rc := ReturnCode(reply)
			if rc != message.Success {
				log.Warn("request failed",
					zap.Stringer("type", req.Type),
					zap.Duration("duration", duration),
					zap.Int32("rc", int32(rc)),
					zap.Stringer("error", rc))
				return reply
			}
			log.Debug("request served",
				zap.Stringer("type", req.Type),
				zap.Duration("duration", duration))
			return reply
		}
	}
}
