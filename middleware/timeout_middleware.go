package middleware

import (
	"context"
	"time"

	"slurm-rpc/message"
)

// TimeOutMiddleware answers ErrorProtocolTimeout when next does not return
// within timeout. next keeps running with a cancelled context; its late reply
// is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Msg) *message.Msg {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Msg, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.RC(message.ErrorProtocolTimeout)
			}
		}
	}
}
