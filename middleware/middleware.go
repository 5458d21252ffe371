// Package middleware wraps message handlers in the onion model:
// Chain(A, B, C)(h) runs A.before, B.before, C.before, h, C.after, B.after, A.after.
//
// Handlers never return Go errors. A failure is a ResponseSlurmRC reply
// carrying a return code, which is what goes back over the wire.
package middleware

import (
	"context"

	"slurm-rpc/message"
)

// HandlerFunc serves one decoded request and returns the reply to send.
// A nil reply means nothing is sent back.
type HandlerFunc func(ctx context.Context, req *message.Msg) *message.Msg

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one; the first argument runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ReturnCode extracts the code from a ResponseSlurmRC reply. Other replies
// count as success.
func ReturnCode(reply *message.Msg) message.ReturnCode {
	if reply == nil || reply.Type != message.ResponseSlurmRC {
		return message.Success
	}
	if rc, ok := reply.Body.(*message.ReturnCodeMsg); ok {
		return rc.ReturnCode
	}
	return message.Error
}
