package server

import (
	"context"
	"fmt"
	"slices"

	"slurm-rpc/message"
)

// Typed adapts a handler over a concrete body type to the handler table.
// The codec has already matched body types to tags, so a mismatch means the
// handler was registered under the wrong tag; it is answered with Error.
//
//	s.Handle(message.RequestJobStepInfo, server.Typed(func(ctx context.Context, req *message.JobStepInfoRequest) *message.Msg {
//		...
//	}))
func Typed[T any](h func(ctx context.Context, body *T) *message.Msg) func(context.Context, *message.Msg) *message.Msg {
	return func(ctx context.Context, req *message.Msg) *message.Msg {
		body, ok := req.Body.(*T)
		if !ok {
			return message.RC(message.Error)
		}
		return h(ctx, body)
	}
}

// HandleTyped registers a typed handler for t.
func HandleTyped[T any](s *Server, t message.MsgType, h func(ctx context.Context, body *T) *message.Msg) {
	s.Handle(t, Typed(h))
}

// Handlers lists the registered message types, for startup logging.
func (s *Server) Handlers() []string {
	names := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		names = append(names, fmt.Sprintf("%s(%d)", t, uint16(t)))
	}
	slices.Sort(names)
	return names
}
