// Package server implements the daemon side of slurm-rpc: per-type handler
// registration, a middleware chain, one read loop per connection and graceful
// shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (reads frames in order)
//	  → protocol.ReadFrame → codec.DecodeFrame
//	  → Middleware Chain → dispatch (handler table) → codec.PackBody → protocol.WriteFrame
//
// Frames on one connection are answered in the order they arrive; the header
// has no sequence number to match replies out of order. Messages flagged
// FlagNoResponse are handled on their own goroutine since nothing is written
// back for them.
//
// Error policy: bytes that cannot be framed or decoded drop the connection;
// a well-formed frame of an unknown type is logged and answered with
// ErrorUnknownMsgType, and the connection stays open.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"slurm-rpc/codec"
	"slurm-rpc/message"
	"slurm-rpc/middleware"
	"slurm-rpc/pack"
	"slurm-rpc/protocol"
	"slurm-rpc/registry"
)

// Options configures a Server. The zero value serves with default limits,
// no compression, no metrics and a no-op logger.
type Options struct {
	Limits      pack.Limits
	Frame       protocol.FrameOptions
	Compression uint16 // flag applied to replies
	Logger      *zap.Logger
	Metrics     *Metrics

	// Registration details, used when Serve is given a registry.
	ServiceName string
	Weight      int
	Version     string
	RegistryTTL int64 // seconds
}

// Server dispatches decoded messages to handlers registered per type.
type Server struct {
	opts          Options
	log           *zap.Logger
	handlers      map[message.MsgType]middleware.HandlerFunc
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	listener      net.Listener
	wg            sync.WaitGroup // in-flight connections and one-way requests
	shutdown      atomic.Bool    // set before the listener closes so Accept errors read as intentional
	registry      registry.Registry
	advertiseAddr string

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
}

// NewServer creates a server that already answers RequestPing.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		handlers: make(map[message.MsgType]middleware.HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
	}
	s.Handle(message.RequestPing, func(context.Context, *message.Msg) *message.Msg {
		return message.RC(message.Success)
	})
	return s
}

// Handle registers h for messages of type t, replacing any earlier handler.
// Handlers must be registered before Serve.
func (s *Server) Handle(t message.MsgType, h middleware.HandlerFunc) {
	s.handlers[t] = h
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve accepts connections on listener until Shutdown. If reg is not nil the
// server registers advertiseAddr under Options.ServiceName first; the
// advertised address differs from the listen address when listening on a
// wildcard such as ":6817".
func (s *Server) Serve(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.listener = listener
	s.advertiseAddr = advertiseAddr
	if advertiseAddr == "" {
		s.advertiseAddr = listener.Addr().String()
	}

	if reg != nil {
		s.registry = reg
		err := reg.Register(s.opts.ServiceName, registry.ServiceInstance{
			Addr:    s.advertiseAddr,
			Weight:  s.opts.Weight,
			Version: s.opts.Version,
		}, s.opts.RegistryTTL)
		if err != nil {
			listener.Close()
			return fmt.Errorf("register %s: %w", s.opts.ServiceName, err)
		}
	}
	close(s.ready)

	s.log.Info("serving",
		zap.Stringer("listen", listener.Addr()),
		zap.String("advertise", s.advertiseAddr),
		zap.Int("handlers", len(s.handlers)))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener's address once Serve has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		s.opts.Metrics.connOpened()
		if s.shutdown.Load() {
			conn.SetReadDeadline(time.Now())
		}
	} else {
		delete(s.conns, conn)
		s.opts.Metrics.connClosed()
	}
}

// handleConn reads frames until the peer closes, a frame is malformed or the
// server shuts down.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	peer := zap.Stringer("peer", conn.RemoteAddr())
	for {
		h, body, err := protocol.ReadFrame(conn, s.opts.Frame)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), s.shutdown.Load():
			case protocol.Malformed(err):
				s.opts.Metrics.malformedFrame()
				s.log.Warn("dropping connection: malformed frame", peer, zap.Error(err))
			default:
				s.log.Debug("connection closed", peer, zap.Error(err))
			}
			return
		}

		req, err := codec.DecodeFrame(h, body, s.opts.Limits)
		if errors.Is(err, codec.ErrUnknownMessageType) {
			s.opts.Metrics.unknownMessage()
			s.log.Warn("unknown message type", peer, zap.Uint16("type", uint16(h.MsgType)))
			if h.Flags&protocol.FlagNoResponse == 0 {
				if err := s.reply(conn, message.RC(message.ErrorUnknownMsgType)); err != nil {
					s.log.Debug("reply failed", peer, zap.Error(err))
					return
				}
			}
			continue
		}
		if err != nil {
			s.opts.Metrics.malformedFrame()
			s.log.Warn("dropping connection: undecodable body", peer,
				zap.Stringer("type", h.MsgType), zap.Error(err))
			return
		}

		if h.Flags&protocol.FlagNoResponse != 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleRequest(req)
			}()
			continue
		}

		if err := s.reply(conn, s.handleRequest(req)); err != nil {
			s.log.Debug("reply failed", peer, zap.Error(err))
			return
		}
	}
}

// handleRequest runs req through the middleware chain and returns the reply.
// A nil reply from the handler becomes a success return code.
func (s *Server) handleRequest(req *message.Msg) *message.Msg {
	start := time.Now()
	reply := s.handler(s.ctx, req)
	if reply == nil {
		reply = message.RC(message.Success)
	}
	s.opts.Metrics.observe(req.Type, middleware.ReturnCode(reply), time.Since(start))
	return reply
}

// dispatch is the innermost handler: a lookup in the handler table.
func (s *Server) dispatch(ctx context.Context, req *message.Msg) *message.Msg {
	h, ok := s.handlers[req.Type]
	if !ok {
		return message.RC(message.ErrorNoHandler)
	}
	return h(ctx, req)
}

func (s *Server) reply(conn net.Conn, reply *message.Msg) error {
	body, err := codec.PackBody(reply, s.opts.Limits)
	if err != nil {
		s.log.Error("cannot pack reply", zap.Stringer("type", reply.Type), zap.Error(err))
		reply = message.RC(message.Error)
		if body, err = codec.PackBody(reply, s.opts.Limits); err != nil {
			return err
		}
	}
	h := &protocol.Header{
		Version: protocol.Version,
		Flags:   s.opts.Compression,
		MsgType: reply.Type,
	}
	return protocol.WriteFrame(conn, h, body, s.opts.Frame)
}

// Shutdown stops the server gracefully:
//  1. deregister from the registry so clients stop routing here
//  2. set the shutdown flag, then close the listener
//  3. close idle connections and wait for in-flight work until ctx ends
//
// Errors from each step are combined.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.registry != nil {
		err = multierr.Append(err, s.registry.Deregister(s.opts.ServiceName, s.advertiseAddr))
	}

	s.shutdown.Store(true)
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	// Unblock read loops waiting for the next frame. A request being served
	// still gets its reply; the read after it fails and the loop exits.
	s.mu.Lock()
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		err = multierr.Append(err, fmt.Errorf("timeout waiting for ongoing requests to finish: %w", ctx.Err()))
	}
	s.cancel()
	return err
}
