// Package transport moves framed messages between a client and a daemon.
//
// The header carries no sequence number, so a connection serves exactly one
// exchange at a time: write a request frame, read the reply frame. Callers
// that need concurrency hold several transports (see ConnPool).
//
//	goroutine-1 ──SendRecv──┐                 ┌── conn A ──→ daemon
//	goroutine-2 ──SendRecv──┼──→ ConnPool.Get ┼── conn B ──→ daemon
//	goroutine-3 ──SendRecv──┘                 └── conn C ──→ daemon
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"slurm-rpc/codec"
	"slurm-rpc/message"
	"slurm-rpc/pack"
	"slurm-rpc/protocol"
)

// ErrClosed is returned by operations on a closed or broken transport.
var ErrClosed = errors.New("transport: closed")

// Options configures a ClientTransport.
type Options struct {
	Limits      pack.Limits
	Frame       protocol.FrameOptions
	Compression uint16        // protocol.FlagCompressZstd, protocol.FlagCompressLZ4 or 0
	Keepalive   time.Duration // ping interval while idle, 0 disables
	Logger      *zap.Logger
}

// ClientTransport owns one connection and serializes exchanges over it.
type ClientTransport struct {
	conn   net.Conn
	opts   Options
	log    *zap.Logger
	mu     sync.Mutex // held for a whole request/response exchange
	broken atomic.Bool
	done   chan struct{}
	once   sync.Once
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, addr string, opts Options) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, opts), nil
}

// NewClientTransport wraps conn. If opts.Keepalive is set a background
// goroutine pings the peer whenever the transport sits idle that long.
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	t := &ClientTransport{
		conn: conn,
		opts: opts,
		log:  opts.Logger,
		done: make(chan struct{}),
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if opts.Keepalive > 0 {
		go t.keepaliveLoop(opts.Keepalive)
	}
	return t
}

// SendRecv sends msg and waits for the reply. ctx bounds the whole exchange.
// Any I/O or framing failure breaks the transport; a decoded reply, including
// a ResponseSlurmRC error reply, is returned as is.
func (t *ClientTransport) SendRecv(ctx context.Context, msg *message.Msg) (*message.Msg, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exchange(ctx, msg, 0, true)
}

// Send sends msg flagged FlagNoResponse and returns once it is written.
func (t *ClientTransport) Send(ctx context.Context, msg *message.Msg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.exchange(ctx, msg, protocol.FlagNoResponse, false)
	return err
}

// Ping sends RequestPing and checks for a success reply.
func (t *ClientTransport) Ping(ctx context.Context) error {
	reply, err := t.SendRecv(ctx, message.New(message.RequestPing, nil))
	if err != nil {
		return err
	}
	return ReplyError(reply)
}

func (t *ClientTransport) exchange(ctx context.Context, msg *message.Msg, flags uint16, wait bool) (*message.Msg, error) {
	if t.broken.Load() {
		return nil, ErrClosed
	}

	body, err := codec.PackBody(msg, t.opts.Limits)
	if err != nil {
		// nothing was written, the connection is still good
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
	} else {
		t.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	h := &protocol.Header{
		Version: protocol.Version,
		Flags:   flags | t.opts.Compression,
		MsgType: msg.Type,
	}
	if err := protocol.WriteFrame(t.conn, h, body, t.opts.Frame); err != nil {
		return nil, t.fail(ctx, fmt.Errorf("write %s: %w", msg.Type, err))
	}
	if !wait {
		return nil, nil
	}

	rh, rbody, err := protocol.ReadFrame(t.conn, t.opts.Frame)
	if err != nil {
		return nil, t.fail(ctx, fmt.Errorf("read reply to %s: %w", msg.Type, err))
	}
	reply, err := codec.DecodeFrame(rh, rbody, t.opts.Limits)
	if err != nil {
		return nil, t.fail(ctx, fmt.Errorf("decode reply to %s: %w", msg.Type, err))
	}
	return reply, nil
}

// fail marks the transport unusable. A half-finished exchange leaves the
// stream at an unknown frame boundary, so the connection cannot be reused.
func (t *ClientTransport) fail(ctx context.Context, err error) error {
	t.broken.Store(true)
	t.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	// the conn deadline can fire a moment before the context timer
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// Usable reports whether the transport can carry another exchange.
func (t *ClientTransport) Usable() bool { return !t.broken.Load() }

// Close stops the keepalive loop and closes the connection.
func (t *ClientTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.broken.Store(true)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// keepaliveLoop pings the peer every interval, skipping ticks while an
// exchange is in flight. A failed ping breaks the transport.
func (t *ClientTransport) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if !t.mu.TryLock() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		reply, err := t.exchange(ctx, message.New(message.RequestPing, nil), 0, true)
		cancel()
		t.mu.Unlock()
		if err == nil {
			err = ReplyError(reply)
		}
		if err != nil {
			t.log.Warn("keepalive ping failed",
				zap.Stringer("peer", t.conn.RemoteAddr()), zap.Error(err))
			t.broken.Store(true)
			t.Close()
			return
		}
	}
}

// RCError is the Go error for a non-success ResponseSlurmRC reply.
type RCError struct {
	Code message.ReturnCode
}

func (e *RCError) Error() string {
	return fmt.Sprintf("slurm rc %d: %s", int32(e.Code), e.Code)
}

// ReplyError returns an *RCError if reply is a non-success ResponseSlurmRC
// and nil for any other reply.
func ReplyError(reply *message.Msg) error {
	if reply == nil || reply.Type != message.ResponseSlurmRC {
		return nil
	}
	rc, ok := reply.Body.(*message.ReturnCodeMsg)
	if !ok || rc.ReturnCode == message.Success {
		return nil
	}
	return &RCError{Code: rc.ReturnCode}
}
