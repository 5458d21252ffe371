// Package client calls slurm-rpc daemons found through a registry.
//
// Call path:
//
//	Call → registry.Discover → Balancer.Pick → ConnPool.Get
//	     → ClientTransport.SendRecv → ConnPool.Put
//
// Transport failures and retryable return codes are retried with
// exponential backoff, each attempt picking an instance afresh.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"slurm-rpc/loadbalance"
	"slurm-rpc/message"
	"slurm-rpc/registry"
	"slurm-rpc/transport"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client: closed")

// Options configures a Client. Zero fields take the defaults noted.
type Options struct {
	Transport   transport.Options
	PoolSize    int           // transports per address, default 4
	DialTimeout time.Duration // default 3s
	CallTimeout time.Duration // per attempt, 0 leaves it to the caller's ctx
	Retries     int           // extra attempts after the first
	RetryDelay  time.Duration // base backoff, default 50ms
	Logger      *zap.Logger
}

// Client routes messages to daemon instances. It is safe for concurrent use.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	opts     Options
	log      *zap.Logger

	mu     sync.Mutex
	pools  map[string]*transport.ConnPool // by address
	closed bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts Options) *Client {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	return &Client{
		registry: reg,
		balancer: bal,
		opts:     opts,
		log:      opts.Logger,
		pools:    make(map[string]*transport.ConnPool),
	}
}

// Call sends msg to an instance of service and returns the reply. A
// ResponseSlurmRC reply is returned as is, whatever its code, unless the code
// is retryable and retries remain.
func (c *Client) Call(ctx context.Context, service string, msg *message.Msg) (*message.Msg, error) {
	return c.call(ctx, service, "", msg, true)
}

// CallKeyed is Call with instance selection by key when the balancer
// supports it, so calls sharing a key reach the same daemon.
func (c *Client) CallKeyed(ctx context.Context, service, key string, msg *message.Msg) (*message.Msg, error) {
	return c.call(ctx, service, key, msg, true)
}

// CallRC is Call for requests answered with a bare return code. A non-success
// code is returned as a *transport.RCError.
func (c *Client) CallRC(ctx context.Context, service string, msg *message.Msg) error {
	reply, err := c.Call(ctx, service, msg)
	if err != nil {
		return err
	}
	return transport.ReplyError(reply)
}

// Send delivers msg flagged FlagNoResponse. It returns once the frame is
// written; the daemon sends nothing back.
func (c *Client) Send(ctx context.Context, service string, msg *message.Msg) error {
	_, err := c.call(ctx, service, "", msg, false)
	return err
}

func (c *Client) call(ctx context.Context, service, key string, msg *message.Msg, wait bool) (*message.Msg, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := c.opts.RetryDelay * time.Duration(1<<(attempt-1))
			c.log.Debug("retrying call",
				zap.String("service", service),
				zap.Stringer("type", msg.Type),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, multierr.Append(lastErr, ctx.Err())
			}
		}

		reply, err := c.attempt(ctx, service, key, msg, wait)
		if err == nil {
			if rcErr := transport.ReplyError(reply); rcErr != nil && retryable(rcErr, msg.Type) && attempt < c.opts.Retries {
				lastErr = rcErr
				continue
			}
			return reply, nil
		}
		if !retryable(err, msg.Type) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, service, key string, msg *message.Msg, wait bool) (*message.Msg, error) {
	instances, err := c.registry.Discover(service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	inst, err := c.pick(instances, key)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", service, err)
	}

	pool, err := c.pool(inst.Addr)
	if err != nil {
		return nil, err
	}

	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	t, err := pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", inst.Addr, err)
	}
	defer pool.Put(t)

	var reply *message.Msg
	if wait {
		reply, err = t.SendRecv(ctx, msg)
	} else {
		err = t.Send(ctx, msg)
	}
	if err != nil && t.Usable() {
		// nothing reached the wire: msg itself cannot be encoded
		return nil, &permanentError{err}
	}
	if err != nil && !msg.Type.Idempotent() {
		// the daemon may have acted on msg before the exchange broke
		return nil, &permanentError{err}
	}
	return reply, err
}

func (c *Client) pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok && key != "" {
		return kb.PickKey(instances, key)
	}
	return c.balancer.Pick(instances)
}

func (c *Client) pool(addr string) (*transport.ConnPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewConnPool(addr, c.opts.PoolSize, func(ctx context.Context) (*transport.ClientTransport, error) {
			dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
			defer cancel()
			return transport.Dial(dctx, addr, c.opts.Transport)
		})
		c.pools[addr] = p
	}
	return p, nil
}

// Close closes every pool. Calls in flight finish on their transports,
// which are closed when returned.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	for _, p := range c.pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// retryable reports whether another attempt at a message of type t may
// succeed without repeating its effect: the caller's context is still live,
// the failure was not permanent and any return code is retryable for t.
func retryable(err error, t message.MsgType) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return false
	}
	var rcErr *transport.RCError
	if errors.As(err, &rcErr) {
		return rcErr.Code.Retryable(t)
	}
	var pe *permanentError
	return !errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
