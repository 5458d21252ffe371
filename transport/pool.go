package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/multierr"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// ConnPool keeps up to maxConns transports to one address. Each transport is
// used by one caller at a time: Get borrows it, Put hands it back.
//
// The idle set is a buffered channel, so waiting for a transport to come
// back is a plain channel receive.
type ConnPool struct {
	mu       sync.Mutex
	idle     chan *ClientTransport
	addr     string
	maxConns int
	curConns int // transports created and not yet discarded
	closed   bool
	factory  func(ctx context.Context) (*ClientTransport, error)
}

// NewConnPool creates an empty pool. Transports are created lazily.
func NewConnPool(addr string, maxConns int, factory func(ctx context.Context) (*ClientTransport, error)) *ConnPool {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &ConnPool{
		idle:     make(chan *ClientTransport, maxConns),
		addr:     addr,
		maxConns: maxConns,
		factory:  factory,
	}
}

// Addr returns the address the pool dials.
func (p *ConnPool) Addr() string { return p.addr }

// Get borrows a transport:
//  1. reuse an idle one if any (broken ones are discarded)
//  2. otherwise dial a new one if under the limit
//  3. otherwise wait for one to be returned or ctx to end
func (p *ConnPool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		select {
		case t, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if t.Usable() {
				return t, nil
			}
			p.discard(t)
			continue
		default:
		}

		if t, ok, err := p.tryCreate(ctx); ok {
			return t, err
		}

		select {
		case t, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if t.Usable() {
				return t, nil
			}
			p.discard(t)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryCreate dials a new transport if the pool is under its limit. ok is
// false when the pool is full and the caller must wait.
func (p *ConnPool) tryCreate(ctx context.Context) (*ClientTransport, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, true, ErrPoolClosed
	}
	if p.curConns >= p.maxConns {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.curConns++
	p.mu.Unlock()

	t, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.curConns--
		p.mu.Unlock()
		return nil, true, err
	}
	return t, true, nil
}

// Put returns t to the pool. A broken transport is closed and its slot freed.
func (p *ConnPool) Put(t *ClientTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !t.Usable() {
		t.Close()
		p.curConns--
		return
	}
	p.idle <- t
}

func (p *ConnPool) discard(t *ClientTransport) {
	t.Close()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}

// Close closes every idle transport. Borrowed transports are closed when
// they are returned.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)

	var err error
	for t := range p.idle {
		err = multierr.Append(err, ignoreClosed(t.Close()))
		p.curConns--
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
