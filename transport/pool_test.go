package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slurm-rpc/server"
)

func newPool(t *testing.T, addr string, size int) *ConnPool {
	t.Helper()
	p := NewConnPool(addr, size, func(ctx context.Context) (*ClientTransport, error) {
		return Dial(ctx, addr, Options{})
	})
	t.Cleanup(func() { p.Close() })
	return p
}

func TestConnPoolReuse(t *testing.T) {
	p := newPool(t, jobServer(t, server.Options{}), 2)

	t1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Put(t1)
	t2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Fatal("idle transport not reused")
	}
	p.Put(t2)
}

func TestConnPoolLimit(t *testing.T) {
	p := newPool(t, jobServer(t, server.Options{}), 1)

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect to wait for the only transport, got %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Put(held)
	}()
	got, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != held {
		t.Fatal("expect the returned transport")
	}
	p.Put(got)
}

func TestConnPoolReplacesBroken(t *testing.T) {
	p := newPool(t, jobServer(t, server.Options{}), 1)

	t1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t1.Close()
	p.Put(t1)

	t2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if t2 == t1 {
		t.Fatal("broken transport handed out again")
	}
	if err := t2.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Put(t2)
}

func TestConnPoolConcurrent(t *testing.T) {
	p := newPool(t, jobServer(t, server.Options{}), 4)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n uint32) {
			defer wg.Done()
			ct, err := p.Get(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer p.Put(ct)
			if _, err := ct.SendRecv(context.Background(), stepRequest(n)); err != nil {
				t.Error(err)
			}
		}(uint32(i))
	}
	wg.Wait()
}

func TestConnPoolClosed(t *testing.T) {
	p := newPool(t, jobServer(t, server.Options{}), 2)
	ct, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Put(ct)

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if ct.Usable() {
		t.Fatal("idle transport left open")
	}
	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed, got %v", err)
	}
}
