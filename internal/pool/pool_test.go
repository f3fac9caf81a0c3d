package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id      int64
	closed  atomic.Bool
	dirty   atomic.Bool
	healthy atomic.Bool
}

func newFakeConn(id int64) *fakeConn {
	c := &fakeConn{id: id}
	c.healthy.Store(true)
	return c
}

func (c *fakeConn) Dirty() bool                    { return c.dirty.Load() }
func (c *fakeConn) Reset(ctx context.Context) error { c.dirty.Store(false); return nil }
func (c *fakeConn) Healthy() bool                  { return c.healthy.Load() }
func (c *fakeConn) Close() error                   { c.closed.Store(true); return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Min = 0
	cfg.Max = 2
	cfg.CheckoutTimeout = 200 * time.Millisecond
	return cfg
}

func TestPoolGetCheckin(t *testing.T) {
	var nextID int64
	p := New("test", func(ctx context.Context) (Conn, error) {
		nextID++
		return newFakeConn(nextID), nil
	}, testConfig())
	defer p.Shutdown()

	g, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.Conn() == nil {
		t.Fatal("expected non-nil conn")
	}
	stats := p.Stats()
	if stats.Taken != 1 {
		t.Fatalf("expected 1 taken, got %d", stats.Taken)
	}
	g.Release()
	stats = p.Stats()
	if stats.Idle != 1 || stats.Taken != 0 {
		t.Fatalf("expected idle=1 taken=0 after release, got %+v", stats)
	}
}

func TestPoolMaxBound(t *testing.T) {
	var nextID int64
	p := New("test", func(ctx context.Context) (Conn, error) {
		nextID++
		return newFakeConn(nextID), nil
	}, testConfig())
	defer p.Shutdown()

	g1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	g2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	_, err = p.Get(context.Background())
	if err != ErrCheckoutTimeout {
		t.Fatalf("expected ErrCheckoutTimeout at max, got %v", err)
	}
	g1.Release()
	g2.Release()
}

func TestPoolPauseResume(t *testing.T) {
	var nextID int64
	p := New("test", func(ctx context.Context) (Conn, error) {
		nextID++
		return newFakeConn(nextID), nil
	}, testConfig())
	defer p.Shutdown()

	p.Pause()
	done := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Get after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Resume")
	}
}

func TestPoolDirtyConnectionReset(t *testing.T) {
	var nextID int64
	p := New("test", func(ctx context.Context) (Conn, error) {
		nextID++
		return newFakeConn(nextID), nil
	}, testConfig())
	defer p.Shutdown()

	g, _ := p.Get(context.Background())
	fc := g.Conn().(*fakeConn)
	fc.dirty.Store(true)
	g.Release()

	if fc.Dirty() {
		t.Fatal("expected dirty connection to be reset on checkin")
	}
}

func TestPoolUnhealthyConnectionDiscarded(t *testing.T) {
	var nextID int64
	p := New("test", func(ctx context.Context) (Conn, error) {
		nextID++
		return newFakeConn(nextID), nil
	}, testConfig())
	defer p.Shutdown()

	g, _ := p.Get(context.Background())
	fc := g.Conn().(*fakeConn)
	fc.healthy.Store(false)
	g.Release()

	if !fc.closed.Load() {
		t.Fatal("expected unhealthy connection to be closed on checkin")
	}
	if p.Stats().Idle != 0 {
		t.Fatal("expected unhealthy connection not to enter idle list")
	}
}

func TestPoolBan(t *testing.T) {
	p := New("test", func(ctx context.Context) (Conn, error) {
		return newFakeConn(1), nil
	}, testConfig())
	defer p.Shutdown()

	p.Ban("manual test ban")
	if !p.IsBanned() {
		t.Fatal("expected pool to report banned")
	}
	_, err := p.Get(context.Background())
	if err != ErrBanned {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestPoolShutdownFailsWaiters(t *testing.T) {
	p := New("test", func(ctx context.Context) (Conn, error) {
		return newFakeConn(1), nil
	}, testConfig())
	p.Shutdown()
	_, err := p.Get(context.Background())
	if err != ErrOffline {
		t.Fatalf("expected ErrOffline after shutdown, got %v", err)
	}
}
