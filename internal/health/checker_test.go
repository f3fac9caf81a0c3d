package health

import (
	"context"
	"testing"
	"time"

	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/pool"
)

type fakeConn struct{ healthy bool }

func (f fakeConn) Dirty() bool                    { return false }
func (f fakeConn) Reset(ctx context.Context) error { return nil }
func (f fakeConn) Healthy() bool                  { return f.healthy }
func (f fakeConn) Close() error                   { return nil }

func newPool(name string, healthy bool) *pool.Pool {
	cfg := pool.DefaultConfig()
	cfg.Min = 0
	cfg.Max = 3
	cfg.CheckoutTimeout = 200 * time.Millisecond
	return pool.New(name, func(ctx context.Context) (pool.Conn, error) {
		return fakeConn{healthy: healthy}, nil
	}, cfg)
}

func TestCheckerMarksUnhealthyAfterThreshold(t *testing.T) {
	registry := cluster.NewRegistry()
	bad := newPool("bad", true)
	defer bad.Shutdown()
	bad.Pause() // force Get() to fail every time, simulating a dead pool

	c := cluster.New("db0", []*cluster.Shard{{Index: 0, Primary: bad}}, cluster.Random, cluster.ExcludePrimary, false)
	registry.Set("db0", c)

	checker := NewChecker(registry, Config{
		Interval:         time.Hour,
		FailureThreshold: 2,
		CheckoutTimeout:  50 * time.Millisecond,
		MaxWorkers:       4,
	})

	checker.checkAll()
	checker.checkAll()

	st := checker.Status("db0", 0, "primary")
	if st.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after threshold failures, got %v", st.Status)
	}
	if st.ConsecutiveFailures < 2 {
		t.Fatalf("expected at least 2 consecutive failures, got %d", st.ConsecutiveFailures)
	}
}

func TestCheckerMarksHealthyOnSuccess(t *testing.T) {
	registry := cluster.NewRegistry()
	good := newPool("good", true)
	defer good.Shutdown()

	c := cluster.New("db1", []*cluster.Shard{{Index: 0, Primary: good}}, cluster.Random, cluster.ExcludePrimary, false)
	registry.Set("db1", c)

	checker := NewChecker(registry, DefaultConfig())
	checker.checkAll()

	st := checker.Status("db1", 0, "primary")
	if st.Status != StatusHealthy {
		t.Fatalf("expected healthy pool to report healthy, got %v", st.Status)
	}
}
