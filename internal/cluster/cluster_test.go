package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/mevdschee/pgdogproxy/internal/pool"
)

type fakeConn struct{}

func (fakeConn) Dirty() bool                    { return false }
func (fakeConn) Reset(ctx context.Context) error { return nil }
func (fakeConn) Healthy() bool                  { return true }
func (fakeConn) Close() error                   { return nil }

func newTestPool(name string) *pool.Pool {
	cfg := pool.DefaultConfig()
	cfg.Min = 0
	cfg.Max = 5
	cfg.CheckoutTimeout = 200 * time.Millisecond
	return pool.New(name, func(ctx context.Context) (pool.Conn, error) {
		return fakeConn{}, nil
	}, cfg)
}

func TestClusterPrimaryReplicaLookup(t *testing.T) {
	primary := newTestPool("s0-primary")
	replica := newTestPool("s0-replica")
	defer primary.Shutdown()
	defer replica.Shutdown()

	shard := &Shard{Index: 0, Primary: primary, Replicas: []*pool.Pool{replica}}
	c := New("db", []*Shard{shard}, RoundRobin, ExcludePrimary, false)

	g, err := c.Primary(context.Background(), 0)
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	g.Release()

	g, err = c.Replica(context.Background(), 0)
	if err != nil {
		t.Fatalf("Replica: %v", err)
	}
	g.Release()
}

func TestClusterReplicaFallsBackToPrimaryWhenIncluded(t *testing.T) {
	primary := newTestPool("s0-primary")
	defer primary.Shutdown()

	shard := &Shard{Index: 0, Primary: primary}
	c := New("db", []*Shard{shard}, Random, IncludePrimary, false)

	g, err := c.Replica(context.Background(), 0)
	if err != nil {
		t.Fatalf("Replica fallback: %v", err)
	}
	g.Release()
}

func TestRegistrySetGet(t *testing.T) {
	r := NewRegistry()
	c := New("db0", nil, Random, ExcludePrimary, false)
	r.Set("db0", c)
	if got := r.Get("db0"); got != c {
		t.Fatal("expected registered cluster to be retrievable")
	}
	if got := r.Get("missing"); got != nil {
		t.Fatal("expected nil for unregistered database")
	}
}

func TestClusterReload(t *testing.T) {
	primary := newTestPool("s0-primary")
	defer primary.Shutdown()
	c := New("db", []*Shard{{Index: 0, Primary: primary}}, Random, ExcludePrimary, false)

	newPrimary := newTestPool("s0-primary-v2")
	defer newPrimary.Shutdown()
	c.Reload([]*Shard{{Index: 0, Primary: newPrimary}}, Random, ExcludePrimary, false)

	if c.NumShards() != 1 {
		t.Fatalf("expected 1 shard after reload, got %d", c.NumShards())
	}
}
