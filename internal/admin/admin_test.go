package admin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/config"
	"github.com/mevdschee/pgdogproxy/internal/pool"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

type fakeConn struct{}

func (fakeConn) Dirty() bool                    { return false }
func (fakeConn) Reset(ctx context.Context) error { return nil }
func (fakeConn) Healthy() bool                  { return true }
func (fakeConn) Close() error                   { return nil }

func newTestPool(name string) *pool.Pool {
	cfg := pool.DefaultConfig()
	cfg.Min = 0
	cfg.Max = 2
	return pool.New(name, func(ctx context.Context) (pool.Conn, error) {
		return fakeConn{}, nil
	}, cfg)
}

func newTestRegistry() *cluster.Registry {
	registry := cluster.NewRegistry()
	primary := newTestPool("shop-0-primary")
	replica := newTestPool("shop-0-replica0")
	shard := &cluster.Shard{Index: 0, Primary: primary, Replicas: []*pool.Pool{replica}}
	c := cluster.New("shop", []*cluster.Shard{shard}, cluster.Random, cluster.ExcludePrimary, false)
	registry.Set("shop", c)
	return registry
}

func collectText(msgs []wire.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.Write(m.Encode())
	}
	return sb.String()
}

func TestHandleShowPoolsListsEveryPoolRole(t *testing.T) {
	s := &Server{Registry: newTestRegistry(), Config: config.NewFacade(&config.Snapshot{General: config.DefaultGeneral()})}
	msgs, err := s.Handle("SHOW POOLS")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := collectText(msgs)
	if !strings.Contains(out, "shop") {
		t.Fatalf("expected output to mention database shop, got %q", out)
	}
	for _, role := range []string{"primary", "replica0"} {
		if !strings.Contains(out, role) {
			t.Fatalf("expected output to list role %q, got %q", role, out)
		}
	}
	if msgs[len(msgs)-1].Type != 'C' {
		t.Fatalf("expected last message to be CommandComplete, got %q", msgs[len(msgs)-1].Type)
	}
}

func TestHandleShowConfigReflectsFacade(t *testing.T) {
	g := config.DefaultGeneral()
	g.MaxPoolSize = 17
	s := &Server{Registry: cluster.NewRegistry(), Config: config.NewFacade(&config.Snapshot{General: g})}
	msgs, err := s.Handle("show config")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(collectText(msgs), "17") {
		t.Fatalf("expected max_pool_size 17 in output")
	}
}

func TestHandlePauseThenResumeTogglesPools(t *testing.T) {
	registry := newTestRegistry()
	s := &Server{Registry: registry, Config: config.NewFacade(&config.Snapshot{General: config.DefaultGeneral()})}

	if _, err := s.Handle("PAUSE"); err != nil {
		t.Fatalf("PAUSE: %v", err)
	}
	if !s.IsPaused() {
		t.Fatal("expected paused after PAUSE")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cl := registry.Get("shop")
	if _, err := cl.Shards()[0].Primary.Get(ctx); err == nil {
		t.Fatal("expected checkout to fail while paused")
	}

	if _, err := s.Handle("RESUME"); err != nil {
		t.Fatalf("RESUME: %v", err)
	}
	if s.IsPaused() {
		t.Fatal("expected not paused after RESUME")
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	guard, err := cl.Shards()[0].Primary.Get(ctx2)
	if err != nil {
		t.Fatalf("expected checkout to succeed after RESUME: %v", err)
	}
	guard.Release()
}

func TestHandleReloadInvokesCallback(t *testing.T) {
	called := false
	s := &Server{
		Registry: cluster.NewRegistry(),
		Config:   config.NewFacade(&config.Snapshot{General: config.DefaultGeneral()}),
		Reload:   func() error { called = true; return nil },
	}
	if _, err := s.Handle("RELOAD"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !called {
		t.Fatal("expected Reload callback to be invoked")
	}
}

func TestHandleUnknownCommandErrors(t *testing.T) {
	s := &Server{Registry: cluster.NewRegistry(), Config: config.NewFacade(&config.Snapshot{General: config.DefaultGeneral()})}
	if _, err := s.Handle("SHOW BOGUS"); err != ErrUnknownCommand {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}
