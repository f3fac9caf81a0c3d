// Package cluster implements the cluster & shard registry (spec.md C4):
// grouping pools into (shard × primary/replica), load-balancing policy, and
// read/write split, behind an atomically swappable snapshot so readers
// never block on reload.
//
// Grounded on mevdschee-tqdbproxy/replica/pool.go's round-robin +
// health-skip GetReplica for the load-balancing shape, and
// JeelKantaria-db-bouncer/internal/router/router.go's atomic.Value/
// clone-under-mutex snapshot for the lock-free-read pattern (upgraded here
// to the generic atomic.Pointer).
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/mevdschee/pgdogproxy/internal/pool"
)

// LoadBalancing selects among healthy replica pools for a shard.
type LoadBalancing int

const (
	Random LoadBalancing = iota
	RoundRobin
	LeastActiveConnections
)

// ReadWriteSplit controls whether a read-eligible request may still land on
// the primary when no healthy replica exists.
type ReadWriteSplit int

const (
	ExcludePrimary ReadWriteSplit = iota
	IncludePrimary
)

// Shard groups one primary pool with zero or more replica pools.
// PrimaryAddress/ReplicaAddresses record the backend address each pool
// dials, independent of the pool object itself, so a config reload can
// tell whether a shard's backend is unchanged (cmd/tqdbproxy/main.go's
// copyShardsInto diffs these to decide whether to MoveConnsTo instead of
// dropping warm connections and redialing).
type Shard struct {
	Index            int
	Primary          *pool.Pool
	Replicas         []*pool.Pool
	PrimaryAddress   string
	ReplicaAddresses []string
	rrCursor         atomic.Uint64
}

// replicaCandidate picks the next replica according to strategy, skipping
// banned pools, falling back to the primary when ReadWriteSplit allows it
// and no replica is available.
func (s *Shard) replicaCandidate(strategy LoadBalancing, rw ReadWriteSplit) (*pool.Pool, error) {
	var healthy []*pool.Pool
	for _, r := range s.Replicas {
		if !r.IsBanned() {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) == 0 {
		if rw == IncludePrimary && s.Primary != nil && !s.Primary.IsBanned() {
			return s.Primary, nil
		}
		return nil, fmt.Errorf("cluster: shard %d has no healthy replica", s.Index)
	}
	switch strategy {
	case RoundRobin:
		idx := s.rrCursor.Add(1) % uint64(len(healthy))
		return healthy[idx], nil
	case LeastActiveConnections:
		best := healthy[0]
		bestTaken := best.Stats().Taken
		for _, r := range healthy[1:] {
			if t := r.Stats().Taken; t < bestTaken {
				best, bestTaken = r, t
			}
		}
		return best, nil
	default: // Random
		return healthy[rand.Intn(len(healthy))], nil
	}
}

// snapshot is the immutable registry contents swapped atomically on reload.
type snapshot struct {
	name     string
	shards   []*Shard
	strategy LoadBalancing
	rwSplit  ReadWriteSplit
	readOnly bool
}

// Cluster exposes primary()/replica() lookups over an atomically-swappable
// snapshot of shards; mutating operations (reload) clone-and-swap under
// wmu, exactly mirroring the router.go pattern this is grounded on.
type Cluster struct {
	name    string
	snap    atomic.Pointer[snapshot]
	wmu     sync.Mutex
	rrShard atomic.Uint64
}

// New constructs a Cluster with an initial shard set.
func New(name string, shards []*Shard, strategy LoadBalancing, rwSplit ReadWriteSplit, readOnly bool) *Cluster {
	c := &Cluster{name: name}
	c.snap.Store(&snapshot{name: name, shards: shards, strategy: strategy, rwSplit: rwSplit, readOnly: readOnly})
	return c
}

// NumShards returns the shard count of the current snapshot.
func (c *Cluster) NumShards() int {
	return len(c.snap.Load().shards)
}

// Primary returns a Guard on shard i's primary pool.
func (c *Cluster) Primary(ctx context.Context, shard int) (*pool.Guard, error) {
	s := c.snap.Load()
	if shard < 0 || shard >= len(s.shards) {
		return nil, fmt.Errorf("cluster: shard index %d out of range (have %d)", shard, len(s.shards))
	}
	sh := s.shards[shard]
	if sh.Primary == nil {
		return nil, fmt.Errorf("cluster: shard %d has no primary", shard)
	}
	return sh.Primary.Get(ctx)
}

// Replica returns a Guard on shard i's best available replica, falling
// back to the primary per the cluster's ReadWriteSplit policy, or
// returning the primary outright when the shard has no replicas
// configured.
func (c *Cluster) Replica(ctx context.Context, shard int) (*pool.Guard, error) {
	s := c.snap.Load()
	if shard < 0 || shard >= len(s.shards) {
		return nil, fmt.Errorf("cluster: shard index %d out of range (have %d)", shard, len(s.shards))
	}
	sh := s.shards[shard]
	if len(sh.Replicas) == 0 {
		if sh.Primary == nil {
			return nil, fmt.Errorf("cluster: shard %d has no pools at all", shard)
		}
		return sh.Primary.Get(ctx)
	}
	target, err := sh.replicaCandidate(s.strategy, s.rwSplit)
	if err != nil {
		return nil, err
	}
	return target.Get(ctx)
}

// RoundRobinShard returns the next shard index in round-robin order, for
// statements router.go resolves to SourceRoundRobin (no FROM clause, or
// every referenced table is omnisharded) — distinct from each Shard's own
// rrCursor, which picks a replica within one already-chosen shard.
func (c *Cluster) RoundRobinShard() int {
	n := c.NumShards()
	if n <= 0 {
		return 0
	}
	idx := c.rrShard.Add(1) - 1
	return int(idx % uint64(n))
}

// IsReadOnly reports whether the cluster accepts no primary-required writes
// (e.g. a reporting replica cluster).
func (c *Cluster) IsReadOnly() bool {
	return c.snap.Load().readOnly
}

// Reload atomically swaps in a new shard set (built by the caller, e.g. the
// config facade's reload path), matching spec.md's "Cluster::duplicate()"
// operation. The caller is responsible for transferring in-flight
// connections between old and new pools of the same address before calling
// Reload, by comparing PrimaryAddress/ReplicaAddresses and calling
// pool.Pool.MoveConnsTo for any shard whose backend address is unchanged —
// cmd/tqdbproxy/main.go's copyShardsInto does exactly this before it
// replaces a registry entry.
func (c *Cluster) Reload(shards []*Shard, strategy LoadBalancing, rwSplit ReadWriteSplit, readOnly bool) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.snap.Store(&snapshot{name: c.name, shards: shards, strategy: strategy, rwSplit: rwSplit, readOnly: readOnly})
}

// Shards returns the current shard slice for callers (e.g. router, admin)
// that need direct pool access rather than a single checked-out Guard.
func (c *Cluster) Shards() []*Shard {
	return c.snap.Load().shards
}

// Registry maps cluster (database) names to Clusters, behind the same
// atomic-snapshot discipline, so "SHOW pgdog.shards"-style admin queries
// and client startup database lookups never take a lock either.
type Registry struct {
	snap atomic.Pointer[map[string]*Cluster]
	wmu  sync.Mutex
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*Cluster)
	r.snap.Store(&empty)
	return r
}

// Get returns the Cluster registered for database name, or nil.
func (r *Registry) Get(name string) *Cluster {
	m := *r.snap.Load()
	return m[name]
}

// Set registers (or replaces) the Cluster for database name.
func (r *Registry) Set(name string, c *Cluster) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	old := *r.snap.Load()
	next := make(map[string]*Cluster, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = c
	r.snap.Store(&next)
}

// Names returns every registered database name, for admin listing.
func (r *Registry) Names() []string {
	m := *r.snap.Load()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}
