// Package health implements a background, bounded-concurrency checker
// that periodically validates every pool in the cluster registry is
// still servicing connections, banning pools that fail repeatedly.
//
// Grounded on JeelKantaria-db-bouncer/internal/health/checker.go's
// Checker/NewChecker/run/checkAll (ticker loop + semaphore-bounded
// parallel pings) and updateStatus's consecutive-failure-threshold
// state machine, adapted from a raw-socket TCP/protocol ping to a
// pool.Pool checkout-and-release probe since this proxy already pools
// authenticated backend connections.
package health

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/metrics"
	"github.com/mevdschee/pgdogproxy/internal/pool"
)

// Status is a pool's last-known health state.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// PoolHealth is one pool's health record.
type PoolHealth struct {
	Status              Status
	LastCheck           time.Time
	ConsecutiveFailures int
	LastError           string
}

// Config controls the checker's cadence and failure tolerance.
type Config struct {
	Interval          time.Duration
	FailureThreshold  int
	CheckoutTimeout   time.Duration
	MaxWorkers        int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		FailureThreshold: 3,
		CheckoutTimeout:  2 * time.Second,
		MaxWorkers:       10,
	}
}

// Checker periodically pings every pool registered in a cluster.Registry.
type Checker struct {
	registry *cluster.Registry
	cfg      Config

	mu     sync.RWMutex
	status map[string]*PoolHealth

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker constructs a Checker over registry.
func NewChecker(registry *cluster.Registry, cfg Config) *Checker {
	return &Checker{
		registry: registry,
		cfg:      cfg,
		status:   make(map[string]*PoolHealth),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic check loop in a background goroutine.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	log.Printf("[health] checker started interval=%s threshold=%d", c.cfg.Interval, c.cfg.FailureThreshold)
}

// Stop halts the checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

// poolRef names a pool for status-map keying and logging.
type poolRef struct {
	database string
	shard    int
	role     string
	p        *pool.Pool
}

func (c *Checker) collectPools() []poolRef {
	var refs []poolRef
	for _, name := range c.registry.Names() {
		cl := c.registry.Get(name)
		if cl == nil {
			continue
		}
		for _, shard := range cl.Shards() {
			if shard.Primary != nil {
				refs = append(refs, poolRef{database: name, shard: shard.Index, role: "primary", p: shard.Primary})
			}
			for i, r := range shard.Replicas {
				refs = append(refs, poolRef{database: name, shard: shard.Index, role: "replica" + strconv.Itoa(i), p: r})
			}
		}
	}
	return refs
}

func (c *Checker) checkAll() {
	refs := c.collectPools()

	sem := make(chan struct{}, c.cfg.MaxWorkers)
	var wg sync.WaitGroup
	for _, ref := range refs {
		ref := ref
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			healthy, errMsg := c.ping(ref)
			c.updateStatus(ref, healthy, errMsg)
		}()
	}
	wg.Wait()
}

func (c *Checker) key(ref poolRef) string {
	return ref.database + "/" + strconv.Itoa(ref.shard) + "/" + ref.role
}

// ping checks out a connection from the pool and releases it immediately.
// A successful checkout that yields a Healthy() connection counts as a
// pass; checkout timeout, pool offline, or an unhealthy connection count
// as a failure.
func (c *Checker) ping(ref poolRef) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckoutTimeout)
	defer cancel()

	guard, err := ref.p.Get(ctx)
	if err != nil {
		metrics.Healthchecks.WithLabelValues(ref.database, "failure").Inc()
		return false, err.Error()
	}
	defer guard.Release()

	if !guard.Conn().Healthy() {
		metrics.Healthchecks.WithLabelValues(ref.database, "failure").Inc()
		return false, "checked-out connection reported unhealthy"
	}

	metrics.Healthchecks.WithLabelValues(ref.database, "success").Inc()
	return true, ""
}

func (c *Checker) updateStatus(ref poolRef, healthy bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key(ref)
	ph, ok := c.status[key]
	if !ok {
		ph = &PoolHealth{Status: StatusUnknown}
		c.status[key] = ph
	}
	ph.LastCheck = time.Now()

	if healthy {
		if ph.ConsecutiveFailures > 0 {
			log.Printf("[health] pool %s recovered after %d failures", key, ph.ConsecutiveFailures)
		}
		ph.Status = StatusHealthy
		ph.ConsecutiveFailures = 0
		ph.LastError = ""
		return
	}

	ph.ConsecutiveFailures++
	ph.LastError = errMsg
	if ph.ConsecutiveFailures >= c.cfg.FailureThreshold {
		if ph.Status != StatusUnhealthy {
			log.Printf("[health] pool %s marked unhealthy after %d failures: %s", key, ph.ConsecutiveFailures, errMsg)
			ref.p.Ban(errMsg)
		}
		ph.Status = StatusUnhealthy
	}
}

// Status returns the current health record for (database, shard, role).
func (c *Checker) Status(database string, shard int, role string) PoolHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := database + "/" + strconv.Itoa(shard) + "/" + role
	if ph, ok := c.status[key]; ok {
		return *ph
	}
	return PoolHealth{Status: StatusUnknown}
}

// AllStatuses returns every known pool's current health record, keyed by
// "database/shard/role", for admin introspection.
func (c *Checker) AllStatuses() map[string]PoolHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]PoolHealth, len(c.status))
	for k, v := range c.status {
		out[k] = *v
	}
	return out
}
