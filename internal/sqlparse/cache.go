package sqlparse

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mevdschee/tqmemory/pkg/tqmemory"
)

// CacheConfig configures the bounded AST cache backing Cache.
type CacheConfig struct {
	MaxMemory int64
	Workers   int
	TTL       time.Duration
}

// DefaultCacheConfig returns sensible defaults for a parsed-query cache,
// adapted from cache/cache.go's DefaultCacheConfig: a parsed AST is small
// and cheap to recompute so the footprint here is a fraction of the
// teacher's 64MB query-result cache default.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxMemory: 8 * 1024 * 1024,
		Workers:   4,
		TTL:       10 * time.Minute,
	}
}

// Cache wraps a tqmemory.ShardedCache keyed by query fingerprint, storing
// the JSON-encoded Ast. Parsing is cheap and deterministic so, unlike the
// teacher's query-result cache, there is no staleness tier and no
// single-flight cold-cache wait: a miss simply parses inline.
//
// Grounded on mevdschee-tqdbproxy/cache/cache.go's tqmemory.NewSharded
// wiring, repurposed from caching query results to caching parsed ASTs.
type Cache struct {
	store *tqmemory.ShardedCache
	ttl   time.Duration
	mu    sync.Mutex
}

// NewCache constructs a Cache from cfg.
func NewCache(cfg CacheConfig) (*Cache, error) {
	tqcfg := tqmemory.DefaultConfig()
	tqcfg.MaxMemory = cfg.MaxMemory
	store, err := tqmemory.NewSharded(tqcfg, cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, ttl: cfg.TTL}, nil
}

// Get parses sql, consulting the cache by fingerprint first. A cache hit
// skips the regex passes entirely; a miss parses then populates the cache.
func (c *Cache) Get(sql string) (*Ast, error) {
	key := Fingerprint(sql)

	if raw, _, flags, err := c.store.Get(key); err == nil && raw != nil && flags == 0 {
		var ast Ast
		if jsonErr := json.Unmarshal(raw, &ast); jsonErr == nil {
			return &ast, nil
		}
	}

	ast, err := Parse(sql)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(ast); err == nil {
		c.store.Set(key, raw, c.ttl)
	}
	return ast, nil
}

// Close releases the underlying cache shards.
func (c *Cache) Close() error {
	return c.store.Close()
}
