// Package admin implements the administrative query surface spec.md §4.10
// /§6 names: SHOW POOLS, SHOW CONFIG, SHOW LISTS, SHOW pgdog.shards,
// RELOAD, PAUSE, RESUME, answered entirely in-proxy without touching any
// backend.
//
// The dispatch-table and RowDescription/DataRow/CommandComplete/
// ReadyForQuery response assembly is grounded on mevdschee-tqdbproxy/
// postgres/postgres.go's handleShowTQDBStatus, generalized from its
// single hardcoded 2-row reply to a verb-keyed dispatch table; message
// construction goes through internal/wire's builders rather than the
// teacher's inline buffer-writing.
package admin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/config"
	"github.com/mevdschee/pgdogproxy/internal/health"
	"github.com/mevdschee/pgdogproxy/internal/pool"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// ReloadFunc re-reads configuration from disk and re-applies it; wired by
// cmd/tqdbproxy to a closure that re-Loads the config files, rebuilds the
// cluster registry, and swaps both in.
type ReloadFunc func() error

// Server answers admin-database queries over an already-accepted client
// connection that selected the admin pseudo-database.
type Server struct {
	Registry *cluster.Registry
	Config   *config.Facade
	Health   *health.Checker
	Reload   ReloadFunc

	paused bool
}

// ErrUnknownCommand is returned for anything the admin surface doesn't
// recognize; callers should relay it back to the client as an
// ErrorResponse.
var ErrUnknownCommand = fmt.Errorf("admin: unknown command")

// Handle dispatches one simple-protocol query string and returns the wire
// messages to write back (RowDescription/DataRow.../CommandComplete), not
// including ReadyForQuery (the session loop appends that uniformly).
func (s *Server) Handle(query string) ([]wire.Message, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	upper := strings.ToUpper(trimmed)

	switch {
	case upper == "SHOW POOLS":
		return s.showPools(), nil
	case upper == "SHOW CONFIG":
		return s.showConfig(), nil
	case upper == "SHOW LISTS":
		return s.showLists(), nil
	case upper == "SHOW PGDOG.SHARDS" || upper == "SHOW PGDOG_SHARDS":
		return s.showShards(), nil
	case upper == "RELOAD":
		return s.reload()
	case upper == "PAUSE":
		s.setPaused(true)
		return []wire.Message{wire.BuildCommandComplete("PAUSE")}, nil
	case upper == "RESUME":
		s.setPaused(false)
		return []wire.Message{wire.BuildCommandComplete("RESUME")}, nil
	default:
		return nil, ErrUnknownCommand
	}
}

// IsPaused reports whether an admin PAUSE is in effect. The pause itself
// takes effect through the pools setPaused pauses, not through this flag.
func (s *Server) IsPaused() bool {
	return s.paused
}

// setPaused pauses or resumes every registered pool in lockstep with the
// admin flag, so in-flight checkouts are left alone but no new ones are
// handed out while paused.
func (s *Server) setPaused(paused bool) {
	s.paused = paused
	for _, name := range s.Registry.Names() {
		cl := s.Registry.Get(name)
		if cl == nil {
			continue
		}
		for _, shard := range cl.Shards() {
			var pools []*pool.Pool
			if shard.Primary != nil {
				pools = append(pools, shard.Primary)
			}
			pools = append(pools, shard.Replicas...)
			for _, p := range pools {
				if paused {
					p.Pause()
				} else {
					p.Resume()
				}
			}
		}
	}
}

func (s *Server) showPools() []wire.Message {
	fields := []wire.Field{
		wire.TextField("database"), wire.TextField("shard"), wire.TextField("role"),
		wire.TextField("idle"), wire.TextField("taken"), wire.TextField("waiting"),
	}
	msgs := []wire.Message{wire.BuildRowDescription(fields)}

	n := 0
	for _, name := range s.Registry.Names() {
		cl := s.Registry.Get(name)
		if cl == nil {
			continue
		}
		for _, shard := range cl.Shards() {
			if shard.Primary != nil {
				msgs = append(msgs, poolRow(name, shard.Index, "primary", shard.Primary.Stats()))
				n++
			}
			for i, r := range shard.Replicas {
				msgs = append(msgs, poolRow(name, shard.Index, "replica"+strconv.Itoa(i), r.Stats()))
				n++
			}
		}
	}
	msgs = append(msgs, wire.BuildCommandComplete(fmt.Sprintf("SELECT %d", n)))
	return msgs
}

func poolRow(database string, shard int, role string, stats pool.Stats) wire.Message {
	return wire.BuildDataRow([]interface{}{
		database, shard, role, stats.Idle, stats.Taken, stats.Waiting,
	})
}

func (s *Server) showConfig() []wire.Message {
	fields := []wire.Field{wire.TextField("key"), wire.TextField("value")}
	msgs := []wire.Message{wire.BuildRowDescription(fields)}

	g := s.Config.Current().General
	rows := [][2]string{
		{"listen_address", g.ListenAddress},
		{"admin_listen_address", g.AdminListenAddress},
		{"max_pool_size", strconv.Itoa(g.MaxPoolSize)},
		{"min_pool_size", strconv.Itoa(g.MinPoolSize)},
		{"checkout_timeout", g.CheckoutTimeout.String()},
		{"idle_timeout", g.IdleTimeout.String()},
		{"auth_type", g.AuthType},
		{"query_cache_limit", strconv.Itoa(g.QueryCacheLimit)},
	}
	for _, r := range rows {
		msgs = append(msgs, wire.BuildDataRow([]interface{}{r[0], r[1]}))
	}
	msgs = append(msgs, wire.BuildCommandComplete(fmt.Sprintf("SELECT %d", len(rows))))
	return msgs
}

func (s *Server) showLists() []wire.Message {
	fields := []wire.Field{wire.TextField("list"), wire.TextField("count")}
	msgs := []wire.Message{wire.BuildRowDescription(fields)}

	snap := s.Config.Current()
	rows := [][2]string{
		{"databases", strconv.Itoa(len(snap.Databases))},
		{"users", strconv.Itoa(len(snap.Users))},
		{"sharded_tables", strconv.Itoa(len(snap.ShardedTables))},
		{"omnisharded_tables", strconv.Itoa(len(snap.OmnishardedTables))},
		{"manual_queries", strconv.Itoa(len(snap.ManualQueries))},
	}
	for _, r := range rows {
		msgs = append(msgs, wire.BuildDataRow([]interface{}{r[0], r[1]}))
	}
	msgs = append(msgs, wire.BuildCommandComplete(fmt.Sprintf("SELECT %d", len(rows))))
	return msgs
}

func (s *Server) showShards() []wire.Message {
	fields := []wire.Field{
		wire.TextField("database"), wire.TextField("shard"),
		wire.TextField("primary"), wire.TextField("replicas"),
	}
	msgs := []wire.Message{wire.BuildRowDescription(fields)}

	n := 0
	for _, name := range s.Registry.Names() {
		cl := s.Registry.Get(name)
		if cl == nil {
			continue
		}
		for _, shard := range cl.Shards() {
			primary := "-"
			if shard.Primary != nil {
				primary = shard.Primary.Name
			}
			var replicaNames []string
			for _, r := range shard.Replicas {
				replicaNames = append(replicaNames, r.Name)
			}
			msgs = append(msgs, wire.BuildDataRow([]interface{}{
				name, shard.Index, primary, strings.Join(replicaNames, ","),
			}))
			n++
		}
	}
	msgs = append(msgs, wire.BuildCommandComplete(fmt.Sprintf("SELECT %d", n)))
	return msgs
}

func (s *Server) reload() ([]wire.Message, error) {
	if s.Reload == nil {
		return []wire.Message{wire.BuildCommandComplete("RELOAD")}, nil
	}
	if err := s.Reload(); err != nil {
		return nil, fmt.Errorf("admin: reload failed: %w", err)
	}
	return []wire.Message{wire.BuildCommandComplete("RELOAD")}, nil
}
