// Package engine implements the query engine (spec.md C7): turning one
// classified, routed statement into backend dispatch, fanning cross-shard
// statements out over concurrent goroutines, merging their results, and
// driving two-phase commit when a transaction touches more than one shard.
//
// Grounded on mevdschee-tqdbproxy/postgres/postgres.go's handleQuery/
// handleExecute single-statement execution path, generalized from one
// backend to N; the concurrent-fan-out-then-collect shape mirrors
// writebatch/manager.go's per-key grouping with channel-based result
// delivery. Two-phase-commit phase sequencing and tag merging follow
// _examples/original_source/pgdog/src/wire_protocol/backend/
// command_complete.rs and spec §4.7.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mevdschee/pgdogproxy/internal/backend"
	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/config"
	"github.com/mevdschee/pgdogproxy/internal/idgen"
	"github.com/mevdschee/pgdogproxy/internal/metrics"
	"github.com/mevdschee/pgdogproxy/internal/pool"
	"github.com/mevdschee/pgdogproxy/internal/prepared"
	"github.com/mevdschee/pgdogproxy/internal/router"
	"github.com/mevdschee/pgdogproxy/internal/shardkey"
	"github.com/mevdschee/pgdogproxy/internal/sqlparse"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// Engine holds the shared, process-wide state every client Session routes
// and dispatches through.
type Engine struct {
	Registry *cluster.Registry
	Config   *config.Facade
	Cache    *sqlparse.Cache
	Prepared *prepared.Table
	IDGen    *idgen.Generator
}

// NewEngine wires together an Engine from its already-constructed
// components; cmd/tqdbproxy owns their lifetimes.
func NewEngine(registry *cluster.Registry, cfg *config.Facade, cache *sqlparse.Cache, prep *prepared.Table, idg *idgen.Generator) *Engine {
	return &Engine{Registry: registry, Config: cfg, Cache: cache, Prepared: prep, IDGen: idg}
}

// Session is one client's routing + transaction state, living for the
// lifetime of one accepted connection (spec.md C8 owns the socket; this
// is the slice of session state the engine needs to route and pin
// transactions correctly).
type Session struct {
	mu sync.Mutex

	Database string
	ClientID string

	shardOverride *int // SourceSet priority: SET pgdog.shard = N for this session

	inTransaction bool
	shardConns    map[int]*pool.Guard // shard -> pinned connection, held only mid-transaction
	shardIsWrite  map[int]bool
}

// NewSession starts routing state for a client that selected database on a
// given clientID (used as the prepared-statement table's namespace).
func NewSession(database, clientID string) *Session {
	return &Session{Database: database, ClientID: clientID}
}

// SetShardOverride pins every subsequent statement in this session to
// shard idx (SET pgdog.shard = N), until ResetShardOverride is called.
func (s *Session) SetShardOverride(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shardOverride = &idx
}

// ResetShardOverride clears a session-level shard pin (RESET pgdog.shard).
func (s *Session) ResetShardOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shardOverride = nil
}

// InTransaction reports whether this session is between a BEGIN and its
// matching COMMIT/ROLLBACK, for the session loop's ReadyForQuery status.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTransaction
}

// Result is what Execute returns for one simple-protocol statement: the
// wire messages to relay to the client, not including the trailing
// ReadyForQuery (the session loop appends that once it knows the final
// transaction status).
type Result struct {
	Messages []wire.Message
}

// Execute routes and dispatches one simple-protocol query string.
func (e *Engine) Execute(ctx context.Context, s *Session, sql string) (Result, error) {
	ast, err := e.Cache.Get(sql)
	if err != nil {
		return Result{}, fmt.Errorf("engine: parse: %w", err)
	}
	cmd := router.ClassifyCommand(ast)

	cl := e.Registry.Get(s.Database)
	if cl == nil {
		return Result{}, fmt.Errorf("engine: unknown database %q", s.Database)
	}

	metrics.QueryCount.WithLabelValues(s.Database, "*").Inc()

	switch cmd.Kind {
	case router.CommandStartTransaction:
		return e.beginTransaction(s)
	case router.CommandCommit:
		return e.endTransaction(ctx, s, true)
	case router.CommandRollback:
		return e.endTransaction(ctx, s, false)
	case router.CommandSet:
		return e.handleSet(ast, s, sql)
	case router.CommandDiscard, router.CommandDeallocate:
		return e.handleDiscard(s, sql)
	case router.CommandListen, router.CommandNotify, router.CommandUnlisten:
		return e.executeChannelCommand(ctx, s, cl, ast, cmd.Kind, sql)
	default:
		start := time.Now()
		res, err := e.executeRouted(ctx, s, cl, ast, sql)
		metrics.QueryLatency.WithLabelValues(s.Database, "*", commandVerb(ast)).Observe(time.Since(start).Seconds())
		return res, err
	}
}

// commandVerb labels QueryLatency observations by statement kind, the same
// coarse verb CommandComplete tags use, without needing a real shard number
// (cross-shard statements don't have just one).
func commandVerb(ast *sqlparse.Ast) string {
	switch ast.Kind {
	case sqlparse.KindSelect:
		return "SELECT"
	case sqlparse.KindInsert:
		return "INSERT"
	case sqlparse.KindUpdate:
		return "UPDATE"
	case sqlparse.KindDelete:
		return "DELETE"
	default:
		return "OTHER"
	}
}

// executeChannelCommand routes LISTEN/NOTIFY/UNLISTEN to a single shard
// chosen by hashing the channel name, so every client LISTENing on the same
// channel ends up pinned to the same backend and a NOTIFY on that channel
// reaches them — spec.md's channel-to-shard hash, grounded on
// _examples/original_source/pgdog/src/frontend/router/parser/route.rs's
// handling of LISTEN/NOTIFY as single-shard statements keyed by channel.
func (e *Engine) executeChannelCommand(ctx context.Context, s *Session, cl *cluster.Cluster, ast *sqlparse.Ast, kind router.CommandKind, sql string) (Result, error) {
	numShards := cl.NumShards()
	channel, ok := extractChannelName(sql)
	if !ok || numShards == 0 {
		return e.executeSingleShard(ctx, s, cl, 0, false, sql)
	}
	shard := shardkey.Hash(channel, numShards)
	return e.executeSingleShard(ctx, s, cl, shard, false, sql)
}

// CancelClient relays a CancelRequest to whichever backend connection is
// currently checked out under clientID, scanning every database's every
// shard's primary and replica pools until one reports a match. Matches
// session.go's handleCancelRequest, the receiving end of the PID->clientID
// registry session.Listener keeps.
func (e *Engine) CancelClient(clientID string) {
	ctx := context.Background()
	for _, name := range e.Registry.Names() {
		cl := e.Registry.Get(name)
		if cl == nil {
			continue
		}
		for _, shard := range cl.Shards() {
			if shard.Primary != nil {
				if shard.Primary.Cancel(ctx, clientID) == nil {
					return
				}
			}
			for _, r := range shard.Replicas {
				if r.Cancel(ctx, clientID) == nil {
					return
				}
			}
		}
	}
}

func (e *Engine) beginTransaction(s *Session) (Result, error) {
	s.mu.Lock()
	s.inTransaction = true
	s.shardConns = make(map[int]*pool.Guard)
	s.shardIsWrite = make(map[int]bool)
	s.mu.Unlock()
	return Result{Messages: []wire.Message{wire.BuildCommandComplete("BEGIN")}}, nil
}

// endTransaction issues COMMIT or ROLLBACK against every shard touched
// this transaction, using two-phase commit when more than one shard saw a
// write (router.Route.ShouldTwoPC's condition, applied here at the
// transaction level since 2PC commits atomically across the whole
// transaction, not per-statement).
func (e *Engine) endTransaction(ctx context.Context, s *Session, commit bool) (Result, error) {
	s.mu.Lock()
	conns := s.shardConns
	writes := s.shardIsWrite
	s.inTransaction = false
	s.shardConns = nil
	s.shardIsWrite = nil
	s.mu.Unlock()

	defer func() {
		for _, g := range conns {
			g.Release()
		}
	}()

	for shard := range conns {
		metrics.XactCount.WithLabelValues(s.Database, strconv.Itoa(shard)).Inc()
		if !commit {
			metrics.Rollbacks.WithLabelValues(s.Database, strconv.Itoa(shard)).Inc()
		}
	}

	if len(conns) == 0 {
		tag := "COMMIT"
		if !commit {
			tag = "ROLLBACK"
		}
		return Result{Messages: []wire.Message{wire.BuildCommandComplete(tag)}}, nil
	}

	writeShards := 0
	for shard, isWrite := range writes {
		if isWrite && conns[shard] != nil {
			writeShards++
		}
	}

	if commit && writeShards > 1 {
		res, err := e.twoPhaseCommit(ctx, conns)
		if err != nil {
			metrics.TwoPCCount.WithLabelValues(s.Database, "failure").Inc()
		} else {
			metrics.TwoPCCount.WithLabelValues(s.Database, "success").Inc()
		}
		return res, err
	}

	verb := "COMMIT"
	if !commit {
		verb = "ROLLBACK"
	}
	for shard, g := range conns {
		conn := g.Conn().(*backend.Connection)
		if _, _, err := conn.Execute(ctx, verb); err != nil {
			return Result{}, fmt.Errorf("engine: %s on shard %d: %w", verb, shard, err)
		}
	}
	return Result{Messages: []wire.Message{wire.BuildCommandComplete(verb)}}, nil
}

// twoPhaseCommit runs PREPARE TRANSACTION on every touched shard, then
// COMMIT PREPARED on all of them once every PREPARE has succeeded; any
// PREPARE failure rolls every shard back (ROLLBACK PREPARED on those
// already prepared, ROLLBACK on the rest) rather than leaving a partially
// committed transaction.
func (e *Engine) twoPhaseCommit(ctx context.Context, conns map[int]*pool.Guard) (Result, error) {
	name := idgen.NewTransactionName("pgdog_2pc")

	preparedShards := make([]int, 0, len(conns))
	for shard, g := range conns {
		conn := g.Conn().(*backend.Connection)
		if _, _, err := conn.Execute(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", name)); err != nil {
			prepared := make(map[int]bool, len(preparedShards))
			for _, ps := range preparedShards {
				prepared[ps] = true
				rg := conns[ps]
				rconn := rg.Conn().(*backend.Connection)
				_, _, _ = rconn.Execute(ctx, fmt.Sprintf("ROLLBACK PREPARED '%s'", name))
			}
			for rs, rg := range conns {
				if !prepared[rs] {
					_, _, _ = rg.Conn().(*backend.Connection).Execute(ctx, "ROLLBACK")
				}
			}
			return Result{}, fmt.Errorf("engine: 2pc prepare failed on shard %d: %w", shard, err)
		}
		preparedShards = append(preparedShards, shard)
	}

	for _, shard := range preparedShards {
		conn := conns[shard].Conn().(*backend.Connection)
		if _, _, err := conn.Execute(ctx, fmt.Sprintf("COMMIT PREPARED '%s'", name)); err != nil {
			return Result{}, fmt.Errorf("engine: 2pc commit failed on shard %d: %w", shard, err)
		}
	}
	return Result{Messages: []wire.Message{wire.BuildCommandComplete("COMMIT")}}, nil
}

// handleSet recognizes the proxy's own SET pgdog.shard session variable
// (and RESET pgdog.shard). Any other SET is answered with a SET
// CommandComplete and is not sent to any backend, so it has no effect on
// later statements.
func (e *Engine) handleSet(ast *sqlparse.Ast, s *Session, sql string) (Result, error) {
	if idx, ok := extractPgdogShardSet(sql); ok {
		s.SetShardOverride(idx)
		return Result{Messages: []wire.Message{wire.BuildCommandComplete("SET")}}, nil
	}
	if isPgdogShardReset(sql) {
		s.ResetShardOverride()
		return Result{Messages: []wire.Message{wire.BuildCommandComplete("SET")}}, nil
	}
	return Result{Messages: []wire.Message{wire.BuildCommandComplete("SET")}}, nil
}

// handleDiscard evicts this client's prepared statements from the shared
// table (DISCARD ALL / DEALLOCATE), matching internal/prepared's
// refcounted eviction.
func (e *Engine) handleDiscard(s *Session, sql string) (Result, error) {
	e.Prepared.CloseClient(s.ClientID)
	return Result{Messages: []wire.Message{wire.BuildCommandComplete("DISCARD ALL")}}, nil
}

// executeRouted resolves a Route for ast and dispatches it: single-shard
// statements pass through to one backend; cross-shard statements fan out
// concurrently and merge. A multi-row INSERT into a sharded table is split
// per shard first (router.InsertSplitPlan) rather than routed as one
// statement, since each row can belong to a different shard.
func (e *Engine) executeRouted(ctx context.Context, s *Session, cl *cluster.Cluster, ast *sqlparse.Ast, sql string) (Result, error) {
	numShards := cl.NumShards()
	snap := e.Config.Current()

	if ast.Kind == sqlparse.KindInsert {
		if plan, ok := buildInsertSplitPlan(ast, snap, numShards); ok {
			return e.executeInsertSplit(ctx, s, cl, plan)
		}
	}

	stack := router.NewShardStack(numShards)

	if mq, ok := snap.ManualQueries[sqlparse.Fingerprint(sql)]; ok {
		stack.Push(router.NewShardWithPriority(router.SourcePlugin, router.DirectShard(mq.Shard)))
	}
	if hint, ok := router.HintShard(ast); ok {
		stack.Push(hint)
	}
	if hint, ok := router.HintShardingKey(ast, numShards); ok {
		stack.Push(hint)
	}
	if shard, ok := shardedColumnHint(ast, sql, snap); ok {
		stack.Push(router.NewShardWithPriority(router.SourceTable, router.DirectShard(shard)))
	} else if ast.Kind == sqlparse.KindSelect && len(ast.Tables) == 0 {
		stack.Push(router.NewRoundRobinShard(router.ReasonNoTable, router.DirectShard(cl.RoundRobinShard())))
	} else if isOmnishardedOnly(ast, snap) {
		stack.Push(router.NewRoundRobinShard(router.ReasonOmni, router.DirectShard(cl.RoundRobinShard())))
	}

	s.mu.Lock()
	override := s.shardOverride
	s.mu.Unlock()
	if override != nil {
		stack.Push(router.NewShardWithPriority(router.SourceSet, router.DirectShard(*override)))
	}
	if numShards == 1 {
		stack.Push(router.NewOverrideShard(router.ReasonOnlyOneShard, router.DirectShard(0)))
	}

	read := ast.Kind == sqlparse.KindSelect
	route := router.Resolve(ast, stack, read)

	targetShards := shardIndexes(route.Shard.Shard, numShards)

	if !route.IsCrossShard() {
		return e.executeSingleShard(ctx, s, cl, targetShards[0], read, sql)
	}
	return e.executeCrossShard(ctx, s, cl, targetShards, read, route, sql)
}

// isOmnishardedOnly reports whether every table ast references is declared
// omnisharded: a read against such a statement may be answered by any one
// shard instead of broadcasting to all of them.
func isOmnishardedOnly(ast *sqlparse.Ast, snap *config.Snapshot) bool {
	if len(ast.Tables) == 0 {
		return false
	}
	for _, t := range ast.Tables {
		found := false
		for _, ot := range snap.OmnishardedTables {
			if ot.Table == t.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// shardIndexes expands a router.Shard selector into concrete shard
// indexes: Direct is one index, Multi is as given, All is every shard.
func shardIndexes(shard router.Shard, numShards int) []int {
	switch {
	case shard.IsDirect():
		return []int{shard.Direct}
	case shard.IsMulti():
		return shard.Multi
	default:
		all := make([]int, numShards)
		for i := range all {
			all[i] = i
		}
		return all
	}
}

func (e *Engine) executeSingleShard(ctx context.Context, s *Session, cl *cluster.Cluster, shard int, read bool, sql string) (Result, error) {
	conn, release, err := e.shardConnection(ctx, s, cl, shard, read)
	if err != nil {
		return Result{}, err
	}
	defer release()

	msgs, err := conn.QueryAll(ctx, sql)
	if err != nil {
		return Result{}, err
	}
	return Result{Messages: msgs}, nil
}

// shardConnection checks out (or reuses, mid-transaction) the connection
// for shard, returning a release func the caller must always invoke —
// a no-op mid-transaction (the Session keeps the Guard until COMMIT/
// ROLLBACK), an actual pool release otherwise.
func (e *Engine) shardConnection(ctx context.Context, s *Session, cl *cluster.Cluster, shard int, read bool) (*backend.Connection, func(), error) {
	s.mu.Lock()
	inTx := s.inTransaction
	if inTx {
		if g, ok := s.shardConns[shard]; ok {
			s.mu.Unlock()
			return g.Conn().(*backend.Connection), func() {}, nil
		}
	}
	s.mu.Unlock()

	var g *pool.Guard
	var err error
	if read {
		g, err = cl.Replica(ctx, shard)
	} else {
		g, err = cl.Primary(ctx, shard)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("engine: checkout shard %d: %w", shard, err)
	}
	conn := g.Conn().(*backend.Connection)
	conn.SetOwner(s.ClientID)

	if inTx {
		s.mu.Lock()
		conn.Execute(ctx, "BEGIN")
		s.shardConns[shard] = g
		s.shardIsWrite[shard] = s.shardIsWrite[shard] || !read
		s.mu.Unlock()
		return conn, func() {}, nil
	}
	return conn, func() { g.Release() }, nil
}

// executeCrossShard fans sql out to every shard in shards concurrently and
// merges the results. When route.ShouldBuffer() and a LIMIT is present, a
// router.OffsetPlan rewrites each shard's own LIMIT/OFFSET to LIMIT+OFFSET
// rows starting at 0, so the merge step below can sort the pooled rows and
// re-apply the client's true LIMIT/OFFSET exactly once over the merged
// stream instead of once per shard.
func (e *Engine) executeCrossShard(ctx context.Context, s *Session, cl *cluster.Cluster, shards []int, read bool, route router.Route, sql string) (Result, error) {
	rw, rewritten := BuildRewrite(sql)
	effectiveSQL := sql
	if rewritten {
		effectiveSQL = rw.SQL
	} else if route.ShouldBuffer() && route.Limit.Limit != nil {
		plan := router.NewOffsetPlan(route.Limit)
		if limit, offset, ok := plan.PerShardLimitOffset(route.Limit.Limit, route.Limit.Offset); ok {
			effectiveSQL = rewriteLimitOffset(sql, limit, offset)
		}
	}

	results := make([]ShardResult, len(shards))
	errs := make([]error, len(shards))
	var wg sync.WaitGroup
	for i, shard := range shards {
		wg.Add(1)
		go func(i, shard int) {
			defer wg.Done()
			conn, release, err := e.shardConnection(ctx, s, cl, shard, read)
			if err != nil {
				errs[i] = err
				return
			}
			defer release()
			msgs, err := conn.QueryAll(ctx, effectiveSQL)
			if err != nil {
				errs[i] = err
				return
			}
			res, err := parseShardMessages(shard, msgs)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res
		}(i, shard)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return Result{}, err
		}
	}

	var merged MergedResult
	var err error
	if rewritten {
		merged, err = mergeAggregate(results, rw)
	} else {
		merged, err = mergeRows(results)
		if err == nil {
			merged = applyMergePlan(merged, route)
		}
	}
	if err != nil {
		return Result{}, err
	}

	msgs := []wire.Message{wire.BuildRowDescription(merged.Fields)}
	for _, row := range merged.Rows {
		msgs = append(msgs, wire.BuildDataRow(row))
	}
	msgs = append(msgs, wire.BuildCommandComplete(merged.Tag.String()))
	return Result{Messages: msgs}, nil
}

func parseShardMessages(shard int, msgs []wire.Message) (ShardResult, error) {
	res := ShardResult{Shard: shard}
	for _, m := range msgs {
		switch m.Type {
		case wire.RowDescription:
			fields, err := wire.DecodeRowDescription(m.Payload)
			if err != nil {
				return ShardResult{}, err
			}
			res.Fields = fields
		case wire.DataRow:
			row, err := wire.DecodeDataRow(m.Payload)
			if err != nil {
				return ShardResult{}, err
			}
			res.Rows = append(res.Rows, row)
		case wire.CommandComplete:
			tag, err := router.ParseCommandTag(stringUntilNull(m.Payload))
			if err != nil {
				return ShardResult{}, err
			}
			res.Tag = tag
		}
	}
	return res, nil
}

func stringUntilNull(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// shardedColumnHint evaluates the static table -> sharding-column routing
// rule from config: if ast references a sharded_table, extract the
// column's literal value from the query text (regex, the same
// necessarily-approximate approach the rest of this parser takes) and
// hash it to a shard index.
func shardedColumnHint(ast *sqlparse.Ast, sql string, snap *config.Snapshot) (int, bool) {
	table := router.TableOwner(ast)
	if table == "" {
		return 0, false
	}
	for _, st := range snap.ShardedTables {
		if st.Table != table {
			continue
		}
		value, ok := extractColumnValue(sql, st.Column)
		if !ok {
			return 0, false
		}
		numShards := 0
		if db, ok := snap.Databases[st.Database]; ok {
			numShards = len(db.Shards)
		}
		if numShards == 0 {
			return 0, false
		}
		return shardkey.Hash(value, numShards), true
	}
	return 0, false
}
