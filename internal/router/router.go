package router

import (
	"github.com/mevdschee/pgdogproxy/internal/shardkey"
	"github.com/mevdschee/pgdogproxy/internal/sqlparse"
)

// CommandKind classifies the administrative shape of a buffered client
// request, prior to shard resolution — mirroring postgres.go's
// handleQuery dispatch switch, generalized from single-database MySQL
// verbs to the Postgres command set spec.md §4.4 names.
type CommandKind int

const (
	CommandQuery CommandKind = iota
	CommandCopy
	CommandSet
	CommandStartTransaction
	CommandCommit
	CommandRollback
	CommandDiscard
	CommandDeallocate
	CommandListen
	CommandNotify
	CommandUnlisten
	CommandShards // admin SHOW pgdog.* style introspection, see internal/admin
)

// Command is the classified request the router dispatches on.
type Command struct {
	Kind CommandKind
	Ast  *sqlparse.Ast
}

// ClassifyCommand maps a parsed Ast to a CommandKind.
func ClassifyCommand(ast *sqlparse.Ast) Command {
	switch ast.Kind {
	case sqlparse.KindCopy:
		return Command{Kind: CommandCopy, Ast: ast}
	case sqlparse.KindSet:
		return Command{Kind: CommandSet, Ast: ast}
	case sqlparse.KindBegin:
		return Command{Kind: CommandStartTransaction, Ast: ast}
	case sqlparse.KindCommit:
		return Command{Kind: CommandCommit, Ast: ast}
	case sqlparse.KindRollback:
		return Command{Kind: CommandRollback, Ast: ast}
	case sqlparse.KindDiscard:
		return Command{Kind: CommandDiscard, Ast: ast}
	case sqlparse.KindDeallocate:
		return Command{Kind: CommandDeallocate, Ast: ast}
	case sqlparse.KindListen:
		return Command{Kind: CommandListen, Ast: ast}
	case sqlparse.KindNotify:
		return Command{Kind: CommandNotify, Ast: ast}
	case sqlparse.KindUnlisten:
		return Command{Kind: CommandUnlisten, Ast: ast}
	default:
		return Command{Kind: CommandQuery, Ast: ast}
	}
}

// Route is a fully resolved routing decision for one statement: which
// shard(s), which role, and what rewriting the engine must apply.
// Mirrors route.rs's Route struct, narrowed to the fields this proxy's
// engine actually consumes.
type Route struct {
	Shard        ShardWithPriority
	Read         bool
	Aggregate    AggregateRewritePlan
	Limit        Limit
	Distinct     bool
	OrderBy      []sqlparse.OrderByColumn
	Maintenance  bool
	SearchPathDriven bool
}

func (r Route) IsCrossShard() bool { return r.Shard.Shard.IsCrossShard() }
func (r Route) IsWrite() bool      { return !r.Read }

// ShouldTwoPC reports whether committing this route's effects requires
// two-phase commit: cross-shard AND a write AND not a maintenance
// operation — verbatim route.rs's should_2pc().
func (r Route) ShouldTwoPC() bool {
	return r.IsCrossShard() && r.IsWrite() && !r.Maintenance
}

// ShouldBuffer reports whether the engine must buffer and merge rows
// from every shard before replying, rather than streaming them through —
// true whenever the statement has ORDER BY, an aggregate rewrite, DISTINCT,
// or a LIMIT (literal or bound parameter), matching route.rs's
// should_buffer(). An OFFSET without a LIMIT does not count.
func (r Route) ShouldBuffer() bool {
	return !r.Aggregate.IsEmpty() || r.Distinct || len(r.OrderBy) > 0 || r.Limit.Limit != nil || r.Limit.LimitParam > 0
}

// TableOwner resolves which schema (table) a statement's sharding
// decision should key off of: the first table referenced, or "" if none.
func TableOwner(ast *sqlparse.Ast) string {
	if len(ast.Tables) == 0 {
		return ""
	}
	return ast.Tables[0].Name
}

// Resolve produces a Route for ast given the rules the caller has already
// evaluated into ShardWithPriority candidates (table-sharding-column
// lookup, round-robin fallback, SET search_path, SET-based session
// shard, comment hints, plugin hints, and override conditions). Callers
// push every applicable candidate onto stack before calling Resolve; the
// highest-priority one wins per route.rs's ShardsWithPriority ordering.
// LIMIT/OFFSET, DISTINCT, and ORDER BY are read straight off ast — sqlparse
// is the only place that knows how to find them in the query text.
func Resolve(ast *sqlparse.Ast, stack *ShardStack, read bool) Route {
	winner := stack.Resolve()
	route := Route{
		Shard: winner,
		Read:  read,
		Limit: Limit{
			Limit:       ast.Limit,
			Offset:      ast.Offset,
			LimitParam:  ast.LimitParam,
			OffsetParam: ast.OffsetParam,
		},
		Distinct:         ast.Distinct,
		OrderBy:          ast.OrderBy,
		SearchPathDriven: stack.IsSearchPathDriven(),
	}
	return route
}

// HintShard converts an sqlparse shard-hint (/* pgdog_shard: N */) into a
// ShardWithPriority at ShardSource Comment priority, per spec.md §6.
func HintShard(ast *sqlparse.Ast) (ShardWithPriority, bool) {
	if ast.ShardHint == nil {
		return ShardWithPriority{}, false
	}
	return NewShardWithPriority(SourceComment, DirectShard(*ast.ShardHint)), true
}

// HintShardingKey converts an sqlparse sharding-key hint
// (/* pgdog_sharding_key: V */) into a ShardWithPriority at Comment
// priority by hashing the value with shardkey.Hash.
func HintShardingKey(ast *sqlparse.Ast, numShards int) (ShardWithPriority, bool) {
	if ast.ShardingKeyHint == nil || numShards <= 0 {
		return ShardWithPriority{}, false
	}
	idx := shardkey.Hash(*ast.ShardingKeyHint, numShards)
	return NewShardWithPriority(SourceComment, DirectShard(idx)), true
}
