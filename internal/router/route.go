// Package router turns a parsed statement (internal/sqlparse.Ast) plus
// session state into a Route: which shard(s) a statement must reach, on
// which role (primary/replica), and what rewriting the engine must apply
// before/after sending it.
//
// The priority-ordered ShardSource stack is grounded verbatim on
// _examples/original_source/pgdog/src/frontend/router/parser/route.rs's
// ShardSource/ShardWithPriority/ShardsWithPriority: "N.B. Ordering here
// matters. Don't move these around, unless you're changing the
// algorithm." The overall classify-then-dispatch shape is grounded on
// mevdschee-tqdbproxy/parser/parser.go + postgres/postgres.go's
// handleQuery.
package router

import "sort"

// Shard is the destination set for a statement.
type Shard struct {
	Direct int   // valid when Kind == ShardDirect
	Multi  []int // valid when Kind == ShardMulti
	Kind   ShardKind
}

type ShardKind int

const (
	ShardAll ShardKind = iota
	ShardDirect
	ShardMulti
)

func DirectShard(i int) Shard  { return Shard{Kind: ShardDirect, Direct: i} }
func MultiShard(is []int) Shard {
	cp := append([]int(nil), is...)
	sort.Ints(cp)
	return Shard{Kind: ShardMulti, Multi: cp}
}

func (s Shard) IsAll() bool    { return s.Kind == ShardAll }
func (s Shard) IsDirect() bool { return s.Kind == ShardDirect }
func (s Shard) IsMulti() bool  { return s.Kind == ShardMulti }
func (s Shard) IsCrossShard() bool {
	return s.Kind == ShardAll || s.Kind == ShardMulti
}

// ShardSource ranks where a shard decision came from, least to highest
// priority — identical ordering to route.rs's ShardSource enum.
type ShardSource int

const (
	SourceDefaultUnset ShardSource = iota
	SourceTable
	SourceRoundRobin
	SourceSearchPath
	SourceSet
	SourceComment
	SourcePlugin
	SourceOverride
)

// RoundRobinReason names why a SourceRoundRobin decision was made, so a
// routing trace (EXPLAIN's expanded form, or a debug log) carries a legible
// reason rather than just the priority integer — mirrors route.rs's
// RoundRobinReason enum verbatim.
type RoundRobinReason int

const (
	ReasonPrimaryShardedTableInsert RoundRobinReason = iota
	ReasonOmni
	ReasonNotExecutable
	ReasonNoTable
	ReasonEmptyQuery
)

func (r RoundRobinReason) String() string {
	switch r {
	case ReasonPrimaryShardedTableInsert:
		return "primary_sharded_table_insert"
	case ReasonOmni:
		return "omni"
	case ReasonNotExecutable:
		return "not_executable"
	case ReasonNoTable:
		return "no_table"
	case ReasonEmptyQuery:
		return "empty_query"
	default:
		return "unknown"
	}
}

// OverrideReason names why a SourceOverride decision was made — mirrors
// route.rs's OverrideReason enum verbatim.
type OverrideReason int

const (
	ReasonDryRun OverrideReason = iota
	ReasonParserDisabled
	ReasonTransaction
	ReasonOnlyOneShard
	ReasonRewriteUpdate
)

func (r OverrideReason) String() string {
	switch r {
	case ReasonDryRun:
		return "dry_run"
	case ReasonParserDisabled:
		return "parser_disabled"
	case ReasonTransaction:
		return "transaction"
	case ReasonOnlyOneShard:
		return "only_one_shard"
	case ReasonRewriteUpdate:
		return "rewrite_update"
	default:
		return "unknown"
	}
}

// ShardWithPriority pairs a Shard with the ShardSource that produced it,
// so routing rules can be evaluated in any order and the highest-priority
// source still wins — mirroring route.rs's Ord derive on the pair. Reason
// holds a RoundRobinReason or OverrideReason value (depending on Source);
// it is meaningless for every other source and left at its zero value.
type ShardWithPriority struct {
	Source ShardSource
	Reason int
	Shard  Shard
}

func NewShardWithPriority(source ShardSource, shard Shard) ShardWithPriority {
	return ShardWithPriority{Source: source, Shard: shard}
}

// NewRoundRobinShard builds a SourceRoundRobin candidate carrying reason,
// e.g. route.rs's new_rr_omni/new_rr_no_table/new_rr_empty_query helpers.
func NewRoundRobinShard(reason RoundRobinReason, shard Shard) ShardWithPriority {
	return ShardWithPriority{Source: SourceRoundRobin, Reason: int(reason), Shard: shard}
}

// NewOverrideShard builds a SourceOverride candidate carrying reason, e.g.
// route.rs's new_override_only_one_shard/new_override_transaction helpers.
func NewOverrideShard(reason OverrideReason, shard Shard) ShardWithPriority {
	return ShardWithPriority{Source: SourceOverride, Reason: int(reason), Shard: shard}
}

// ShardStack accumulates competing ShardWithPriority candidates across a
// statement's rules and resolves to the highest-priority one, exactly
// ShardsWithPriority::push/shard in route.rs.
type ShardStack struct {
	max     *ShardWithPriority
	numShards int
}

func NewShardStack(numShards int) *ShardStack {
	return &ShardStack{numShards: numShards}
}

// Push submits a candidate; it only takes effect if its Source strictly
// outranks the currently winning candidate. Among candidates with equal
// Source the first one pushed is kept (route.rs resolves ties the same
// way, since `<` not `<=` is used).
func (s *ShardStack) Push(c ShardWithPriority) {
	if s.max == nil || s.max.Source < c.Source {
		cp := c
		s.max = &cp
	}
}

// Resolve returns the winning ShardWithPriority, defaulting to
// {SourceDefaultUnset, ShardAll} when nothing was ever pushed.
func (s *ShardStack) Resolve() ShardWithPriority {
	if s.max != nil {
		return *s.max
	}
	return ShardWithPriority{Source: SourceDefaultUnset, Shard: Shard{Kind: ShardAll}}
}

// IsSearchPathDriven reports whether the winning candidate came from a
// SET search_path-derived rule.
func (s *ShardStack) IsSearchPathDriven() bool {
	return s.max != nil && s.max.Source == SourceSearchPath
}
