package router

import "github.com/mevdschee/pgdogproxy/internal/shardkey"

// CopyPlan routes a COPY ... FROM STDIN statement's rows to a shard each,
// the same sharding-column hash internal/engine's regular INSERT routing
// uses, applied row by row as CopyData chunks arrive instead of once per
// statement.
//
// Grounded on _examples/original_source/pgdog/src/frontend/router/parser/
// rewrite/statement/insert.rs's sharding-column lookup, reused here since
// COPY FROM STDIN is PostgreSQL's bulk-insert wire path and needs the same
// column -> shard decision as a regular INSERT.
//
// Only COPY ... FROM STDIN (the bulk-load path this proxy must split per
// shard) is modeled here. COPY ... FROM/TO a server-side file and COPY ...
// TO STDOUT never reach CopyPlan: the engine sends those through its
// ordinary routed path like any other statement, since neither needs
// per-row sharding.
type CopyPlan struct {
	Table     string
	Columns   []string
	shardCol  int // index into Columns of the sharding column, -1 if table isn't sharded or column list is missing
	numShards int
}

// NewCopyPlan builds a CopyPlan for table with the given explicit column
// list (COPY always requires one or uses the table's natural column order;
// callers that can't name an explicit list pass nil, which disables
// per-row routing and falls back to shard 0 for every row).
func NewCopyPlan(table string, columns []string, shardColumn string, numShards int) *CopyPlan {
	idx := -1
	for i, c := range columns {
		if c == shardColumn {
			idx = i
			break
		}
	}
	return &CopyPlan{Table: table, Columns: columns, shardCol: idx, numShards: numShards}
}

// RouteRow resolves the destination shard for one COPY row, given its
// already-split column values.
func (p *CopyPlan) RouteRow(values []string) int {
	if p.shardCol < 0 || p.shardCol >= len(values) || p.numShards <= 0 {
		return 0
	}
	return shardkey.Hash(values[p.shardCol], p.numShards)
}

// NeedsRouting reports whether this plan can actually split rows by shard;
// false means every row should go to shard 0 (table isn't declared
// sharded, or no explicit column list was given to locate the sharding
// column in).
func (p *CopyPlan) NeedsRouting() bool {
	return p.shardCol >= 0
}
