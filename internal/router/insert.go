package router

import (
	"fmt"
	"strings"
)

// InsertRow is one VALUES(...) tuple from a multi-row INSERT, already
// rendered back to SQL text for its value list, alongside the resolved
// shard it belongs to.
type InsertRow struct {
	Shard  int
	ValuesSQL string // e.g. "(1, 'a', true)"
}

// InsertSplitPlan groups a multi-row INSERT's rows by destination shard,
// so the engine can issue one INSERT per shard containing only that
// shard's rows instead of sending the whole statement everywhere.
//
// Grounded on _examples/original_source/pgdog/src/frontend/client/
// query_engine/insert_split.rs's InsertSplitPlan::values_sql_for_shard
// grouping and per-shard INSERT INTO ... VALUES ... reassembly; and
// .../rewrite/statement/insert.rs for the columns()/table() shape.
type InsertSplitPlan struct {
	Table   string
	Columns []string
	rows    map[int][]string // shard -> value-list fragments, insertion order
	order   []int             // shards in first-seen order
}

// NewInsertSplitPlan begins a plan for an INSERT into table with the
// given column list (nil/empty means the statement omitted an explicit
// column list and relies on table column order).
func NewInsertSplitPlan(table string, columns []string) *InsertSplitPlan {
	return &InsertSplitPlan{Table: table, Columns: columns, rows: make(map[int][]string)}
}

// AddRow assigns one VALUES tuple to shard, computed by the caller from
// the row's sharding-key column via internal/shardkey.
func (p *InsertSplitPlan) AddRow(shard int, valuesSQL string) {
	if _, ok := p.rows[shard]; !ok {
		p.order = append(p.order, shard)
	}
	p.rows[shard] = append(p.rows[shard], valuesSQL)
}

// Shards returns the distinct destination shards, in first-seen order.
func (p *InsertSplitPlan) Shards() []int { return p.order }

// TotalRows returns the number of rows across every shard, for the
// merged "INSERT 0 N" command-complete tag the client ultimately sees.
func (p *InsertSplitPlan) TotalRows() int {
	n := 0
	for _, vs := range p.rows {
		n += len(vs)
	}
	return n
}

// SQLForShard renders the per-shard INSERT statement, or "" if shard has
// no rows in this plan.
func (p *InsertSplitPlan) SQLForShard(shard int) string {
	values, ok := p.rows[shard]
	if !ok || len(values) == 0 {
		return ""
	}
	if len(p.Columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s VALUES %s", p.Table, strings.Join(values, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", p.Table, strings.Join(p.Columns, ", "), strings.Join(values, ", "))
}

// NeedsTwoPC reports whether committing this plan across its shards
// requires two-phase commit: more than one destination shard.
func (p *InsertSplitPlan) NeedsTwoPC() bool {
	return len(p.order) > 1
}
