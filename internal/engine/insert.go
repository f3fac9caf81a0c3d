// Multi-row INSERT splitting: a single INSERT statement carrying more than
// one VALUES tuple can have rows destined for different shards when its
// target table is sharded. buildInsertSplitPlan groups those rows by shard
// using router.InsertSplitPlan; executeInsertSplit issues one INSERT per
// touched shard and merges their row counts into one CommandComplete tag,
// grounded on _examples/original_source/pgdog/src/frontend/client/
// query_engine/insert_split.rs's per-shard VALUES regrouping.
package engine

import (
	"context"
	"fmt"

	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/config"
	"github.com/mevdschee/pgdogproxy/internal/router"
	"github.com/mevdschee/pgdogproxy/internal/shardkey"
	"github.com/mevdschee/pgdogproxy/internal/sqlparse"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// buildInsertSplitPlan reports ok=false when ast's table isn't declared
// sharded, its VALUES couldn't be parsed into clean tuples, or the sharding
// column's value can't be resolved for some row — in every such case the
// caller falls back to routing the whole statement as one unit the usual
// way (shardedColumnHint broadcasting or erroring as appropriate).
func buildInsertSplitPlan(ast *sqlparse.Ast, snap *config.Snapshot, numShards int) (*router.InsertSplitPlan, bool) {
	if len(ast.InsertRows) < 2 {
		return nil, false
	}
	table := router.TableOwner(ast)
	if table == "" {
		return nil, false
	}

	var sharded config.ShardedTable
	found := false
	for _, st := range snap.ShardedTables {
		if st.Table == table {
			sharded = st
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}

	colIdx := columnPosition(ast.InsertColumns, sharded.Column)
	if colIdx < 0 {
		return nil, false
	}

	plan := router.NewInsertSplitPlan(table, ast.InsertColumns)
	for _, tuple := range ast.InsertRows {
		values := sqlparse.SplitTupleValues(tuple)
		if colIdx >= len(values) {
			return nil, false
		}
		key := unquoteLiteral(values[colIdx])
		shard := shardkey.Hash(key, numShards)
		plan.AddRow(shard, tuple)
	}
	return plan, true
}

// columnPosition returns column's index in an explicit column list, or -1
// when the list is empty (no column list means this proxy can't tell which
// position holds the sharding column without a catalog lookup it doesn't
// have, so the split is skipped).
func columnPosition(columns []string, column string) int {
	for i, c := range columns {
		if c == column {
			return i
		}
	}
	return -1
}

func unquoteLiteral(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}

// executeInsertSplit issues plan's per-shard INSERT statements one at a
// time and merges every shard's "INSERT 0 N" tag into the single one the
// client sees. Mid-transaction, shardConnection pins each touched shard
// into s.shardConns and marks it a write, so endTransaction still applies
// two-phase commit across them at COMMIT time exactly as it would for any
// other multi-shard write in the same transaction. Outside a transaction,
// a split touching more than one shard is wrapped in one and committed
// through endTransaction, so it too commits with two-phase commit.
func (e *Engine) executeInsertSplit(ctx context.Context, s *Session, cl *cluster.Cluster, plan *router.InsertSplitPlan) (Result, error) {
	shards := plan.Shards()
	if len(shards) == 1 {
		return e.executeSingleShard(ctx, s, cl, shards[0], false, plan.SQLForShard(shards[0]))
	}
	if !s.InTransaction() {
		e.beginTransaction(s)
		res, err := e.executeInsertSplit(ctx, s, cl, plan)
		if err != nil {
			e.endTransaction(ctx, s, false)
			return Result{}, err
		}
		if _, err := e.endTransaction(ctx, s, true); err != nil {
			return Result{}, err
		}
		return res, nil
	}

	tags := make([]router.CommandTag, 0, len(shards))
	for _, shard := range shards {
		conn, release, err := e.shardConnection(ctx, s, cl, shard, false)
		if err != nil {
			return Result{}, err
		}
		_, tag, err := conn.Execute(ctx, plan.SQLForShard(shard))
		release()
		if err != nil {
			return Result{}, fmt.Errorf("engine: insert split on shard %d: %w", shard, err)
		}
		parsed, err := router.ParseCommandTag(tag)
		if err != nil {
			return Result{}, err
		}
		tags = append(tags, parsed)
	}

	merged, err := router.MergeCommandTags(tags)
	if err != nil {
		return Result{}, err
	}
	return Result{Messages: []wire.Message{wire.BuildCommandComplete(merged.String())}}, nil
}
