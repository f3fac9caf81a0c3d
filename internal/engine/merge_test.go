package engine

import (
	"testing"

	"github.com/mevdschee/pgdogproxy/internal/router"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

func row(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func TestMergeRowsConcatenatesInShardOrder(t *testing.T) {
	fields := []wire.Field{wire.TextField("id")}
	results := []ShardResult{
		{Shard: 0, Fields: fields, Rows: [][][]byte{row("1"), row("2")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 2}},
		{Shard: 1, Fields: fields, Rows: [][][]byte{row("3")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 1}},
	}
	merged, err := mergeRows(results)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Rows) != 3 {
		t.Fatalf("expected 3 merged rows, got %d", len(merged.Rows))
	}
	if merged.Tag.Rows != 3 {
		t.Fatalf("expected merged tag to sum rows, got %d", merged.Tag.Rows)
	}
}

func TestMergeAggregateSumAcrossShards(t *testing.T) {
	rw := Rewrite{
		Targets: []parsedTarget{{isAgg: true, agg: router.AggregateTarget{Column: 0, Function: router.AggSum}}},
	}
	fields := []wire.Field{wire.TextField("total")}
	results := []ShardResult{
		{Shard: 0, Fields: fields, Rows: [][][]byte{row("10")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 1}},
		{Shard: 1, Fields: fields, Rows: [][][]byte{row("15")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 1}},
	}
	merged, err := mergeAggregate(results, rw)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Rows) != 1 {
		t.Fatalf("expected exactly one merged row for a global aggregate, got %d", len(merged.Rows))
	}
	if merged.Rows[0][0] != "25" {
		t.Fatalf("expected summed total 25, got %v", merged.Rows[0][0])
	}
}

func TestMergeAggregateAvgUsesHelperColumns(t *testing.T) {
	rw := Rewrite{
		Targets: []parsedTarget{{isAgg: true, agg: router.AggregateTarget{Column: 0, Function: router.AggAvg}}},
		Plan: router.AggregateRewritePlan{Helpers: []router.HelperMapping{
			{TargetColumn: 0, HelperColumn: 1, Kind: router.HelperSum},
			{TargetColumn: 0, HelperColumn: 2, Kind: router.HelperCount},
		}},
	}
	fields := []wire.Field{wire.TextField("avg"), wire.TextField("__pgdog_sum_expr0_col0"), wire.TextField("__pgdog_count_expr0_col0")}
	results := []ShardResult{
		{Shard: 0, Fields: fields, Rows: [][][]byte{row("0", "20", "4")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 1}},
		{Shard: 1, Fields: fields, Rows: [][][]byte{row("0", "10", "2")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 1}},
	}
	merged, err := mergeAggregate(results, rw)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Rows[0][0] != "5" {
		t.Fatalf("expected reconstructed avg 5 ((20+10)/(4+2)), got %v", merged.Rows[0][0])
	}
}

func TestMergeAggregateMaxAcrossShards(t *testing.T) {
	rw := Rewrite{
		Targets: []parsedTarget{{isAgg: true, agg: router.AggregateTarget{Column: 0, Function: router.AggMax}}},
	}
	fields := []wire.Field{wire.TextField("m")}
	results := []ShardResult{
		{Shard: 0, Fields: fields, Rows: [][][]byte{row("7")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 1}},
		{Shard: 1, Fields: fields, Rows: [][][]byte{row("12")}, Tag: router.CommandTag{Verb: "SELECT", Rows: 1}},
	}
	merged, err := mergeAggregate(results, rw)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Rows[0][0] != "12" {
		t.Fatalf("expected max 12, got %v", merged.Rows[0][0])
	}
}
