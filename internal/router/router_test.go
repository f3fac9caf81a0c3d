package router

import (
	"testing"

	"github.com/mevdschee/pgdogproxy/internal/sqlparse"
)

func TestShardStackPriorityOrdering(t *testing.T) {
	stack := NewShardStack(4)
	stack.Push(NewShardWithPriority(SourceTable, DirectShard(0)))
	if got := stack.Resolve().Shard.Direct; got != 0 {
		t.Fatalf("expected table shard 0, got %d", got)
	}

	stack.Push(NewShardWithPriority(SourceSearchPath, DirectShard(1)))
	if got := stack.Resolve().Shard.Direct; got != 1 {
		t.Fatalf("search_path should outrank table, got %d", got)
	}

	stack.Push(NewShardWithPriority(SourceSet, DirectShard(2)))
	if got := stack.Resolve().Shard.Direct; got != 2 {
		t.Fatalf("set should outrank search_path, got %d", got)
	}

	stack.Push(NewShardWithPriority(SourceComment, DirectShard(3)))
	if got := stack.Resolve().Shard.Direct; got != 3 {
		t.Fatalf("comment should outrank set, got %d", got)
	}

	stack.Push(NewShardWithPriority(SourceTable, DirectShard(9)))
	if got := stack.Resolve().Shard.Direct; got != 3 {
		t.Fatalf("lower-priority push after comment must not win, got %d", got)
	}
}

func TestShardStackDefaultsToAll(t *testing.T) {
	stack := NewShardStack(4)
	r := stack.Resolve()
	if !r.Shard.IsAll() {
		t.Fatal("expected default resolve to be Shard::All")
	}
	if r.Source != SourceDefaultUnset {
		t.Fatalf("expected DefaultUnset source, got %v", r.Source)
	}
}

func TestBuildAggregateRewritePlanAvgInjectsSumAndCount(t *testing.T) {
	targets := []AggregateTarget{{Column: 0, ExprID: 1, Function: AggAvg}}
	plan := BuildAggregateRewritePlan(targets, 1)
	if len(plan.Helpers) != 2 {
		t.Fatalf("expected 2 helpers (sum, count), got %d: %+v", len(plan.Helpers), plan.Helpers)
	}
	wantAliases := map[string]bool{
		"__pgdog_sum_expr1_col0":   true,
		"__pgdog_count_expr1_col0": true,
	}
	for _, h := range plan.Helpers {
		if !wantAliases[h.Alias] {
			t.Fatalf("unexpected helper alias %q", h.Alias)
		}
	}
}

func TestBuildAggregateRewritePlanSkipsRedundantCount(t *testing.T) {
	targets := []AggregateTarget{
		{Column: 0, ExprID: 1, Function: AggAvg},
		{Column: 1, ExprID: 1, Function: AggCount},
	}
	plan := BuildAggregateRewritePlan(targets, 2)
	for _, h := range plan.Helpers {
		if h.Kind == HelperCount && h.TargetColumn == 0 {
			t.Fatal("AVG should not inject its own COUNT helper when a redundant COUNT target exists")
		}
	}
}

func TestBuildAggregateRewritePlanVarianceNeedsThreeHelpers(t *testing.T) {
	targets := []AggregateTarget{{Column: 0, ExprID: 5, Function: AggStddevSamp}}
	plan := BuildAggregateRewritePlan(targets, 1)
	if len(plan.Helpers) != 3 {
		t.Fatalf("expected 3 helpers for stddev_samp, got %d", len(plan.Helpers))
	}
}

func TestBuildAggregateRewritePlanPlainAggregatesNeedNoHelpers(t *testing.T) {
	targets := []AggregateTarget{
		{Column: 0, ExprID: 1, Function: AggCount},
		{Column: 1, ExprID: 2, Function: AggSum},
		{Column: 2, ExprID: 3, Function: AggMin},
		{Column: 3, ExprID: 4, Function: AggMax},
	}
	plan := BuildAggregateRewritePlan(targets, 4)
	if !plan.IsEmpty() {
		t.Fatalf("expected no helper columns for mergeable aggregates, got %+v", plan.Helpers)
	}
}

func TestMergeAvg(t *testing.T) {
	avg, ok := MergeAvg(30, 6)
	if !ok || avg != 5 {
		t.Fatalf("expected avg 5, got %v ok=%v", avg, ok)
	}
	if _, ok := MergeAvg(0, 0); ok {
		t.Fatal("expected MergeAvg to report not-ok for zero count")
	}
}

func TestMergeVarianceSample(t *testing.T) {
	// values 2,4,4,4,5,5,7,9 -> sample variance = 4.571428...
	sum, sumSq, n := 40.0, 232.0, int64(8)
	v, ok := MergeVarianceSample(sum, sumSq, n)
	if !ok {
		t.Fatal("expected ok")
	}
	if v < 4.5 || v > 4.65 {
		t.Fatalf("unexpected sample variance %v", v)
	}
}

func TestInsertSplitPlanGroupsByShard(t *testing.T) {
	plan := NewInsertSplitPlan("users", []string{"id", "name"})
	plan.AddRow(0, "(1, 'a')")
	plan.AddRow(1, "(2, 'b')")
	plan.AddRow(0, "(3, 'c')")

	if plan.TotalRows() != 3 {
		t.Fatalf("expected 3 total rows, got %d", plan.TotalRows())
	}
	if !plan.NeedsTwoPC() {
		t.Fatal("expected two-shard insert to require 2PC")
	}
	sql0 := plan.SQLForShard(0)
	if sql0 != "INSERT INTO users (id, name) VALUES (1, 'a'), (3, 'c')" {
		t.Fatalf("unexpected shard-0 SQL: %q", sql0)
	}
}

func TestInsertSplitPlanSingleShardNoTwoPC(t *testing.T) {
	plan := NewInsertSplitPlan("users", nil)
	plan.AddRow(2, "(1)")
	if plan.NeedsTwoPC() {
		t.Fatal("single-shard insert should not require 2PC")
	}
	if got := plan.SQLForShard(2); got != "INSERT INTO users VALUES (1)" {
		t.Fatalf("unexpected SQL without explicit columns: %q", got)
	}
}

func TestParseCommandTagAndMerge(t *testing.T) {
	a, err := ParseCommandTag("INSERT 0 2")
	if err != nil || a.Verb != "INSERT" || a.Rows != 2 {
		t.Fatalf("unexpected parse: %+v err=%v", a, err)
	}
	b, err := ParseCommandTag("INSERT 0 5")
	if err != nil {
		t.Fatal(err)
	}
	merged, err := MergeCommandTags([]CommandTag{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if merged.String() != "INSERT 0 7" {
		t.Fatalf("unexpected merged tag: %q", merged.String())
	}
}

func TestMergeCommandTagsMismatchErrors(t *testing.T) {
	a, _ := ParseCommandTag("INSERT 0 1")
	b, _ := ParseCommandTag("UPDATE 1")
	if _, err := MergeCommandTags([]CommandTag{a, b}); err == nil {
		t.Fatal("expected error merging mismatched verbs")
	}
}

func TestClassifyCommand(t *testing.T) {
	cases := map[string]CommandKind{
		"SELECT 1":           CommandQuery,
		"COPY users FROM STDIN": CommandCopy,
		"SET x = 1":          CommandSet,
		"BEGIN":              CommandStartTransaction,
		"COMMIT":             CommandCommit,
		"DEALLOCATE ALL":     CommandDeallocate,
		"LISTEN chan":        CommandListen,
	}
	for q, want := range cases {
		ast, err := sqlparse.Parse(q)
		if err != nil {
			t.Fatal(err)
		}
		if cmd := ClassifyCommand(ast); cmd.Kind != want {
			t.Fatalf("ClassifyCommand(%q) = %v, want %v", q, cmd.Kind, want)
		}
	}
}

func TestHintShardAndShardingKey(t *testing.T) {
	ast, err := sqlparse.Parse("SELECT * FROM users /* pgdog_shard: 2 */")
	if err != nil {
		t.Fatal(err)
	}
	sw, ok := HintShard(ast)
	if !ok || sw.Shard.Direct != 2 || sw.Source != SourceComment {
		t.Fatalf("unexpected HintShard result: %+v ok=%v", sw, ok)
	}

	ast2, err := sqlparse.Parse("SELECT * FROM users /* pgdog_sharding_key: abc */")
	if err != nil {
		t.Fatal(err)
	}
	sw2, ok2 := HintShardingKey(ast2, 8)
	if !ok2 || sw2.Source != SourceComment {
		t.Fatalf("unexpected HintShardingKey result: %+v ok=%v", sw2, ok2)
	}
}

func TestRouteShouldTwoPCAndBuffer(t *testing.T) {
	r := Route{Shard: NewShardWithPriority(SourceTable, MultiShard([]int{0, 1})), Read: false}
	if !r.ShouldTwoPC() {
		t.Fatal("expected cross-shard write to require 2PC")
	}

	r.Aggregate = BuildAggregateRewritePlan([]AggregateTarget{{Column: 0, ExprID: 1, Function: AggAvg}}, 1)
	if !r.ShouldBuffer() {
		t.Fatal("expected route with aggregate rewrite to require buffering")
	}
}
