// Cross-shard result merging: combining the RowDescription/DataRow/
// CommandComplete triples gathered from each shard into the single
// response the client sees, per spec.md §4.7's merge step.
//
// Grounded on _examples/original_source/pgdog/src/wire_protocol/backend/
// command_complete.rs for tag merging (already in internal/router) and
// aggregate/engine.rs for the SUM/COUNT/SUM_SQUARES reconstruction
// (also in internal/router); this file is the glue that drives those
// pure helpers over actual decoded rows.
package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdogproxy/internal/router"
	"github.com/mevdschee/pgdogproxy/internal/sqlparse"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// ShardResult is one shard's response to a dispatched query.
type ShardResult struct {
	Shard  int
	Fields []wire.Field
	Rows   [][][]byte
	Tag    router.CommandTag
}

// MergedResult is what the engine sends back to the client after
// combining every ShardResult.
type MergedResult struct {
	Fields []wire.Field
	Rows   [][]interface{}
	Tag    router.CommandTag
}

// mergeRows concatenates every shard's rows in shard order with no
// reconstruction, the correct merge for a cross-shard query that has no
// aggregate rewrite and no required global ordering beyond what each
// shard already applied — the common "SELECT ... FROM sharded_table"
// fan-out case.
func mergeRows(results []ShardResult) (MergedResult, error) {
	if len(results) == 0 {
		return MergedResult{}, fmt.Errorf("engine: no shard results to merge")
	}
	tags := make([]router.CommandTag, 0, len(results))
	var rows [][]interface{}
	for _, r := range results {
		tags = append(tags, r.Tag)
		for _, row := range r.Rows {
			rows = append(rows, bytesRowToValues(row))
		}
	}
	tag, err := router.MergeCommandTags(tags)
	if err != nil {
		return MergedResult{}, err
	}
	return MergedResult{Fields: results[0].Fields, Rows: rows, Tag: tag}, nil
}

// mergeAggregate reconstructs a single global-aggregate row (no GROUP BY)
// from each shard's partial row, using targets/plan to know which columns
// are plain shard-mergeable aggregates (COUNT/SUM: add; MIN/MAX: min/max),
// which need SUM/COUNT/SUM_SQUARES helper reconstruction (AVG/STDDEV/
// VARIANCE), and which are ungrouped passthrough columns (take the first
// shard's value, valid Postgres semantics only permits this when the
// column is itself constant across shards, e.g. a literal).
//
// GROUP BY cross-shard merging (multiple result rows, keyed by the
// non-aggregate columns) is out of scope: sqlparse has no column-level
// grammar to recover the grouping key, so a GROUP BY query crossing
// shards falls back to mergeRows's plain concatenation instead of this
// function — see BuildRewrite's GROUP BY check and executeCrossShard's
// call site in engine.go.
func mergeAggregate(results []ShardResult, rw Rewrite) (MergedResult, error) {
	if len(results) == 0 {
		return MergedResult{}, fmt.Errorf("engine: no shard results to merge")
	}

	baseLen := len(rw.Targets)
	helpersByTarget := make(map[int][]router.HelperMapping, len(rw.Plan.Helpers))
	for _, h := range rw.Plan.Helpers {
		helpersByTarget[h.TargetColumn] = append(helpersByTarget[h.TargetColumn], h)
	}

	out := make([]interface{}, baseLen)
	for col, target := range rw.Targets {
		if !target.isAg() {
			out[col] = firstValue(results, col)
			continue
		}
		switch target.agg.Function {
		case router.AggCount, router.AggSum:
			out[col] = formatNumber(sumAcross(results, col))
		case router.AggMin:
			out[col] = formatNumber(extremeAcross(results, col, false))
		case router.AggMax:
			out[col] = formatNumber(extremeAcross(results, col, true))
		case router.AggAvg:
			sumCol, countCol, ok := findHelperCols(helpersByTarget[col], router.HelperSum, router.HelperCount)
			if !ok {
				out[col] = nil
				continue
			}
			sum := sumAcross(results, sumCol)
			count := int64(sumAcross(results, countCol))
			v, ok := router.MergeAvg(sum, count)
			if !ok {
				out[col] = nil
				continue
			}
			out[col] = formatNumber(v)
		case router.AggStddevPop, router.AggStddevSamp, router.AggVarPop, router.AggVarSamp:
			sumCol, sumSqCol, countCol, ok := findVarianceHelperCols(helpersByTarget[col])
			if !ok {
				out[col] = nil
				continue
			}
			sum := sumAcross(results, sumCol)
			sumSq := sumAcross(results, sumSqCol)
			count := int64(sumAcross(results, countCol))
			var v float64
			switch target.agg.Function {
			case router.AggStddevPop:
				variance, ok := router.MergeVariancePopulation(sum, sumSq, count)
				if !ok {
					out[col] = nil
					continue
				}
				v = math.Sqrt(variance)
			case router.AggStddevSamp:
				variance, ok := router.MergeVarianceSample(sum, sumSq, count)
				if !ok {
					out[col] = nil
					continue
				}
				v = math.Sqrt(variance)
			case router.AggVarPop:
				variance, ok := router.MergeVariancePopulation(sum, sumSq, count)
				if !ok {
					out[col] = nil
					continue
				}
				v = variance
			case router.AggVarSamp:
				variance, ok := router.MergeVarianceSample(sum, sumSq, count)
				if !ok {
					out[col] = nil
					continue
				}
				v = variance
			}
			out[col] = formatNumber(v)
		default:
			out[col] = firstValue(results, col)
		}
	}

	tags := make([]router.CommandTag, 0, len(results))
	for _, r := range results {
		tags = append(tags, r.Tag)
	}
	tag := router.CommandTag{Verb: "SELECT", Rows: 1}
	if len(tags) > 0 {
		tag.Verb = tags[0].Verb
	}

	return MergedResult{Fields: results[0].Fields[:baseLen], Rows: [][]interface{}{out}, Tag: tag}, nil
}

func (t parsedTarget) isAg() bool { return t.isAgg }

func findHelperCols(helpers []router.HelperMapping, a, b router.HelperKind) (colA, colB int, ok bool) {
	colA, colB = -1, -1
	for _, h := range helpers {
		if h.Kind == a {
			colA = h.HelperColumn
		}
		if h.Kind == b {
			colB = h.HelperColumn
		}
	}
	return colA, colB, colA >= 0 && colB >= 0
}

func findVarianceHelperCols(helpers []router.HelperMapping) (sumCol, sumSqCol, countCol int, ok bool) {
	sumCol, sumSqCol, countCol = -1, -1, -1
	for _, h := range helpers {
		switch h.Kind {
		case router.HelperSum:
			sumCol = h.HelperColumn
		case router.HelperSumSquares:
			sumSqCol = h.HelperColumn
		case router.HelperCount:
			countCol = h.HelperColumn
		}
	}
	return sumCol, sumSqCol, countCol, sumCol >= 0 && sumSqCol >= 0 && countCol >= 0
}

func sumAcross(results []ShardResult, col int) float64 {
	var total float64
	for _, r := range results {
		for _, row := range r.Rows {
			if col >= len(row) || row[col] == nil {
				continue
			}
			v, err := strconv.ParseFloat(string(row[col]), 64)
			if err == nil {
				total += v
			}
		}
	}
	return total
}

func extremeAcross(results []ShardResult, col int, max bool) float64 {
	var best float64
	first := true
	for _, r := range results {
		for _, row := range r.Rows {
			if col >= len(row) || row[col] == nil {
				continue
			}
			v, err := strconv.ParseFloat(string(row[col]), 64)
			if err != nil {
				continue
			}
			if first || (max && v > best) || (!max && v < best) {
				best = v
				first = false
			}
		}
	}
	return best
}

func firstValue(results []ShardResult, col int) interface{} {
	for _, r := range results {
		for _, row := range r.Rows {
			if col < len(row) {
				if row[col] == nil {
					return nil
				}
				return string(row[col])
			}
		}
	}
	return nil
}

// formatNumber renders a float as an integer string when it has no
// fractional part, matching the terse formatting Postgres itself uses for
// whole-number aggregate results.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// applyMergePlan applies a cross-shard Route's ORDER BY, DISTINCT and
// LIMIT/OFFSET over mergeRows's plain per-shard concatenation — the merge
// step route.rs's should_buffer() exists to force: each shard already
// returned at most LIMIT+OFFSET locally-ordered rows (executeCrossShard's
// rewriteLimitOffset rewrite), so this only needs to re-sort the pooled
// rows, drop duplicates, and slice the client's true window once.
func applyMergePlan(merged MergedResult, route router.Route) MergedResult {
	if len(route.OrderBy) > 0 {
		sortRows(merged.Rows, merged.Fields, route.OrderBy)
	}
	if route.Distinct {
		merged.Rows = dedupRows(merged.Rows)
	}
	if route.Limit.Limit != nil {
		offset := int64(0)
		if route.Limit.Offset != nil {
			offset = *route.Limit.Offset
		}
		merged.Rows = sliceRows(merged.Rows, offset, *route.Limit.Limit)
	}
	return merged
}

func columnIndex(fields []wire.Field, name string) int {
	for i, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

func sortRows(rows [][]interface{}, fields []wire.Field, orderBy []sqlparse.OrderByColumn) {
	type colSpec struct {
		idx  int
		desc bool
	}
	var specs []colSpec
	for _, ob := range orderBy {
		if idx := columnIndex(fields, ob.Column); idx >= 0 {
			specs = append(specs, colSpec{idx: idx, desc: ob.Desc})
		}
	}
	if len(specs) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, sp := range specs {
			c := compareValues(rows[i][sp.idx], rows[j][sp.idx])
			if c == 0 {
				continue
			}
			if sp.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders two DataRow values, numerically when both parse as
// a float (the common case for a sharding-column or timestamp ORDER BY),
// falling back to a byte-wise string comparison otherwise.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	af, aerr := strconv.ParseFloat(as, 64)
	bf, berr := strconv.ParseFloat(bs, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(as, bs)
}

// dedupRows drops exact-duplicate rows, the merge-time counterpart of a
// cross-shard SELECT DISTINCT (each shard already applied DISTINCT itself,
// but identical rows from different shards are still possible and must be
// collapsed here).
func dedupRows(rows [][]interface{}) [][]interface{} {
	seen := make(map[string]struct{}, len(rows))
	out := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		key := rowKey(row)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

func rowKey(row []interface{}) string {
	var b strings.Builder
	for _, v := range row {
		if v == nil {
			b.WriteString("\x00NULL\x00")
			continue
		}
		fmt.Fprint(&b, v)
		b.WriteByte(0)
	}
	return b.String()
}

// sliceRows applies the client's true OFFSET then LIMIT over the merged,
// sorted row set.
func sliceRows(rows [][]interface{}, offset, limit int64) [][]interface{} {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(rows)) {
		return nil
	}
	rows = rows[offset:]
	if limit >= 0 && int64(len(rows)) > limit {
		rows = rows[:limit]
	}
	return rows
}

func bytesRowToValues(row [][]byte) []interface{} {
	out := make([]interface{}, len(row))
	for i, v := range row {
		if v == nil {
			out[i] = nil
		} else {
			out[i] = string(v)
		}
	}
	return out
}
