// Aggregate SQL rewriting: turning a cross-shard SELECT with AVG/STDDEV/
// VARIANCE targets into one with SUM/COUNT/SUM_SQUARES helper columns
// appended to its target list, per router.BuildAggregateRewritePlan.
//
// sqlparse has no full SQL grammar (see internal/sqlparse's package doc),
// so this rewrite works the same way the rest of the parser does: regex
// over the query text. It only recognizes a flat `SELECT <targets> FROM
// ...` shape with no subquery in the target list; anything it can't
// confidently split is left unrewritten and merged as plain concatenated
// rows instead (see mergeRows in merge.go).
package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mevdschee/pgdogproxy/internal/router"
)

var selectTargetsRegex = regexp.MustCompile(`(?is)^(\s*SELECT\s+)(.*?)(\s+FROM\s+.+)$`)

var groupByRegex = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)

var aggregateTargetRegex = regexp.MustCompile(
	`(?i)^(count|sum|avg|min|max|stddev_pop|stddev_samp|stddev|var_pop|var_samp|variance)\s*\(\s*(distinct\s+)?(.*)\)\s*(?:as\s+\S+)?$`,
)

func aggregateFunctionFor(name string) router.AggregateFunction {
	switch strings.ToLower(name) {
	case "count":
		return router.AggCount
	case "sum":
		return router.AggSum
	case "avg":
		return router.AggAvg
	case "min":
		return router.AggMin
	case "max":
		return router.AggMax
	case "stddev_pop":
		return router.AggStddevPop
	case "stddev_samp", "stddev":
		return router.AggStddevSamp
	case "var_pop":
		return router.AggVarPop
	case "var_samp", "variance":
		return router.AggVarSamp
	default:
		return router.AggNone
	}
}

// parsedTarget is one SELECT target list entry, aggregate or not.
type parsedTarget struct {
	raw       string
	innerExpr string
	isCountStar bool
	agg       router.AggregateTarget
	isAgg     bool
}

// splitTopLevelCommas splits s on commas that are not nested inside
// parentheses or string literals, the minimum needed to walk a flat SELECT
// target list without a real SQL tokenizer.
func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i, r := range s {
		switch r {
		case '\'':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseTargets(targetList string) []parsedTarget {
	raws := splitTopLevelCommas(targetList)
	targets := make([]parsedTarget, len(raws))
	for i, raw := range raws {
		trimmed := strings.TrimSpace(raw)
		targets[i] = parsedTarget{raw: trimmed}

		m := aggregateTargetRegex.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		fn := aggregateFunctionFor(m[1])
		if fn == router.AggNone {
			continue
		}
		inner := strings.TrimSpace(m[3])
		targets[i].isAgg = true
		targets[i].innerExpr = inner
		targets[i].isCountStar = strings.ToLower(m[1]) == "count" && inner == "*"
		targets[i].agg = router.AggregateTarget{
			Column:     i,
			ExprID:     i,
			Function:   fn,
			IsDistinct: m[2] != "",
		}
	}
	return targets
}

// helperExpr renders the SQL text for one injected helper column.
func helperExpr(t parsedTarget, kind router.HelperKind) string {
	distinct := ""
	if t.agg.IsDistinct {
		distinct = "DISTINCT "
	}
	switch kind {
	case router.HelperSum:
		return fmt.Sprintf("SUM(%s%s)", distinct, t.innerExpr)
	case router.HelperCount:
		if t.isCountStar {
			return "COUNT(*)"
		}
		return fmt.Sprintf("COUNT(%s%s)", distinct, t.innerExpr)
	case router.HelperSumSquares:
		return fmt.Sprintf("SUM(%s(%s)*(%s))", distinct, t.innerExpr, t.innerExpr)
	default:
		return "NULL"
	}
}

// Rewrite is the outcome of BuildRewrite: the (possibly unchanged) SQL to
// send to each shard, the full target list (for merge-time reference),
// and the helper-column plan to apply after merging.
type Rewrite struct {
	SQL     string
	Targets []parsedTarget
	Plan    router.AggregateRewritePlan
}

// BuildRewrite detects a flat SELECT target list, identifies any aggregate
// targets needing cross-shard reconstruction, and appends the helper
// columns router.BuildAggregateRewritePlan computes. ok is false when the
// query isn't a recognizable flat SELECT, has a GROUP BY clause, or has no
// aggregate that needs helpers, in which case callers should send sql
// unchanged.
func BuildRewrite(sql string) (Rewrite, bool) {
	m := selectTargetsRegex.FindStringSubmatch(sql)
	if m == nil {
		return Rewrite{}, false
	}
	prefix, targetList, suffix := m[1], m[2], m[3]
	if groupByRegex.MatchString(suffix) {
		return Rewrite{}, false
	}

	targets := parseTargets(targetList)
	aggTargets := make([]router.AggregateTarget, 0, len(targets))
	for _, t := range targets {
		if t.isAgg {
			aggTargets = append(aggTargets, t.agg)
		}
	}
	if len(aggTargets) == 0 {
		return Rewrite{}, false
	}

	plan := router.BuildAggregateRewritePlan(aggTargets, len(targets))
	if plan.IsEmpty() {
		return Rewrite{}, false
	}

	byColumn := make(map[int]parsedTarget, len(targets))
	for _, t := range targets {
		if t.isAgg {
			byColumn[t.agg.Column] = t
		}
	}

	var extra []string
	for _, h := range plan.Helpers {
		t := byColumn[h.TargetColumn]
		extra = append(extra, fmt.Sprintf("%s AS %s", helperExpr(t, h.Kind), h.Alias))
	}

	rewritten := prefix + targetList + ", " + strings.Join(extra, ", ") + suffix
	return Rewrite{SQL: rewritten, Targets: targets, Plan: plan}, true
}

var crossShardLimitOffsetRegex = regexp.MustCompile(`(?i)\bLIMIT\s+\d+(?:\s+OFFSET\s+\d+)?\b`)

// rewriteLimitOffset replaces a statement's literal LIMIT (and OFFSET, if
// present) with the per-shard values an OffsetPlan computed, so each shard
// returns enough rows for the engine to merge, re-sort, and slice exactly
// once — router.OffsetPlan.PerShardLimitOffset's companion on the SQL-text
// side, the same regex-rewrite approach BuildRewrite already takes since
// there is no query grammar to edit a parsed LIMIT clause node with.
func rewriteLimitOffset(sql string, limit, offset int64) string {
	replacement := fmt.Sprintf("LIMIT %d", limit)
	if crossShardLimitOffsetRegex.MatchString(sql) {
		return crossShardLimitOffsetRegex.ReplaceAllString(sql, replacement)
	}
	return sql + " " + replacement
}
