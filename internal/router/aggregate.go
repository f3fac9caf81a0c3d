package router

import "fmt"

// AggregateFunction is an aggregate function appearing in a SELECT's
// target list that needs cross-shard reconstruction.
type AggregateFunction int

const (
	AggNone AggregateFunction = iota
	AggCount
	AggSum
	AggMin
	AggMax
	AggAvg
	AggStddevPop
	AggStddevSamp
	AggVarPop
	AggVarSamp
)

// HelperKind is the kind of helper aggregate column injected alongside an
// original target so the engine can reconstruct the true aggregate from
// per-shard partial results.
type HelperKind int

const (
	HelperSum HelperKind = iota
	HelperCount
	HelperSumSquares
)

func (k HelperKind) aliasSuffix() string {
	switch k {
	case HelperSum:
		return "sum"
	case HelperCount:
		return "count"
	case HelperSumSquares:
		return "sumsq"
	default:
		return "helper"
	}
}

// AggregateTarget identifies one aggregate-bearing column in the target
// list that needs rewriting.
type AggregateTarget struct {
	Column     int // position in the SELECT target list
	ExprID     int // identifies textually-identical expressions for dedup
	Function   AggregateFunction
	IsDistinct bool
}

// HelperMapping records one injected helper column, so the engine can
// compute the true cross-shard value from TargetColumn + HelperColumn
// after merging rows from every shard.
type HelperMapping struct {
	TargetColumn int
	HelperColumn int
	ExprID       int
	Distinct     bool
	Kind         HelperKind
	Alias        string
}

// AggregateRewritePlan is the result of injecting helper aggregate columns
// into a cross-shard SELECT: which extra columns were appended, and which
// must be dropped from the client-visible RowDescription/DataRow after
// the engine uses them to finish the computation.
type AggregateRewritePlan struct {
	Helpers      []HelperMapping
	DropColumns  []int
}

func (p *AggregateRewritePlan) IsEmpty() bool { return len(p.Helpers) == 0 }

func (p *AggregateRewritePlan) addHelper(h HelperMapping) {
	p.Helpers = append(p.Helpers, h)
	p.DropColumns = append(p.DropColumns, h.HelperColumn)
}

// helperKindsFor returns the helper aggregates a cross-shard reconstruction
// of fn requires: AVG needs SUM+COUNT; the variance/stddev family needs
// SUM+SUM_SQUARES+COUNT; COUNT/SUM/MIN/MAX are already shard-mergeable
// as-is (sum-of-sums, sum-of-counts, min-of-mins, max-of-maxes) and need
// no helper columns.
func helperKindsFor(fn AggregateFunction) []HelperKind {
	switch fn {
	case AggAvg:
		return []HelperKind{HelperSum, HelperCount}
	case AggStddevPop, AggStddevSamp, AggVarPop, AggVarSamp:
		return []HelperKind{HelperSum, HelperSumSquares, HelperCount}
	default:
		return nil
	}
}

// BuildAggregateRewritePlan computes which helper columns must be appended
// to targets' SELECT list for the given aggregate targets, appended
// starting at column index baseLen (the target list's original length).
//
// Grounded on aggregate/engine.rs's AggregatesRewrite::rewrite_parsed: the
// __pgdog_<kind>_expr<id>_col<col> alias naming, the redundant-COUNT skip
// for AVG when an identical COUNT target already exists, and dedup of
// repeated helper aliases across targets that share an ExprID.
func BuildAggregateRewritePlan(targets []AggregateTarget, baseLen int) AggregateRewritePlan {
	var plan AggregateRewritePlan
	seenAlias := make(map[string]bool)
	nextCol := baseLen

	for _, target := range targets {
		redundantCount := target.Function == AggAvg && hasRedundantCount(targets, target)

		for _, kind := range helperKindsFor(target.Function) {
			if kind == HelperCount && redundantCount {
				continue
			}
			alias := fmt.Sprintf("__pgdog_%s_expr%d_col%d", kind.aliasSuffix(), target.ExprID, target.Column)
			if seenAlias[alias] {
				continue
			}
			seenAlias[alias] = true

			helperCol := nextCol
			nextCol++

			plan.addHelper(HelperMapping{
				TargetColumn: target.Column,
				HelperColumn: helperCol,
				ExprID:       target.ExprID,
				Distinct:     target.IsDistinct,
				Kind:         kind,
				Alias:        alias,
			})
		}
	}

	return plan
}

// hasRedundantCount reports whether targets already contains a COUNT
// aggregate over the same expression (ExprID) and distinctness as t —
// in that case AVG's own COUNT helper would duplicate it, so
// BuildAggregateRewritePlan skips adding one.
func hasRedundantCount(targets []AggregateTarget, t AggregateTarget) bool {
	for _, other := range targets {
		if other.Function == AggCount && other.ExprID == t.ExprID && other.IsDistinct == t.IsDistinct {
			return true
		}
	}
	return false
}

// MergeAvg reconstructs AVG from its SUM/COUNT helper partials accumulated
// across shards.
func MergeAvg(sumAcc float64, countAcc int64) (float64, bool) {
	if countAcc == 0 {
		return 0, false
	}
	return sumAcc / float64(countAcc), true
}

// MergeVarianceSample reconstructs the sample variance from SUM,
// SUM_SQUARES and COUNT partials accumulated across shards using the
// computational formula Var = (Σx² - (Σx)²/n) / (n-1).
func MergeVarianceSample(sumAcc, sumSqAcc float64, countAcc int64) (float64, bool) {
	if countAcc < 2 {
		return 0, false
	}
	n := float64(countAcc)
	return (sumSqAcc - (sumAcc*sumAcc)/n) / (n - 1), true
}

// MergeVariancePopulation is MergeVarianceSample's population-variance
// counterpart: divides by n instead of n-1.
func MergeVariancePopulation(sumAcc, sumSqAcc float64, countAcc int64) (float64, bool) {
	if countAcc == 0 {
		return 0, false
	}
	n := float64(countAcc)
	return (sumSqAcc - (sumAcc*sumAcc)/n) / n, true
}
