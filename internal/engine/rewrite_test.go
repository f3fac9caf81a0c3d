package engine

import (
	"strings"
	"testing"
)

func TestBuildRewriteAvgAppendsSumAndCount(t *testing.T) {
	rw, ok := BuildRewrite("SELECT region, AVG(price) FROM orders WHERE region = 'us'")
	if !ok {
		t.Fatal("expected AVG target to produce a rewrite")
	}
	if rw.SQL == "" {
		t.Fatal("expected non-empty rewritten SQL")
	}
	if len(rw.Plan.Helpers) != 2 {
		t.Fatalf("expected 2 helper columns (sum, count), got %d: %+v", len(rw.Plan.Helpers), rw.Plan.Helpers)
	}
	wantSubstrings := []string{"SUM(price)", "COUNT(price)"}
	for _, want := range wantSubstrings {
		if !strings.Contains(rw.SQL, want) {
			t.Fatalf("expected rewritten SQL to contain %q, got %q", want, rw.SQL)
		}
	}
}

func TestBuildRewriteStddevSampAppendsThreeHelpers(t *testing.T) {
	rw, ok := BuildRewrite("SELECT STDDEV_SAMP(amount) FROM payments")
	if !ok {
		t.Fatal("expected stddev_samp target to produce a rewrite")
	}
	if len(rw.Plan.Helpers) != 3 {
		t.Fatalf("expected 3 helper columns (sum, sumsq, count), got %d", len(rw.Plan.Helpers))
	}
}

func TestBuildRewritePlainAggregatesNoRewrite(t *testing.T) {
	_, ok := BuildRewrite("SELECT COUNT(*), SUM(amount) FROM payments")
	if ok {
		t.Fatal("expected COUNT/SUM alone to need no helper rewrite")
	}
}

func TestBuildRewriteNonSelectNotRecognized(t *testing.T) {
	_, ok := BuildRewrite("UPDATE payments SET amount = 1")
	if ok {
		t.Fatal("expected non-SELECT statement to be left unrewritten")
	}
}

func TestSplitTopLevelCommasRespectsParens(t *testing.T) {
	got := splitTopLevelCommas("a, SUM(b, c), d")
	want := []string{"a", " SUM(b, c)", " d"}
	if len(got) != len(want) {
		t.Fatalf("expected %d parts, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("part %d: got %q want %q", i, got[i], want[i])
		}
	}
}

