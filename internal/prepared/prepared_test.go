package prepared

import "testing"

func TestPrepareSharesCanonicalNameForIdenticalQuery(t *testing.T) {
	tbl := NewTable()
	c1, isNew1 := tbl.Prepare("client-a", "stmt1", "SELECT 1")
	c2, isNew2 := tbl.Prepare("client-b", "stmt1", "SELECT 1")

	if c1 != c2 {
		t.Fatalf("expected identical canonical name, got %q vs %q", c1, c2)
	}
	if !isNew1 {
		t.Fatal("expected first Prepare to be new")
	}
	if isNew2 {
		t.Fatal("expected second Prepare of an identical query to reuse the entry")
	}
	if rc := tbl.RefCount(c1); rc != 2 {
		t.Fatalf("expected refcount 2, got %d", rc)
	}
}

func TestPrepareDistinctQueriesGetDistinctNames(t *testing.T) {
	tbl := NewTable()
	c1, _ := tbl.Prepare("client-a", "s", "SELECT 1")
	c2, _ := tbl.Prepare("client-a", "s2", "SELECT 2")
	if c1 == c2 {
		t.Fatal("expected distinct canonical names for distinct queries")
	}
}

func TestLookupResolvesClientLocalName(t *testing.T) {
	tbl := NewTable()
	canonical, _ := tbl.Prepare("client-a", "myquery", "SELECT 1")
	got, ok := tbl.Lookup("client-a", "myquery")
	if !ok || got != canonical {
		t.Fatalf("expected lookup to resolve to %q, got %q ok=%v", canonical, got, ok)
	}
	if _, ok := tbl.Lookup("client-a", "missing"); ok {
		t.Fatal("expected lookup of unknown name to fail")
	}
}

func TestCloseEvictsAtZeroRefcount(t *testing.T) {
	tbl := NewTable()
	canonical, _ := tbl.Prepare("client-a", "s", "SELECT 1")
	tbl.Prepare("client-b", "s", "SELECT 1")

	_, evicted := tbl.Close("client-a", "s")
	if evicted {
		t.Fatal("should not evict while client-b still references it")
	}
	if rc := tbl.RefCount(canonical); rc != 1 {
		t.Fatalf("expected refcount 1 after first close, got %d", rc)
	}

	_, evicted = tbl.Close("client-b", "s")
	if !evicted {
		t.Fatal("expected eviction once last reference is closed")
	}
	if rc := tbl.RefCount(canonical); rc != 0 {
		t.Fatalf("expected refcount 0 after full eviction, got %d", rc)
	}
}

func TestCloseClientReleasesAllStatements(t *testing.T) {
	tbl := NewTable()
	tbl.Prepare("client-a", "s1", "SELECT 1")
	tbl.Prepare("client-a", "s2", "SELECT 2")

	evicted := tbl.CloseClient("client-a")
	if len(evicted) != 2 {
		t.Fatalf("expected 2 evicted canonical names, got %d: %v", len(evicted), evicted)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after CloseClient, got %d entries", tbl.Len())
	}
}

func TestPrepareRedefiningNameReleasesOldQuery(t *testing.T) {
	tbl := NewTable()
	first, _ := tbl.Prepare("client-a", "s", "SELECT 1")
	second, _ := tbl.Prepare("client-a", "s", "SELECT 2")

	if first == second {
		t.Fatal("redefining a client-local name to a new query should get a new canonical name")
	}
	if tbl.RefCount(first) != 0 {
		t.Fatalf("expected old canonical entry to be released, refcount=%d", tbl.RefCount(first))
	}
	if tbl.RefCount(second) != 1 {
		t.Fatalf("expected new canonical entry refcount 1, got %d", tbl.RefCount(second))
	}
}
