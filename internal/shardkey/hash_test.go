package shardkey

import "testing"

func TestHashDeterministic(t *testing.T) {
	a := Hash("customer-42", 8)
	b := Hash("customer-42", 8)
	if a != b {
		t.Fatalf("hash not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= 8 {
		t.Fatalf("hash out of range: %d", a)
	}
}

func TestHashZeroShards(t *testing.T) {
	if got := Hash("x", 0); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
}

func TestHashManyDedup(t *testing.T) {
	idxs := HashMany([]string{"a", "a", "a"}, 4)
	if len(idxs) != 1 {
		t.Fatalf("expected dedup to one shard, got %v", idxs)
	}
}
