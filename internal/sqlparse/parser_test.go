package sqlparse

import "testing"

func TestParseQueryKind(t *testing.T) {
	cases := map[string]QueryKind{
		"SELECT * FROM users":        KindSelect,
		"insert into orders values (1)": KindInsert,
		"UPDATE users SET x = 1":     KindUpdate,
		"DELETE FROM users":          KindDelete,
		"SET search_path TO a":       KindSet,
		"BEGIN":                      KindBegin,
		"START TRANSACTION":          KindBegin,
		"COMMIT":                     KindCommit,
		"ROLLBACK":                   KindRollback,
		"COPY users FROM STDIN":      KindCopy,
		"LISTEN chan1":               KindListen,
		"DEALLOCATE ALL":             KindDeallocate,
	}
	for q, want := range cases {
		ast, err := Parse(q)
		if err != nil {
			t.Fatalf("Parse(%q): %v", q, err)
		}
		if ast.Kind != want {
			t.Fatalf("Parse(%q).Kind = %v, want %v", q, ast.Kind, want)
		}
	}
}

func TestParseExtractsTables(t *testing.T) {
	ast, err := Parse("SELECT * FROM public.users u JOIN orders o ON o.user_id = u.id")
	if err != nil {
		t.Fatal(err)
	}
	if len(ast.Tables) != 2 {
		t.Fatalf("expected 2 tables, got %d: %+v", len(ast.Tables), ast.Tables)
	}
	if ast.Tables[0].Schema != "public" || ast.Tables[0].Name != "users" {
		t.Fatalf("unexpected first table: %+v", ast.Tables[0])
	}
	if ast.Tables[1].Name != "orders" {
		t.Fatalf("unexpected second table: %+v", ast.Tables[1])
	}
}

func TestParseShardHint(t *testing.T) {
	ast, err := Parse("SELECT * FROM users /* pgdog_shard: 3 */")
	if err != nil {
		t.Fatal(err)
	}
	if ast.ShardHint == nil || *ast.ShardHint != 3 {
		t.Fatalf("expected shard hint 3, got %+v", ast.ShardHint)
	}
}

func TestParseShardingKeyHint(t *testing.T) {
	ast, err := Parse("SELECT * FROM users /* pgdog_sharding_key: 42 */")
	if err != nil {
		t.Fatal(err)
	}
	if ast.ShardingKeyHint == nil || *ast.ShardingKeyHint != "42" {
		t.Fatalf("expected sharding key hint 42, got %+v", ast.ShardingKeyHint)
	}
}

func TestParseConflictingHintsError(t *testing.T) {
	cases := []string{
		"SELECT 1 /* pgdog_shard: 1 */ /* pgdog_shard: 2 */",
		"SELECT 1 /* pgdog_shard: 1 */ /* pgdog_sharding_key: 2 */",
		"SELECT 1 /* pgdog_sharding_key: 1 */ /* pgdog_sharding_key: 2 */",
	}
	for _, q := range cases {
		if _, err := Parse(q); err != ErrHintConflict {
			t.Fatalf("Parse(%q): expected ErrHintConflict, got %v", q, err)
		}
	}
}

func TestParseAggregateDetection(t *testing.T) {
	ast, err := Parse("SELECT COUNT(*) FROM users")
	if err != nil {
		t.Fatal(err)
	}
	if !ast.HasAggregate {
		t.Fatal("expected HasAggregate true for COUNT(*)")
	}

	ast, err = Parse("SELECT name FROM users")
	if err != nil {
		t.Fatal(err)
	}
	if ast.HasAggregate {
		t.Fatal("expected HasAggregate false for plain select")
	}
}

func TestParseVectorDistanceColumn(t *testing.T) {
	ast, err := Parse("SELECT * FROM docs ORDER BY embedding <-> '[1,2,3]' LIMIT 5")
	if err != nil {
		t.Fatal(err)
	}
	if ast.VectorDistanceColumn != "embedding" {
		t.Fatalf("expected embedding, got %q", ast.VectorDistanceColumn)
	}
}

func TestFingerprintStableAcrossWhitespace(t *testing.T) {
	a := Fingerprint("SELECT   *  FROM  users")
	b := Fingerprint("SELECT * FROM users")
	if a != b {
		t.Fatal("expected fingerprints to match across whitespace differences")
	}
}

func TestCacheGetPopulatesAndReturnsSameAst(t *testing.T) {
	c, err := NewCache(DefaultCacheConfig())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	q := "SELECT * FROM users WHERE id = 1"
	first, err := c.Get(q)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Get(q)
	if err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint != second.Fingerprint || first.Kind != second.Kind {
		t.Fatalf("expected cached re-parse to match: %+v vs %+v", first, second)
	}
}
