package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoadGeneralAndDatabases(t *testing.T) {
	dir := t.TempDir()
	pgdogIni := writeTempFile(t, dir, "pgdog.ini", `
[general]
listen_address = :6432
max_pool_size = 42
pooler_mode = session
load_balancing_strategy = random
read_write_split = include_primary
checkout_timeout = 3s

[database.shop]
shard0_primary = 127.0.0.1:5432
shard0_replicas = 127.0.0.1:5433, 127.0.0.1:5434
shard1_primary = 127.0.0.1:5442

[sharded_table.orders]
database = shop
table = orders
column = customer_id

[omnisharded_table.countries]
database = shop
table = countries
`)
	usersIni := writeTempFile(t, dir, "users.ini", `
[user.alice]
password = secret
pool_size = 5
`)

	snap, err := Load(pgdogIni, usersIni)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if snap.General.MaxPoolSize != 42 {
		t.Fatalf("expected max_pool_size 42, got %d", snap.General.MaxPoolSize)
	}
	if snap.General.PoolerMode != PoolerSession {
		t.Fatalf("expected session pooler mode, got %v", snap.General.PoolerMode)
	}
	if snap.General.LoadBalancing != LBRandom {
		t.Fatalf("expected random load balancing, got %v", snap.General.LoadBalancing)
	}
	if snap.General.ReadWriteSplit != RWIncludePrimary {
		t.Fatal("expected include_primary read/write split")
	}
	if snap.General.CheckoutTimeout != 3*time.Second {
		t.Fatalf("expected 3s checkout timeout, got %v", snap.General.CheckoutTimeout)
	}

	db, ok := snap.Databases["shop"]
	if !ok {
		t.Fatal("expected database shop to be loaded")
	}
	if len(db.Shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(db.Shards))
	}
	if len(db.Shards[0].Replicas) != 2 {
		t.Fatalf("expected 2 replicas on shard 0, got %d", len(db.Shards[0].Replicas))
	}

	if len(snap.ShardedTables) != 1 || snap.ShardedTables[0].Column != "customer_id" {
		t.Fatalf("unexpected sharded tables: %+v", snap.ShardedTables)
	}
	if len(snap.OmnishardedTables) != 1 {
		t.Fatalf("unexpected omnisharded tables: %+v", snap.OmnishardedTables)
	}

	user, ok := snap.Users["alice"]
	if !ok || user.Password != "secret" || user.PoolSizeOverride != 5 {
		t.Fatalf("unexpected user: %+v ok=%v", user, ok)
	}
}

func TestLoadAppliesDefaultsWhenFileEmpty(t *testing.T) {
	dir := t.TempDir()
	pgdogIni := writeTempFile(t, dir, "pgdog.ini", "")
	snap, err := Load(pgdogIni, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.General.MaxPoolSize != DefaultGeneral().MaxPoolSize {
		t.Fatalf("expected default max pool size, got %d", snap.General.MaxPoolSize)
	}
}

func TestEnvOverrideWins(t *testing.T) {
	t.Setenv("PGDOG_MAX_POOL_SIZE", "7")
	dir := t.TempDir()
	pgdogIni := writeTempFile(t, dir, "pgdog.ini", "[general]\nmax_pool_size = 99\n")
	snap, err := Load(pgdogIni, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.General.MaxPoolSize != 7 {
		t.Fatalf("expected env override to win with 7, got %d", snap.General.MaxPoolSize)
	}
}

func TestFacadeReloadSwapsSnapshot(t *testing.T) {
	initial := &Snapshot{General: DefaultGeneral(), Databases: map[string]Database{}, Users: map[string]User{}}
	f := NewFacade(initial)
	if f.Current() != initial {
		t.Fatal("expected Current() to return the initial snapshot")
	}

	next := &Snapshot{General: DefaultGeneral(), Databases: map[string]Database{"x": {}}, Users: map[string]User{}}
	f.Reload(next)
	if f.Current() != next {
		t.Fatal("expected Current() to return the reloaded snapshot")
	}
}

func TestManualQueriesKeyedByFingerprint(t *testing.T) {
	dir := t.TempDir()
	pgdogIni := writeTempFile(t, dir, "pgdog.ini", `
[manual_query.pinned1]
fingerprint = abc123
shard = 2
`)
	snap, err := Load(pgdogIni, "")
	if err != nil {
		t.Fatal(err)
	}
	mq, ok := snap.ManualQueries["abc123"]
	if !ok || mq.Shard != 2 {
		t.Fatalf("unexpected manual query entry: %+v ok=%v", mq, ok)
	}
}
