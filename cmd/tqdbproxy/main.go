package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/mevdschee/pgdogproxy/internal/admin"
	"github.com/mevdschee/pgdogproxy/internal/backend"
	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/config"
	"github.com/mevdschee/pgdogproxy/internal/engine"
	"github.com/mevdschee/pgdogproxy/internal/health"
	"github.com/mevdschee/pgdogproxy/internal/idgen"
	"github.com/mevdschee/pgdogproxy/internal/metrics"
	"github.com/mevdschee/pgdogproxy/internal/pool"
	"github.com/mevdschee/pgdogproxy/internal/prepared"
	"github.com/mevdschee/pgdogproxy/internal/session"
	"github.com/mevdschee/pgdogproxy/internal/sqlparse"
)

func main() {
	pgdogPath := flag.String("config", "pgdog.ini", "Path to the pgdog.ini configuration file")
	usersPath := flag.String("users", "users.ini", "Path to the users.ini credentials file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	nodeID := flag.Int64("node-id", 1, "Node identifier, embedded in generated transaction/statement names")
	flag.Parse()

	snap, err := config.Load(*pgdogPath, *usersPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	facade := config.NewFacade(snap)

	metrics.Init()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	registry, err := buildRegistry(snap)
	if err != nil {
		log.Fatalf("Failed to build cluster registry: %v", err)
	}

	sqlCache, err := sqlparse.NewCache(sqlparse.DefaultCacheConfig())
	if err != nil {
		log.Fatalf("Failed to build statement cache: %v", err)
	}
	preparedTable := prepared.NewTable()
	idGen := idgen.NewGenerator(*nodeID)

	healthChecker := health.NewChecker(registry, health.DefaultConfig())
	healthChecker.Start()
	defer healthChecker.Stop()

	watcher, err := config.NewWatcher(*pgdogPath, *usersPath, facade)
	if err != nil {
		log.Printf("[config] hot-reload watcher unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	adminServer := &admin.Server{
		Registry: registry,
		Config:   facade,
		Health:   healthChecker,
		Reload: func() error {
			next, err := config.Load(*pgdogPath, *usersPath)
			if err != nil {
				return err
			}
			rebuilt, err := buildRegistry(next)
			if err != nil {
				return err
			}
			facade.Reload(next)
			copyShardsInto(registry, rebuilt)
			return nil
		},
	}

	eng := engine.NewEngine(registry, facade, sqlCache, preparedTable, idGen)
	listener := &session.Listener{
		Engine: eng,
		Admin:  adminServer,
		Config: facade,
		IDGen:  idGen,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- listener.Serve(ctx, snap.General.ListenAddress)
	}()

	log.Printf("pgdogproxy listening on %s (admin database %q). Press Ctrl+C to stop.", snap.General.ListenAddress, session.AdminDatabase)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("Shutting down...")
	case err := <-serveErrCh:
		if err != nil {
			log.Printf("Listener stopped: %v", err)
		}
	}

	cancel()
	shutdownPools(registry)
}

// buildRegistry turns a loaded Snapshot's [database.*] entries into a
// cluster.Registry of dialed connection pools, one primary pool and one
// replica pool per configured backend address. Grounded on
// mevdschee-tqdbproxy/replica/pool.NewPool's primary+replica construction,
// generalized from one fixed pair to a per-database, per-shard set.
func buildRegistry(snap *config.Snapshot) (*cluster.Registry, error) {
	registry := cluster.NewRegistry()
	user, password := backendCredentials(snap)
	poolCfg := pool.Config{
		Min:                   snap.General.MinPoolSize,
		Max:                   snap.General.MaxPoolSize,
		CheckoutTimeout:       snap.General.CheckoutTimeout,
		IdleTimeout:           snap.General.IdleTimeout,
		MaxAge:                snap.General.MaxConnAge,
		ConnectAttempts:       3,
		ConnectAttemptDelay:   pool.DefaultConfig().ConnectAttemptDelay,
		IdleHealthcheckPeriod: pool.DefaultConfig().IdleHealthcheckPeriod,
		BanDuration:           pool.DefaultConfig().BanDuration,
	}

	for name, db := range snap.Databases {
		shards := make([]*cluster.Shard, len(db.Shards))
		for _, sc := range db.Shards {
			primary := dialerPool(name, sc.Index, "primary", sc.Primary, user, password, db.Name, poolCfg, snap.General.PreparedStatementsLRU)
			replicas := make([]*pool.Pool, len(sc.Replicas))
			for i, addr := range sc.Replicas {
				replicas[i] = dialerPool(name, sc.Index, "replica", addr, user, password, db.Name, poolCfg, snap.General.PreparedStatementsLRU)
			}
			shards[sc.Index] = &cluster.Shard{
				Index:            sc.Index,
				Primary:          primary,
				Replicas:         replicas,
				PrimaryAddress:   sc.Primary,
				ReplicaAddresses: append([]string(nil), sc.Replicas...),
			}
		}
		registry.Set(name, cluster.New(
			name,
			shards,
			cluster.LoadBalancing(snap.General.LoadBalancing),
			cluster.ReadWriteSplit(snap.General.ReadWriteSplit),
			db.ReadOnly,
		))
	}
	return registry, nil
}

func dialerPool(database string, shard int, role, address, user, password, dbName string, cfg pool.Config, preparedLimit int) *pool.Pool {
	target := backend.Target{Address: address, User: user, Password: password, Database: dbName}
	poolName := database + "/shard" + strconv.Itoa(shard) + "/" + role
	return pool.New(poolName, func(ctx context.Context) (pool.Conn, error) {
		return backend.Dial(ctx, target, preparedLimit)
	}, cfg)
}

// backendCredentials picks the single identity this proxy authenticates to
// every backend with. The [user.*] section doubles as both the
// client-facing credential list and the backend identity pgdogproxy
// connects as, the same flat-namespace model pgbouncer's userlist.txt
// uses; see DESIGN.md for why a per-database backend identity was left
// unimplemented.
func backendCredentials(snap *config.Snapshot) (user, password string) {
	if len(snap.Users) == 0 {
		return "postgres", ""
	}
	names := make([]string, 0, len(snap.Users))
	for n := range snap.Users {
		names = append(names, n)
	}
	sort.Strings(names)
	u := snap.Users[names[0]]
	return u.Name, u.Password
}

// copyShardsInto replaces every cluster in live with the matching rebuilt
// cluster from fresh, added for names fresh has that live doesn't yet.
// Before swapping, any shard whose primary or replica address is
// unchanged from the live cluster has its idle connections moved onto the
// fresh pool (pool.Pool.MoveConnsTo), so a RELOAD doesn't drop every warm
// connection just because the config file was re-read — only shards whose
// backend address actually changed pay the cost of redialing.
func copyShardsInto(live, fresh *cluster.Registry) {
	for _, name := range fresh.Names() {
		freshCluster := fresh.Get(name)
		if oldCluster := live.Get(name); oldCluster != nil {
			migrateShardConns(oldCluster.Shards(), freshCluster.Shards())
		}
		live.Set(name, freshCluster)
	}
}

// migrateShardConns moves idle connections from each old shard's pools
// onto the corresponding new shard's pools wherever the backend address
// didn't change. Shards are matched by Index; within a shard, the primary
// moves if PrimaryAddress matches, and each replica moves if its address
// still appears in the new replica set (replicas may be reordered by
// config edits, so this matches by address, not by position).
func migrateShardConns(oldShards, newShards []*cluster.Shard) {
	oldByIndex := make(map[int]*cluster.Shard, len(oldShards))
	for _, s := range oldShards {
		oldByIndex[s.Index] = s
	}
	for _, ns := range newShards {
		os, ok := oldByIndex[ns.Index]
		if !ok {
			continue
		}
		if os.Primary != nil && ns.Primary != nil && os.PrimaryAddress == ns.PrimaryAddress {
			os.Primary.MoveConnsTo(ns.Primary)
		}
		for i, addr := range ns.ReplicaAddresses {
			for j, oldAddr := range os.ReplicaAddresses {
				if addr == oldAddr && i < len(ns.Replicas) && j < len(os.Replicas) {
					os.Replicas[j].MoveConnsTo(ns.Replicas[i])
					break
				}
			}
		}
	}
}

func shutdownPools(registry *cluster.Registry) {
	for _, name := range registry.Names() {
		c := registry.Get(name)
		if c == nil {
			continue
		}
		for _, shard := range c.Shards() {
			if shard.Primary != nil {
				shard.Primary.Shutdown()
			}
			for _, r := range shard.Replicas {
				r.Shutdown()
			}
		}
	}
}
