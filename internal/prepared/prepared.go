// Package prepared implements the two-tier prepared-statement table
// spec.md §4.9 describes: a global content-addressed table mapping a
// query's SHA-256 to a canonical name (so identical statements prepared
// by different clients share one backend-side PREPARE), refcounted so
// the canonical entry is dropped exactly when the last client referencing
// it unprepares, plus a per-client table mapping the client's own
// statement name to the canonical one.
//
// Grounded on mevdschee-tqdbproxy/postgres/postgres.go's connState
// preparedStatements/boundParams/portalStatements maps, generalized from
// a flat per-connection map to this two-tier refcounted shape. No
// refcounted-cache library appears anywhere in the example pack — and
// tqmemory (used in internal/sqlparse) is TTL/LRU-oriented, which is the
// wrong eviction discipline for "drop exactly at refcount zero" — so this
// stays sync.RWMutex + crypto/sha256, justified in DESIGN.md.
package prepared

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Entry is one canonical prepared statement in the global table.
type Entry struct {
	Canonical string
	Query     string
	RefCount  int
}

// Table is the global content-addressed prepared-statement registry plus
// every client's local name→canonical mapping.
type Table struct {
	mu       sync.RWMutex
	byHash   map[string]*Entry   // query hash -> canonical entry
	byName   map[string]*Entry   // canonical name -> entry (same Entry as byHash)
	clients  map[string]map[string]string // clientID -> (client-local name -> canonical name)
	counter  int
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{
		byHash:  make(map[string]*Entry),
		byName:  make(map[string]*Entry),
		clients: make(map[string]map[string]string),
	}
}

// hashQuery returns the content-addressing key for query.
func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Prepare registers clientName (the name the client used in its Parse
// message, "" for the unnamed statement) under clientID as referring to
// query, returning the canonical name the engine must actually PREPARE
// on backends (reusing an existing canonical entry when an identical
// query is already prepared by any client). Idempotent: preparing the
// same clientName twice for the same clientID with the same query just
// increments no further (the existing mapping is reused).
func (t *Table) Prepare(clientID, clientName, query string) (canonical string, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if byClient, ok := t.clients[clientID]; ok {
		if existingCanonical, ok := byClient[clientName]; ok {
			if e, ok := t.byName[existingCanonical]; ok && e.Query == query {
				return existingCanonical, false
			}
			// Client is redefining this name to a different query: release
			// the old canonical ref first (Close semantics), fall through
			// to prepare anew.
			t.releaseLocked(clientID, clientName)
		}
	}

	hash := hashQuery(query)
	entry, ok := t.byHash[hash]
	if !ok {
		t.counter++
		name := fmt.Sprintf("__pgdog_%d", t.counter)
		entry = &Entry{Canonical: name, Query: query}
		t.byHash[hash] = entry
		t.byName[name] = entry
		isNew = true
	}
	entry.RefCount++

	if t.clients[clientID] == nil {
		t.clients[clientID] = make(map[string]string)
	}
	t.clients[clientID][clientName] = entry.Canonical

	return entry.Canonical, isNew
}

// Lookup resolves a client-local statement name to its canonical name.
func (t *Table) Lookup(clientID, clientName string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byClient, ok := t.clients[clientID]
	if !ok {
		return "", false
	}
	canonical, ok := byClient[clientName]
	return canonical, ok
}

// Close releases clientName's reference for clientID, dropping the
// canonical entry (and its backend-side PREPARE, which the caller must
// issue CLOSE/DEALLOCATE for) when its refcount reaches zero. Returns the
// canonical name that was released and whether it is now fully evicted.
func (t *Table) Close(clientID, clientName string) (canonical string, evicted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(clientID, clientName)
}

func (t *Table) releaseLocked(clientID, clientName string) (canonical string, evicted bool) {
	byClient, ok := t.clients[clientID]
	if !ok {
		return "", false
	}
	canonical, ok = byClient[clientName]
	if !ok {
		return "", false
	}
	delete(byClient, clientName)
	if len(byClient) == 0 {
		delete(t.clients, clientID)
	}

	entry, ok := t.byName[canonical]
	if !ok {
		return canonical, false
	}
	entry.RefCount--
	if entry.RefCount <= 0 {
		delete(t.byName, canonical)
		for hash, e := range t.byHash {
			if e == entry {
				delete(t.byHash, hash)
				break
			}
		}
		return canonical, true
	}
	return canonical, false
}

// CloseClient releases every statement clientID holds (e.g. on
// DISCARD ALL or disconnect), returning the canonical names that became
// fully evicted as a result.
func (t *Table) CloseClient(clientID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	byClient, ok := t.clients[clientID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(byClient))
	for n := range byClient {
		names = append(names, n)
	}

	var evicted []string
	for _, n := range names {
		canonical, wasEvicted := t.releaseLocked(clientID, n)
		if wasEvicted {
			evicted = append(evicted, canonical)
		}
	}
	return evicted
}

// RefCount returns the current refcount of the canonical statement name,
// or 0 if it does not exist.
func (t *Table) RefCount(canonical string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.byName[canonical]; ok {
		return e.RefCount
	}
	return 0
}

// Len reports how many distinct canonical statements are currently live,
// for admin introspection (SHOW pgdog.prepared_statements).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}
