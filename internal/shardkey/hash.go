// Package shardkey hashes sharding-key values to shard indices.
package shardkey

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hash maps an arbitrary sharding-key value (as its text representation) to
// a shard index in [0, numShards). numShards <= 0 always returns 0.
func Hash(value string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	sum := xxhash.Sum64String(value)
	return int(sum % uint64(numShards))
}

// HashInt64 is a fast path for integer sharding keys (the common case for a
// BIGINT primary/sharding key) avoiding a string round trip.
func HashInt64(value int64, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	return Hash(strconv.FormatInt(value, 10), numShards)
}

// HashMany hashes every value in values and returns the deduplicated set of
// resulting shard indices, in first-seen order.
func HashMany(values []string, numShards int) []int {
	seen := make(map[int]bool, len(values))
	var out []int
	for _, v := range values {
		idx := Hash(v, numShards)
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	return out
}
