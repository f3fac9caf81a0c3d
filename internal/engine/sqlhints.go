package engine

import (
	"regexp"
	"strconv"
)

// pgdogShardSetRegex recognizes the proxy's own session variable, SET
// pgdog.shard = N (with or without quoting), spec.md §6's session-level
// shard pin alongside the per-query comment hints.
var pgdogShardSetRegex = regexp.MustCompile(`(?i)^\s*SET\s+(?:SESSION\s+|LOCAL\s+)?pgdog\.shard\s*(?:TO|=)\s*'?(\d+)'?\s*;?\s*$`)

var pgdogShardResetRegex = regexp.MustCompile(`(?i)^\s*RESET\s+pgdog\.shard\s*;?\s*$`)

func extractPgdogShardSet(sql string) (int, bool) {
	m := pgdogShardSetRegex.FindStringSubmatch(sql)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func isPgdogShardReset(sql string) bool {
	return pgdogShardResetRegex.MatchString(sql)
}

// columnValueRegex extracts `column = literal` (quoted or numeric) from a
// WHERE clause, the same best-effort text-level extraction the rest of
// this parser takes: internal/sqlparse has no grammar to walk, so the
// table-sharding rule can only key off a simple equality predicate, not
// an arbitrary expression.
func columnValueRegex(column string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\s*=\s*'([^']*)'|\b` + regexp.QuoteMeta(column) + `\s*=\s*([0-9]+(?:\.[0-9]+)?)`)
}

// extractColumnValue finds the literal value equated against column in
// sql's WHERE clause. An INSERT's VALUES list is not searched; only
// INSERTs with two or more VALUES tuples are resolved per row, through
// buildInsertSplitPlan.
func extractColumnValue(sql, column string) (string, bool) {
	m := columnValueRegex(column).FindStringSubmatch(sql)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	if m[2] != "" {
		return m[2], true
	}
	return "", false
}

// channelNameRegex extracts the channel identifier LISTEN/NOTIFY/UNLISTEN
// name, either bare or double-quoted.
var channelNameRegex = regexp.MustCompile(`(?i)^\s*(?:LISTEN|UNLISTEN|NOTIFY)\s+(?:"([^"]+)"|([a-zA-Z_][a-zA-Z0-9_]*))`)

func extractChannelName(sql string) (string, bool) {
	m := channelNameRegex.FindStringSubmatch(sql)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	if m[2] != "" {
		return m[2], true
	}
	return "", false
}
