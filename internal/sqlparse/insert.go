package sqlparse

import (
	"regexp"
	"strings"
)

// insertIntoRegex captures an INSERT statement's table, optional column
// list, and the raw VALUES tuple blob — the same text-level extraction
// tableRegex/shardHintRegex already rely on, extended far enough to let
// the router split a multi-row INSERT by destination shard.
var insertIntoRegex = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+[a-zA-Z_][a-zA-Z0-9_.]*\s*(?:\(([^)]*)\))?\s*VALUES\s*(.+?)(?:\s+ON\s+CONFLICT\b|\s+RETURNING\b|;\s*$|\s*$)`)

// parseInsert populates Ast.InsertColumns and Ast.InsertRows for a KindInsert
// statement. Rows that don't parse as a clean parenthesized tuple list
// (e.g. INSERT ... SELECT) leave both fields empty; callers fall back to
// their usual routing for the whole statement instead of splitting it.
func parseInsert(sql string) (columns []string, rows []string) {
	m := insertIntoRegex.FindStringSubmatch(sql)
	if m == nil {
		return nil, nil
	}
	if m[1] != "" {
		for _, c := range strings.Split(m[1], ",") {
			columns = append(columns, strings.TrimSpace(c))
		}
	}
	rows = splitParenGroups(m[2])
	return columns, rows
}

// SplitTupleValues splits one "(v1, v2, v3)" VALUES tuple into its
// individual value fragments, still carrying their literal quoting.
func SplitTupleValues(tuple string) []string {
	t := strings.TrimSpace(tuple)
	t = strings.TrimPrefix(t, "(")
	t = strings.TrimSuffix(t, ")")
	parts := splitTopLevel(t, ',')
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// splitParenGroups returns every top-level "(...)" group in s, respecting
// single-quoted strings and nested parens — a minimal bracket-matching
// scanner, not a SQL grammar, matching this package's regex-not-grammar
// approach everywhere else.
func splitParenGroups(s string) []string {
	var out []string
	depth := 0
	inStr := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inStr = !inStr
		case inStr:
			continue
		case c == '(':
			if depth == 0 {
				start = i
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				out = append(out, s[start:i+1])
			}
		}
	}
	return out
}

// splitTopLevel splits s on sep, ignoring occurrences inside single-quoted
// strings or nested parens.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	inStr := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inStr = !inStr
		case inStr:
			continue
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
