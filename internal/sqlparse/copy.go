package sqlparse

import (
	"regexp"
	"strings"
)

// copyRegex recognizes "COPY table [(col, ...)] FROM STDIN [options]", the
// only COPY shape this proxy drives itself (any other COPY takes the
// engine's ordinary routed path, see router.CopyPlan's doc comment).
var copyRegex = regexp.MustCompile(`(?is)^\s*COPY\s+([a-zA-Z_][a-zA-Z0-9_.]*)\s*(?:\(([^)]*)\))?\s*FROM\s+STDIN\b(.*)$`)

var copyFormatRegex = regexp.MustCompile(`(?i)FORMAT\s+(csv|text|binary)`)
var copyDelimiterRegex = regexp.MustCompile(`(?i)DELIMITER\s+'(.)'`)
var copyCSVKeywordRegex = regexp.MustCompile(`(?i)\bCSV\b`)

// CopyInfo describes a COPY FROM STDIN statement enough to route and
// re-encode its rows per shard.
type CopyInfo struct {
	Table     string
	Columns   []string
	Format    string // "text", "csv", or "binary"
	Delimiter byte
}

// parseCopy extracts CopyInfo from a KindCopy statement's text. ok is false
// for anything other than COPY ... FROM STDIN (COPY FROM/TO a file, or COPY
// TO STDOUT) — those aren't split per shard, so the engine sends them
// through its ordinary routed path instead of consulting CopyInfo.
func parseCopy(sql string) (CopyInfo, bool) {
	m := copyRegex.FindStringSubmatch(sql)
	if m == nil {
		return CopyInfo{}, false
	}
	info := CopyInfo{Table: m[1], Format: "text", Delimiter: '\t'}
	if m[2] != "" {
		for _, c := range strings.Split(m[2], ",") {
			info.Columns = append(info.Columns, strings.TrimSpace(c))
		}
	}
	options := m[3]
	if copyCSVKeywordRegex.MatchString(options) {
		info.Format = "csv"
		info.Delimiter = ','
	}
	if fm := copyFormatRegex.FindStringSubmatch(options); fm != nil {
		info.Format = strings.ToLower(fm[1])
		if info.Format == "csv" {
			info.Delimiter = ','
		}
	}
	if dm := copyDelimiterRegex.FindStringSubmatch(options); dm != nil {
		info.Delimiter = dm[1][0]
	}
	return info, true
}
