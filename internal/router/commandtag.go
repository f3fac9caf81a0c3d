package router

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandTag is a decoded CommandComplete tag, generalized from
// _examples/original_source/pgdog/src/wire_protocol/backend/
// command_complete.rs's CommandTag enum (Insert/Delete/Update/Select/
// Move/Fetch/Copy all carry a row count; Insert also carries an OID,
// which Postgres has hardcoded to 0 since 8.x and this proxy never
// synthesizes).
type CommandTag struct {
	Verb string // "INSERT", "UPDATE", "DELETE", "SELECT", "COPY", "MOVE", "FETCH", or other
	OID  uint64
	Rows uint64
}

// ParseCommandTag decodes a CommandComplete tag string such as
// "INSERT 0 2" or "UPDATE 3".
func ParseCommandTag(tag string) (CommandTag, error) {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return CommandTag{}, fmt.Errorf("router: empty command tag")
	}
	verb := strings.ToUpper(fields[0])

	switch verb {
	case "INSERT":
		if len(fields) != 3 {
			return CommandTag{}, fmt.Errorf("router: malformed INSERT tag %q", tag)
		}
		oid, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return CommandTag{}, err
		}
		rows, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return CommandTag{}, err
		}
		return CommandTag{Verb: verb, OID: oid, Rows: rows}, nil
	case "UPDATE", "DELETE", "SELECT", "MOVE", "FETCH", "COPY":
		if len(fields) != 2 {
			return CommandTag{}, fmt.Errorf("router: malformed %s tag %q", verb, tag)
		}
		rows, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return CommandTag{}, err
		}
		return CommandTag{Verb: verb, Rows: rows}, nil
	default:
		return CommandTag{Verb: verb}, nil
	}
}

// String renders the tag back to wire format.
func (t CommandTag) String() string {
	switch t.Verb {
	case "INSERT":
		return fmt.Sprintf("INSERT %d %d", t.OID, t.Rows)
	case "UPDATE", "DELETE", "SELECT", "MOVE", "FETCH", "COPY":
		return fmt.Sprintf("%s %d", t.Verb, t.Rows)
	default:
		return t.Verb
	}
}

// MergeCommandTags sums the row counts of tags sharing the same verb
// across shards, producing the single tag the client sees for a
// cross-shard write or a fanned-out SELECT's final CommandComplete.
// Mismatched verbs (shouldn't happen: one statement fans out to N
// shards with N identical-verb tags) return an error.
func MergeCommandTags(tags []CommandTag) (CommandTag, error) {
	if len(tags) == 0 {
		return CommandTag{}, fmt.Errorf("router: no command tags to merge")
	}
	merged := CommandTag{Verb: tags[0].Verb, OID: tags[0].OID}
	for _, t := range tags {
		if t.Verb != merged.Verb {
			return CommandTag{}, fmt.Errorf("router: cannot merge mismatched command tags %q and %q", merged.Verb, t.Verb)
		}
		merged.Rows += t.Rows
	}
	return merged, nil
}
