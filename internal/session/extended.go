package session

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdogproxy/internal/engine"
	"github.com/mevdschee/pgdogproxy/internal/metrics"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// connState tracks the extended-query-protocol objects scoped to one
// connection: statements named by a client's Parse messages and portals
// bound from them. Unlike internal/prepared.Table (which refcounts a
// canonical backend-side PREPARE shared across clients), this state is
// purely client-facing bookkeeping for resolving a later Bind/Execute back
// to the SQL text the client parsed.
type connState struct {
	statements map[string]string // client-local statement name -> query text
	portals    map[string]string // client-local portal name -> fully-substituted SQL
}

func newConnState() *connState {
	return &connState{
		statements: make(map[string]string),
		portals:    make(map[string]string),
	}
}

// paramPlaceholderRegex matches a $N positional parameter placeholder, the
// same text-level approach internal/sqlparse and internal/router use for
// every other piece of statement inspection in this proxy (no SQL grammar
// library appears anywhere in the pack; see DESIGN.md).
var paramPlaceholderRegex = regexp.MustCompile(`\$([0-9]+)`)

// substituteParams renders a Bind message's parameters directly into query
// text, since internal/engine.Execute only knows how to run a flat SQL
// string, not a prepared statement plus a separate parameter list. Only
// the text parameter format is supported — a binary-format parameter's
// encoding depends on its Postgres type OID, which this proxy never learns
// (it has no catalog lookup), so binary Bind is rejected rather than
// silently misinterpreted.
func substituteParams(query string, params [][]byte, formats []int16) (string, error) {
	formatFor := func(i int) int16 {
		switch {
		case len(formats) == 0:
			return 0
		case len(formats) == 1:
			return formats[0]
		case i < len(formats):
			return formats[i]
		default:
			return 0
		}
	}

	var substErr error
	result := paramPlaceholderRegex.ReplaceAllStringFunc(query, func(match string) string {
		if substErr != nil {
			return match
		}
		n, err := strconv.Atoi(match[1:])
		if err != nil {
			return match
		}
		idx := n - 1
		if idx < 0 || idx >= len(params) {
			return match
		}
		if formatFor(idx) != 0 {
			substErr = fmt.Errorf("session: binary parameter format is not supported for $%d", n)
			return match
		}
		if params[idx] == nil {
			return "NULL"
		}
		return "'" + strings.ReplaceAll(string(params[idx]), "'", "''") + "'"
	})
	if substErr != nil {
		return "", substErr
	}
	return result, nil
}

func (l *Listener) handleParse(w *wire.Writer, sess *engine.Session, cs *connState, payload []byte) error {
	msg, err := wire.DecodeParse(payload)
	if err != nil {
		writeError(w, "08P01", err.Error())
		return nil
	}
	metrics.ParseCount.WithLabelValues(sess.Database).Inc()
	cs.statements[msg.StatementName] = msg.Query
	l.Engine.Prepared.Prepare(sess.ClientID, msg.StatementName, msg.Query)
	m := wire.BuildParseComplete()
	return w.WriteMessage(m.Type, m.Payload)
}

func (l *Listener) handleBind(w *wire.Writer, sess *engine.Session, cs *connState, payload []byte) error {
	msg, err := wire.DecodeBind(payload)
	if err != nil {
		writeError(w, "08P01", err.Error())
		return nil
	}
	query, ok := cs.statements[msg.StatementName]
	if !ok {
		writeError(w, "26000", fmt.Sprintf("prepared statement %q does not exist", msg.StatementName))
		return nil
	}
	bound, err := substituteParams(query, msg.Params, msg.ParamFormats)
	if err != nil {
		writeError(w, "0A000", err.Error())
		return nil
	}
	metrics.BindCount.WithLabelValues(sess.Database).Inc()
	cs.portals[msg.PortalName] = bound
	m := wire.BuildBindComplete()
	return w.WriteMessage(m.Type, m.Payload)
}

func (l *Listener) handleDescribe(w *wire.Writer, cs *connState, payload []byte) error {
	target, name, err := wire.DecodeDescribe(payload)
	if err != nil {
		writeError(w, "08P01", err.Error())
		return nil
	}

	if target == wire.DescribeStatement {
		if _, ok := cs.statements[name]; !ok {
			writeError(w, "26000", fmt.Sprintf("prepared statement %q does not exist", name))
			return nil
		}
	} else if _, ok := cs.portals[name]; !ok {
		writeError(w, "34000", fmt.Sprintf("portal %q does not exist", name))
		return nil
	}

	// The row shape isn't known until the statement actually runs (this
	// proxy never asks a backend to describe a statement ahead of Bind);
	// NoData is the honest answer rather than a guessed RowDescription.
	m := wire.BuildNoData()
	return w.WriteMessage(m.Type, m.Payload)
}

func (l *Listener) handleExecute(ctx context.Context, w *wire.Writer, sess *engine.Session, cs *connState, payload []byte) error {
	portal, _, err := wire.DecodeExecute(payload)
	if err != nil {
		writeError(w, "08P01", err.Error())
		return nil
	}
	sql, ok := cs.portals[portal]
	if !ok {
		writeError(w, "34000", fmt.Sprintf("portal %q does not exist", portal))
		return nil
	}

	result, err := l.Engine.Execute(ctx, sess, sql)
	if err != nil {
		writeError(w, "XX000", err.Error())
		return nil
	}
	return writeMessages(w, result.Messages)
}

func (l *Listener) handleClose(w *wire.Writer, sess *engine.Session, cs *connState, payload []byte) error {
	target, name, err := wire.DecodeClose(payload)
	if err != nil {
		writeError(w, "08P01", err.Error())
		return nil
	}

	if target == wire.DescribeStatement {
		delete(cs.statements, name)
		l.Engine.Prepared.Close(sess.ClientID, name)
	} else {
		delete(cs.portals, name)
	}
	m := wire.BuildCloseComplete()
	return w.WriteMessage(m.Type, m.Payload)
}

func writeMessages(w *wire.Writer, msgs []wire.Message) error {
	for _, m := range msgs {
		if err := w.WriteMessage(m.Type, m.Payload); err != nil {
			return err
		}
	}
	return nil
}
