// COPY ... FROM STDIN dispatch: splitting a bulk-load stream's rows across
// shards by the same sharding-column hash a regular INSERT uses, one row
// at a time as CopyData chunks arrive from the client, rather than buffering
// the whole COPY into memory first.
//
// Grounded on _examples/original_source/pgdog/src/frontend/router/parser/
// rewrite/statement/insert.rs (the sharding-column lookup CopyPlan reuses)
// and spec.md's COPY round-trip requirements (C6/C7); wire framing for the
// CopyIn/CopyData/CopyDone/CopyFail sub-protocol lives in internal/wire's
// message type constants and internal/backend's BeginCopyIn/CopyData/
// EndCopyIn/AbortCopyIn methods.
package engine

import (
	"context"
	"fmt"

	"github.com/mevdschee/pgdogproxy/internal/backend"
	"github.com/mevdschee/pgdogproxy/internal/cluster"
	"github.com/mevdschee/pgdogproxy/internal/router"
	"github.com/mevdschee/pgdogproxy/internal/sqlparse"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// CopyExecution drives one client's COPY ... FROM STDIN across however
// many shards its rows end up touching. Connections are opened lazily, the
// first time a row routes to a shard not seen yet, so a COPY whose rows
// all land on one shard never opens a second connection.
type CopyExecution struct {
	engine *Engine
	sess   *Session
	cl     *cluster.Cluster
	plan   *router.CopyPlan
	info   sqlparse.CopyInfo
	sql    string

	buffer   []byte
	conns    map[int]*backend.Connection
	releases map[int]func()
}

// TryBeginCopy parses sql and, if it is a COPY ... FROM STDIN statement,
// opens the per-shard CopyPlan and returns the CopyInResponse message the
// caller must relay to the client before reading any CopyData from it. ok
// is false for anything else (including COPY TO STDOUT and COPY FROM/TO a
// server-side file, neither of which this proxy splits per shard), in
// which case the caller should fall back to the ordinary Execute path.
func (e *Engine) TryBeginCopy(ctx context.Context, s *Session, sql string) (ce *CopyExecution, resp wire.Message, ok bool, err error) {
	ast, err := e.Cache.Get(sql)
	if err != nil {
		return nil, wire.Message{}, false, fmt.Errorf("engine: parse: %w", err)
	}
	if ast.Kind != sqlparse.KindCopy || ast.Copy == nil {
		return nil, wire.Message{}, false, nil
	}

	cl := e.Registry.Get(s.Database)
	if cl == nil {
		return nil, wire.Message{}, true, fmt.Errorf("engine: unknown database %q", s.Database)
	}

	snap := e.Config.Current()
	var shardColumn string
	for _, st := range snap.ShardedTables {
		if st.Table == ast.Copy.Table {
			shardColumn = st.Column
			break
		}
	}

	plan := router.NewCopyPlan(ast.Copy.Table, ast.Copy.Columns, shardColumn, cl.NumShards())
	ce = &CopyExecution{
		engine:   e,
		sess:     s,
		cl:       cl,
		plan:     plan,
		info:     *ast.Copy,
		sql:      sql,
		conns:    make(map[int]*backend.Connection),
		releases: make(map[int]func()),
	}

	columnFormats := make([]int16, len(ast.Copy.Columns))
	return ce, wire.BuildCopyInResponse(0, columnFormats), true, nil
}

// copyFormat maps the parsed textual format name to wire.CopyFormat.
func (ce *CopyExecution) copyFormat() wire.CopyFormat {
	if ce.info.Format == "csv" {
		return wire.CopyFormatCSV
	}
	return wire.CopyFormatText
}

// connFor returns the (lazily opened) backend connection for shard,
// issuing BeginCopyIn on first use.
func (ce *CopyExecution) connFor(ctx context.Context, shard int) (*backend.Connection, error) {
	if conn, ok := ce.conns[shard]; ok {
		return conn, nil
	}
	conn, release, err := ce.engine.shardConnection(ctx, ce.sess, ce.cl, shard, false)
	if err != nil {
		return nil, err
	}
	if err := conn.BeginCopyIn(ctx, ce.sql); err != nil {
		release()
		return nil, err
	}
	ce.conns[shard] = conn
	ce.releases[shard] = release
	return conn, nil
}

// Feed appends one CopyData chunk, forwarding every complete row it
// contains to its destination shard and retaining any trailing partial
// row for the next chunk.
func (ce *CopyExecution) Feed(ctx context.Context, data []byte) error {
	ce.buffer = append(ce.buffer, data...)
	rows, remainder := wire.SplitCopyRows(ce.buffer)
	ce.buffer = remainder
	for _, row := range rows {
		if err := ce.routeRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (ce *CopyExecution) routeRow(ctx context.Context, row []byte) error {
	shard := 0
	if ce.plan.NeedsRouting() {
		values := wire.ParseCopyRow(row, ce.copyFormat(), ce.info.Delimiter)
		shard = ce.plan.RouteRow(values)
	}
	conn, err := ce.connFor(ctx, shard)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(row)+1)
	line = append(line, row...)
	line = append(line, '\n')
	return conn.CopyData(line)
}

// Finish flushes any buffered partial row, sends CopyDone to every shard
// this COPY touched, and merges their "COPY N" tags into the one the
// client sees.
func (ce *CopyExecution) Finish(ctx context.Context) (Result, error) {
	if len(ce.buffer) > 0 {
		row := ce.buffer
		ce.buffer = nil
		if err := ce.routeRow(ctx, row); err != nil {
			return Result{}, err
		}
	}

	tags := make([]router.CommandTag, 0, len(ce.conns))
	for shard, conn := range ce.conns {
		tag, err := conn.EndCopyIn(ctx)
		ce.releases[shard]()
		if err != nil {
			return Result{}, fmt.Errorf("engine: copy completion on shard %d: %w", shard, err)
		}
		parsed, err := router.ParseCommandTag(tag)
		if err != nil {
			return Result{}, err
		}
		tags = append(tags, parsed)
	}

	if len(tags) == 0 {
		return Result{Messages: []wire.Message{wire.BuildCommandComplete("COPY 0")}}, nil
	}
	merged, err := router.MergeCommandTags(tags)
	if err != nil {
		return Result{}, err
	}
	return Result{Messages: []wire.Message{wire.BuildCommandComplete(merged.String())}}, nil
}

// Abort tells every shard this COPY has already opened to discard its
// partial rows (CopyFail) and releases their connections, for a client
// CopyFail or a connection error mid-stream.
func (ce *CopyExecution) Abort(reason string) {
	for shard, conn := range ce.conns {
		conn.AbortCopyIn(reason)
		ce.releases[shard]()
	}
}
