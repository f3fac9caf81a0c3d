// Package session implements the client session (spec.md C8): one
// goroutine per accepted frontend connection running Startup -> Auth ->
// main loop -> Teardown.
//
// Grounded on mevdschee-tqdbproxy/postgres/postgres.go's acceptLoop/
// handleConnection/handleMessages (teacher) for the accept-loop and
// per-connection goroutine/message-dispatch shape, generalized from its
// single hardcoded backend to routing every query through internal/engine;
// session-pin and dirty-connection-on-disconnect handling is grounded on
// JeelKantaria-db-bouncer/internal/proxy/pg_relay.go's
// relayPGTransactionMode/cleanupBackend.
package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mevdschee/pgdogproxy/internal/admin"
	"github.com/mevdschee/pgdogproxy/internal/config"
	"github.com/mevdschee/pgdogproxy/internal/engine"
	"github.com/mevdschee/pgdogproxy/internal/idgen"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// AdminDatabase is the pseudo-database name that routes every query on a
// connection straight to the admin surface instead of the query engine,
// spec.md §6's "SHOW POOLS works against this database only" convention.
const AdminDatabase = "pgdog"

var connCounter atomic.Uint64

// Listener accepts frontend connections and drives each one through
// Startup/Auth/the query loop.
type Listener struct {
	Engine *engine.Engine
	Admin  *admin.Server
	Config *config.Facade
	IDGen  *idgen.Generator

	cancelMu   sync.Mutex
	cancelKeys map[uint64]string // connID (== the PID handed out in BackendKeyData) -> engine.Session.ClientID
}

// registerCancelKey records which clientID owns connID, so a later
// CancelRequest naming connID as its PID can be relayed to the right
// backend connection. cancelKeys is lazily initialized; Listener's zero
// value (as session_test.go constructs it) is safe to call this on.
func (l *Listener) registerCancelKey(connID uint64, clientID string) {
	l.cancelMu.Lock()
	if l.cancelKeys == nil {
		l.cancelKeys = make(map[uint64]string)
	}
	l.cancelKeys[connID] = clientID
	l.cancelMu.Unlock()
}

func (l *Listener) unregisterCancelKey(connID uint64) {
	l.cancelMu.Lock()
	delete(l.cancelKeys, connID)
	l.cancelMu.Unlock()
}

// handleCancelRequest relays a CancelRequest probe to whichever backend
// connection is running a query on behalf of the client that was handed
// pid as its BackendKeyData PID, after checking secretKey matches the
// value sendAuthOK derived for that same connID (pid*2654435761,
// truncated to 32 bits).
func (l *Listener) handleCancelRequest(pid, secretKey uint32) {
	if secretKey != uint32(uint64(pid)*2654435761) {
		return
	}
	l.cancelMu.Lock()
	clientID, ok := l.cancelKeys[uint64(pid)]
	l.cancelMu.Unlock()
	if !ok || l.Engine == nil {
		return
	}
	l.Engine.CancelClient(clientID)
}

// Serve listens on address until ctx is canceled, spawning one goroutine
// per accepted connection. Matches acceptLoop's accept-and-dispatch shape;
// unlike the teacher, a canceled context stops the loop instead of running
// forever, so cmd/tqdbproxy can shut it down cleanly.
func (l *Listener) Serve(ctx context.Context, address string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("session: listen %s: %w", address, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[session] accept error: %v", err)
				continue
			}
		}
		id := connCounter.Add(1)
		go l.handleConn(ctx, conn, id)
	}
}

// handleConn runs one client connection end to end: Startup/Auth, the
// query loop, and Teardown (always closes the socket and always releases
// any shard connections the session still holds, mirroring
// handleConnection's defer-close plus pg_relay.go's cleanupBackend).
func (l *Listener) handleConn(ctx context.Context, conn net.Conn, connID uint64) {
	defer conn.Close()

	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	database, user, err := l.negotiateStartup(conn, r, w)
	if err != nil {
		if err != errCancelRequest {
			log.Printf("[session] conn %d: startup failed: %v", connID, err)
		}
		return
	}

	if err := l.authenticate(r, w, user); err != nil {
		log.Printf("[session] conn %d: auth failed: %v", connID, err)
		writeError(w, "28P01", err.Error())
		return
	}

	if err := sendAuthOK(w, connID); err != nil {
		return
	}

	clientID := l.IDGen.NextString()
	sess := engine.NewSession(database, clientID)
	isAdmin := database == AdminDatabase

	l.registerCancelKey(connID, clientID)
	defer l.unregisterCancelKey(connID)

	if err := w.WriteMessage(wire.ReadyForQuery, []byte{'I'}); err != nil {
		return
	}

	l.loop(ctx, r, w, sess, isAdmin, connID)
}

// loop reads messages until Terminate, EOF, or a fatal protocol error,
// dispatching each Query to the admin surface (on the admin pseudo-
// database) or the query engine otherwise, and maintaining the extended
// query protocol's Parse/Bind/Describe/Execute/Close objects in a
// connection-scoped connState. Admin-database connections only answer
// the simple protocol, matching the teacher's own admin surface.
func (l *Listener) loop(ctx context.Context, r *wire.Reader, w *wire.Writer, sess *engine.Session, isAdmin bool, connID uint64) {
	cs := newConnState()

	for {
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}

		switch msg.Type {
		case wire.Terminate:
			return
		case wire.Query:
			sql := stripNullTerminator(msg.Payload)
			if !isAdmin {
				handled, err := l.runCopy(ctx, r, w, sess, sql)
				if handled {
					if err != nil {
						log.Printf("[session] conn %d: copy error: %v", connID, err)
					}
					continue
				}
			}
			if err := l.runQuery(ctx, w, sess, isAdmin, sql); err != nil {
				log.Printf("[session] conn %d: query error: %v", connID, err)
			}
		case wire.Parse, wire.Bind, wire.Describe, wire.Execute, wire.Close:
			if isAdmin {
				writeError(w, "0A000", "extended query protocol is not supported against the admin database")
				continue
			}
			if err := l.dispatchExtended(ctx, w, sess, cs, msg); err != nil {
				log.Printf("[session] conn %d: extended protocol error: %v", connID, err)
			}
		case wire.Sync, wire.Flush:
			w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
		default:
			writeError(w, "0A000", fmt.Sprintf("unsupported message type %q", msg.Type))
			w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
		}
	}
}

func (l *Listener) dispatchExtended(ctx context.Context, w *wire.Writer, sess *engine.Session, cs *connState, msg wire.Message) error {
	switch msg.Type {
	case wire.Parse:
		return l.handleParse(w, sess, cs, msg.Payload)
	case wire.Bind:
		return l.handleBind(w, sess, cs, msg.Payload)
	case wire.Describe:
		return l.handleDescribe(w, cs, msg.Payload)
	case wire.Execute:
		return l.handleExecute(ctx, w, sess, cs, msg.Payload)
	case wire.Close:
		return l.handleClose(w, sess, cs, msg.Payload)
	default:
		return nil
	}
}

func (l *Listener) runQuery(ctx context.Context, w *wire.Writer, sess *engine.Session, isAdmin bool, sql string) error {
	if isAdmin {
		msgs, err := l.Admin.Handle(sql)
		if err != nil {
			writeError(w, "42601", err.Error())
			return w.WriteMessage(wire.ReadyForQuery, []byte{'I'})
		}
		return writeAll(w, msgs, 'I')
	}

	result, err := l.Engine.Execute(ctx, sess, sql)
	if err != nil {
		writeError(w, "XX000", err.Error())
		return w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
	}
	return writeAll(w, result.Messages, readyStatus(sess))
}

// runCopy checks whether sql is a COPY ... FROM STDIN statement and, if so,
// drives its entire sub-protocol: relay CopyInResponse, read CopyData/
// CopyDone/CopyFail directly off r (bypassing the normal dispatch switch,
// since the client sends raw row data rather than another framed command
// until it sends CopyDone), feed each chunk to the engine's CopyExecution,
// and finish with the merged "COPY N" CommandComplete once the client ends
// the stream. handled is false for any other statement, in which case the
// caller falls through to the ordinary runQuery path.
func (l *Listener) runCopy(ctx context.Context, r *wire.Reader, w *wire.Writer, sess *engine.Session, sql string) (handled bool, err error) {
	ce, resp, ok, err := l.Engine.TryBeginCopy(ctx, sess, sql)
	if err != nil {
		writeError(w, "XX000", err.Error())
		w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
		return true, err
	}
	if !ok {
		return false, nil
	}

	if err := w.WriteMessage(resp.Type, resp.Payload); err != nil {
		return true, err
	}

	for {
		msg, err := r.ReadMessage()
		if err != nil {
			ce.Abort("connection error")
			return true, err
		}
		switch msg.Type {
		case wire.CopyData:
			if err := ce.Feed(ctx, msg.Payload); err != nil {
				ce.Abort(err.Error())
				writeError(w, "XX000", err.Error())
				return true, w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
			}
		case wire.CopyDone:
			result, err := ce.Finish(ctx)
			if err != nil {
				writeError(w, "XX000", err.Error())
				return true, w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
			}
			return true, writeAll(w, result.Messages, readyStatus(sess))
		case wire.CopyFail:
			ce.Abort(stripNullTerminator(msg.Payload))
			writeError(w, "57014", "COPY aborted by client")
			return true, w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
		default:
			// The client is only supposed to send CopyData/CopyDone/CopyFail
			// while a COPY is in progress; anything else aborts the COPY
			// rather than silently ignoring or misinterpreting it.
			ce.Abort("unexpected message during COPY")
			writeError(w, "57014", fmt.Sprintf("unexpected message %q during COPY", msg.Type))
			return true, w.WriteMessage(wire.ReadyForQuery, []byte{readyStatus(sess)})
		}
	}
}

func readyStatus(sess *engine.Session) byte {
	if sess.InTransaction() {
		return 'T'
	}
	return 'I'
}

func writeAll(w *wire.Writer, msgs []wire.Message, status byte) error {
	for _, m := range msgs {
		if err := w.WriteMessage(m.Type, m.Payload); err != nil {
			return err
		}
	}
	return w.WriteMessage(wire.ReadyForQuery, []byte{status})
}

func writeError(w *wire.Writer, code, message string) {
	m := wire.BuildErrorResponse("ERROR", code, message)
	w.WriteMessage(m.Type, m.Payload)
}

func sendAuthOK(w *wire.Writer, connID uint64) error {
	ok := wire.BuildAuthenticationOK()
	if err := w.WriteMessage(ok.Type, ok.Payload); err != nil {
		return err
	}
	for _, kv := range [][2]string{
		{"server_version", "16.0"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"TimeZone", "UTC"},
	} {
		m := wire.BuildParameterStatus(kv[0], kv[1])
		if err := w.WriteMessage(m.Type, m.Payload); err != nil {
			return err
		}
	}
	keyMsg := wire.BuildBackendKeyData(uint32(connID), uint32(connID*2654435761))
	return w.WriteMessage(keyMsg.Type, keyMsg.Payload)
}

func stripNullTerminator(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// authenticate checks the connecting user's credentials against the
// current configuration snapshot: AuthType "trust" skips the password
// round trip entirely; anything else requests a cleartext password and
// compares it in constant time. Full SCRAM/md5 server-role negotiation
// is out of scope here — internal/backend's scram.go only implements the
// client role (this proxy authenticating itself to a real Postgres
// server), and the teacher's own frontend auth is cleartext-only too; see
// DESIGN.md.
func (l *Listener) authenticate(r *wire.Reader, w *wire.Writer, user string) error {
	snap := l.Config.Current()
	if snap.General.AuthType == "trust" {
		return nil
	}

	u, ok := snap.Users[user]
	if !ok {
		return fmt.Errorf("session: unknown user %q", user)
	}

	if err := w.WriteMessage(wire.Authentication, []byte{0, 0, 0, 3}); err != nil {
		return err
	}
	msg, err := r.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.PasswordMessage {
		return fmt.Errorf("session: expected password message, got %c", msg.Type)
	}
	password := stripNullTerminator(msg.Payload)
	if subtle.ConstantTimeCompare([]byte(password), []byte(u.Password)) != 1 {
		return fmt.Errorf("session: password authentication failed for user %q", user)
	}
	return nil
}
