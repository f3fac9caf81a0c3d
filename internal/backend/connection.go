// Package backend models one connection to one backend PostgreSQL server
// (spec.md C3: Server Session): negotiated startup parameters, transaction
// state derived from ReadyForQuery, a bounded prepared-statement cache, and
// a dirty flag that must be cleared before the connection returns to a
// pool's idle list.
//
// Grounded on mevdschee-tqdbproxy/postgres/postgres.go's connectToBackend/
// handleConnection auth flow and JeelKantaria-db-bouncer/internal/proxy/
// postgres.go's relayAuth for the SCRAM/MD5/cleartext dispatch.
package backend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mevdschee/pgdogproxy/internal/metrics"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// Target identifies what a Connection connects to and authenticates as.
type Target struct {
	Address  string // host:port
	User     string
	Password string
	Database string
	TLS      bool
}

// Connection is one socket to one backend Postgres server.
type Connection struct {
	target Target
	conn   net.Conn
	r      *wire.Reader
	w      *wire.Writer

	mu             sync.Mutex
	params         map[string]string
	pid, secretKey uint32
	inTransaction  bool   // true for status 'T' or 'E'
	txStatus       byte   // last ReadyForQuery status byte
	dirty          bool
	healthy        bool

	prepared *preparedCache

	createdAt time.Time
	lastUsed  time.Time
	clientKey string // identifies which client currently owns this conn, for CancelRequest lookup
}

// Dial opens a new connection, performs the startup/auth handshake, and
// waits for the initial ReadyForQuery.
func Dial(ctx context.Context, target Target, preparedLimit int) (*Connection, error) {
	start := time.Now()
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", target.Address, err)
	}
	defer func() { metrics.ConnectTime.WithLabelValues(target.Address).Observe(time.Since(start).Seconds()) }()
	c := &Connection{
		target:    target,
		conn:      raw,
		r:         wire.NewReader(raw),
		w:         wire.NewWriter(raw),
		params:    make(map[string]string),
		healthy:   true,
		prepared:  newPreparedCache(preparedLimit),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	if err := c.startup(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) startup(ctx context.Context) error {
	payload := buildStartupPayload(c.target.User, c.target.Database)
	full := make([]byte, 4+len(payload))
	// protocol version 3.0 followed by key=value\0 pairs, matching the spec's
	// startup-packet shape (no type byte).
	copy(full[4:], payload)
	putUint32(full[0:4], uint32(len(full)))
	if _, err := c.conn.Write(full); err != nil {
		return err
	}

	if err := c.authenticate(); err != nil {
		return err
	}

	for {
		msg, err := c.r.ReadMessage()
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.ParameterStatus:
			name, value := splitCString(msg.Payload)
			c.mu.Lock()
			c.params[name] = value
			c.mu.Unlock()
		case wire.BackendKeyData:
			if len(msg.Payload) >= 8 {
				c.pid = beUint32(msg.Payload[0:4])
				c.secretKey = beUint32(msg.Payload[4:8])
			}
		case wire.ReadyForQuery:
			if len(msg.Payload) >= 1 {
				c.setStatus(msg.Payload[0])
			}
			return nil
		case wire.ErrorResponse:
			return fmt.Errorf("backend: startup error: %s", string(msg.Payload))
		}
	}
}

func (c *Connection) authenticate() error {
	msg, err := c.r.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type == wire.ErrorResponse {
		return fmt.Errorf("backend: auth error: %s", string(msg.Payload))
	}
	if msg.Type != wire.Authentication || len(msg.Payload) < 4 {
		return fmt.Errorf("backend: expected Authentication message")
	}
	authType := beUint32(msg.Payload[0:4])
	switch authType {
	case 0: // AuthenticationOk
		return nil
	case 3: // cleartext password
		return c.sendPassword(c.target.Password)
	case 5: // md5 password
		if len(msg.Payload) < 8 {
			return fmt.Errorf("backend: malformed md5 auth request")
		}
		salt := msg.Payload[4:8]
		hashed := md5Hash(c.target.User, c.target.Password, salt)
		if err := c.sendPassword(hashed); err != nil {
			return err
		}
		return c.expectAuthOK()
	case 10: // SASL (SCRAM-SHA-256)
		if err := scramSHA256Auth(c.r, c.w, c.target.User, c.target.Password, msg.Payload); err != nil {
			return err
		}
		return c.expectAuthOK()
	default:
		return fmt.Errorf("backend: unsupported auth method %d", authType)
	}
}

func (c *Connection) expectAuthOK() error {
	msg, err := c.r.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type == wire.ErrorResponse {
		return fmt.Errorf("backend: auth error: %s", string(msg.Payload))
	}
	if msg.Type != wire.Authentication || beUint32(msg.Payload[0:4]) != 0 {
		return fmt.Errorf("backend: expected AuthenticationOk")
	}
	return nil
}

func (c *Connection) sendPassword(password string) error {
	payload := append([]byte(password), 0)
	return c.w.WriteMessage(wire.PasswordMessage, payload)
}

func md5Hash(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// setStatus updates in-transaction tracking from a ReadyForQuery status byte.
func (c *Connection) setStatus(status byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txStatus = status
	c.inTransaction = status == 'T' || status == 'E'
	c.dirty = c.inTransaction
}

// Reader/Writer expose the raw frame stream for the query engine to drive.
func (c *Connection) Reader() *wire.Reader { return c.r }
func (c *Connection) Writer() *wire.Writer { return c.w }

// Params returns the negotiated startup parameters.
func (c *Connection) Params() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// InTransaction reports the connection's last known transaction state.
func (c *Connection) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTransaction
}

// TxStatus returns the last ReadyForQuery status byte.
func (c *Connection) TxStatus() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

// NoteReadyForQuery is called by the engine after reading each
// ReadyForQuery from this connection so dirty/in-transaction tracking stays
// current without the engine reaching into internal fields.
func (c *Connection) NoteReadyForQuery(status byte) {
	c.setStatus(status)
}

// SetOwner records which client key currently holds this connection, used
// by Cancel's pool-wide lookup.
func (c *Connection) SetOwner(key string) {
	c.mu.Lock()
	c.clientKey = key
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// Owner returns the client key currently associated with this connection.
func (c *Connection) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientKey
}

// SendCancel issues a CancelRequest for this connection's own in-flight
// query on a fresh side connection, implementing pool.Canceller.
func (c *Connection) SendCancel(ctx context.Context) error {
	return CancelOnNewConnection(ctx, c.target.Address, c.pid, c.secretKey)
}

// PID and SecretKey expose BackendKeyData for CancelRequest construction.
func (c *Connection) PID() uint32       { return c.pid }
func (c *Connection) SecretKey() uint32 { return c.secretKey }
func (c *Connection) Address() string   { return c.target.Address }

// Prepared returns the connection-local prepared-statement cache (C3's
// "map of backend prepared-statement canonical names ... bounded by
// prepared_statements_limit with LRU eviction that issues Close lazily").
func (c *Connection) Prepared() *preparedCache { return c.prepared }

// --- pool.Conn interface ---

// Dirty reports whether the connection needs cleanup before reuse.
func (c *Connection) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Reset issues ROLLBACK + DISCARD ALL, the cleanup the spec requires before
// returning a dirty connection to idle (mirrors
// JeelKantaria-db-bouncer/internal/proxy/pg_relay.go's resetAndReturn).
func (c *Connection) Reset(ctx context.Context) error {
	if _, _, err := c.Execute(ctx, "ROLLBACK"); err != nil {
		return err
	}
	if _, _, err := c.Execute(ctx, "DISCARD ALL"); err != nil {
		return err
	}
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Healthy reports whether the connection's socket still appears usable.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// MarkUnhealthy flags the connection for discard on next checkin, e.g.
// after a protocol-level error the engine cannot recover from.
func (c *Connection) MarkUnhealthy() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Execute runs sql as a simple-protocol Query and drains every response
// message through to ReadyForQuery, returning the row count parsed from
// CommandComplete and the command tag, matching C3's "execute(sql) helper
// that fetches all results until ReadyForQuery".
func (c *Connection) Execute(ctx context.Context, sql string) (rowsAffected int64, tag string, err error) {
	if err := c.w.WriteMessage(wire.Query, append([]byte(sql), 0)); err != nil {
		return 0, "", err
	}
	for {
		msg, err := c.r.ReadMessage()
		if err != nil {
			c.MarkUnhealthy()
			return 0, "", err
		}
		switch msg.Type {
		case wire.CommandComplete:
			tag = stringUntilNull(msg.Payload)
			rowsAffected = parseRowsAffected(tag)
		case wire.ReadyForQuery:
			if len(msg.Payload) >= 1 {
				c.setStatus(msg.Payload[0])
			}
			return rowsAffected, tag, nil
		case wire.ErrorResponse:
			// Drain to ReadyForQuery before surfacing the error so the
			// connection isn't left mid-protocol.
			c.drainToReady()
			return 0, "", fmt.Errorf("backend: %s", string(msg.Payload))
		}
	}
}

// QueryAll runs sql as a simple-protocol Query and returns every message the
// backend sends back (RowDescription, DataRow..., CommandComplete) up to but
// not including ReadyForQuery, for callers that need the actual result set
// rather than just the row count (the query engine's single- and
// cross-shard SELECT path).
func (c *Connection) QueryAll(ctx context.Context, sql string) ([]wire.Message, error) {
	if err := c.w.WriteMessage(wire.Query, append([]byte(sql), 0)); err != nil {
		return nil, err
	}
	var out []wire.Message
	for {
		msg, err := c.r.ReadMessage()
		if err != nil {
			c.MarkUnhealthy()
			return nil, err
		}
		switch msg.Type {
		case wire.ReadyForQuery:
			if len(msg.Payload) >= 1 {
				c.setStatus(msg.Payload[0])
			}
			return out, nil
		case wire.ErrorResponse:
			c.drainToReady()
			return nil, fmt.Errorf("backend: %s", string(msg.Payload))
		default:
			out = append(out, msg)
		}
	}
}

func (c *Connection) drainToReady() {
	for {
		msg, err := c.r.ReadMessage()
		if err != nil {
			c.MarkUnhealthy()
			return
		}
		if msg.Type == wire.ReadyForQuery {
			if len(msg.Payload) >= 1 {
				c.setStatus(msg.Payload[0])
			}
			return
		}
	}
}

// BeginCopyIn issues sql (a COPY ... FROM STDIN statement) as a simple
// Query and waits for the backend's CopyInResponse, leaving the connection
// ready to receive CopyData frames. Any response other than
// CopyInResponse (an ErrorResponse, most commonly — e.g. the table
// doesn't exist) is surfaced as an error after draining to ReadyForQuery.
func (c *Connection) BeginCopyIn(ctx context.Context, sql string) error {
	if err := c.w.WriteMessage(wire.Query, append([]byte(sql), 0)); err != nil {
		return err
	}
	for {
		msg, err := c.r.ReadMessage()
		if err != nil {
			c.MarkUnhealthy()
			return err
		}
		switch msg.Type {
		case wire.CopyInResponse:
			return nil
		case wire.ErrorResponse:
			c.drainToReady()
			return fmt.Errorf("backend: %s", string(msg.Payload))
		}
	}
}

// CopyData forwards one chunk of COPY row data to the backend, already
// routed to this shard by the engine's CopyExecution.
func (c *Connection) CopyData(data []byte) error {
	return c.w.WriteMessage(wire.CopyData, data)
}

// EndCopyIn sends CopyDone and drains the backend's response through to
// ReadyForQuery, returning the CommandComplete tag ("COPY N").
func (c *Connection) EndCopyIn(ctx context.Context) (tag string, err error) {
	if err := c.w.WriteMessage(wire.CopyDone, nil); err != nil {
		return "", err
	}
	for {
		msg, err := c.r.ReadMessage()
		if err != nil {
			c.MarkUnhealthy()
			return "", err
		}
		switch msg.Type {
		case wire.CommandComplete:
			tag = stringUntilNull(msg.Payload)
		case wire.ReadyForQuery:
			if len(msg.Payload) >= 1 {
				c.setStatus(msg.Payload[0])
			}
			return tag, nil
		case wire.ErrorResponse:
			c.drainToReady()
			return "", fmt.Errorf("backend: %s", string(msg.Payload))
		}
	}
}

// AbortCopyIn sends CopyFail with reason, telling the backend to abandon
// the COPY and roll back any rows it already applied, then drains to
// ReadyForQuery.
func (c *Connection) AbortCopyIn(reason string) error {
	if err := c.w.WriteMessage(wire.CopyFail, append([]byte(reason), 0)); err != nil {
		return err
	}
	c.drainToReady()
	return nil
}

// CancelOnNewConnection sends a PostgreSQL CancelRequest on a fresh, cold
// socket to this connection's address, the protocol-mandated way to cancel
// a running query (the cancel cannot be sent on the connection itself,
// which is busy executing).
func CancelOnNewConnection(ctx context.Context, address string, pid, secretKey uint32) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()
	payload := make([]byte, 12)
	putUint32(payload[0:4], 80877102) // cancel request code
	putUint32(payload[4:8], pid)
	putUint32(payload[8:12], secretKey)
	full := make([]byte, 4+len(payload))
	copy(full[4:], payload)
	putUint32(full[0:4], uint32(len(full)))
	_, err = conn.Write(full)
	return err
}

func buildStartupPayload(user, database string) []byte {
	var out []byte
	out = appendUint32(out, 196608) // protocol version 3.0
	out = append(out, "user"...)
	out = append(out, 0)
	out = append(out, user...)
	out = append(out, 0)
	out = append(out, "database"...)
	out = append(out, 0)
	out = append(out, database...)
	out = append(out, 0)
	out = append(out, 0) // terminator
	return out
}
