package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"

	"github.com/mevdschee/pgdogproxy/internal/wire"
)

// sslRequestCode and cancelRequestCode are the two special "protocol
// versions" a startup packet may carry instead of a real protocol
// version, per the wire protocol's probe-packet convention (the same
// codes mevdschee-tqdbproxy/postgres/postgres.go checks for).
const (
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
)

// errCancelRequest marks a connection that turned out to be a
// CancelRequest probe rather than a real client session — handleConn
// logs nothing for this case, it's expected traffic.
var errCancelRequest = errors.New("session: cancel request")

// negotiateStartup reads the startup packet, denies SSL (the teacher does
// the same; this proxy has no TLS listener wired up, see DESIGN.md),
// handles a CancelRequest probe, and extracts the user/database startup
// parameters.
func (l *Listener) negotiateStartup(conn net.Conn, r *wire.Reader, w *wire.Writer) (database, user string, err error) {
	payload, err := r.ReadStartup()
	if err != nil {
		return "", "", err
	}

	// A real startup packet's payload (after ReadStartup strips the
	// length field) begins with a 4-byte code. SSLRequest's total packet
	// is 8 bytes, so its payload is exactly 4 bytes (the code, nothing
	// else). CancelRequest's total packet is 16 bytes — code, PID,
	// SecretKey — so its payload is 12 bytes; checking len(payload)==4
	// for both (as a literal copy of the SSL check would) can never match
	// a real CancelRequest.
	if len(payload) >= 4 {
		code := binary.BigEndian.Uint32(payload[:4])
		switch {
		case code == sslRequestCode && len(payload) == 4:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return "", "", err
			}
			payload, err = r.ReadStartup()
			if err != nil {
				return "", "", err
			}
		case code == cancelRequestCode && len(payload) == 12:
			pid := binary.BigEndian.Uint32(payload[4:8])
			secretKey := binary.BigEndian.Uint32(payload[8:12])
			l.handleCancelRequest(pid, secretKey)
			return "", "", errCancelRequest
		}
	}

	params := parseStartupParams(payload)
	user = params["user"]
	database = params["database"]
	if database == "" {
		database = user
	}
	return database, user, nil
}

// parseStartupParams decodes the protocol-version-prefixed, null-terminated
// key/value pairs of a startup packet, the same shape
// mevdschee-tqdbproxy/postgres/postgres.go's parseStartupParams walks.
func parseStartupParams(payload []byte) map[string]string {
	params := make(map[string]string)
	if len(payload) < 4 {
		return params
	}
	data := payload[4:] // skip the protocol version field

	for len(data) > 0 {
		keyEnd := bytes.IndexByte(data, 0)
		if keyEnd <= 0 {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := bytes.IndexByte(data, 0)
		if valEnd < 0 {
			break
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		params[key] = value
	}
	return params
}
