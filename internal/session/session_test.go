package session

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/mevdschee/pgdogproxy/internal/engine"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

func TestParseStartupParams(t *testing.T) {
	var payload []byte
	payload = append(payload, 0, 3, 0, 0) // protocol version 3.0
	payload = append(payload, "user"...)
	payload = append(payload, 0)
	payload = append(payload, "alice"...)
	payload = append(payload, 0)
	payload = append(payload, "database"...)
	payload = append(payload, 0)
	payload = append(payload, "orders"...)
	payload = append(payload, 0)
	payload = append(payload, 0) // trailing terminator

	params := parseStartupParams(payload)
	if params["user"] != "alice" {
		t.Fatalf("expected user alice, got %q", params["user"])
	}
	if params["database"] != "orders" {
		t.Fatalf("expected database orders, got %q", params["database"])
	}
}

func TestParseStartupParamsTooShort(t *testing.T) {
	if got := parseStartupParams([]byte{0, 0}); len(got) != 0 {
		t.Fatalf("expected empty params for short payload, got %v", got)
	}
}

func TestStripNullTerminator(t *testing.T) {
	if got := stripNullTerminator([]byte("select 1\x00")); got != "select 1" {
		t.Fatalf("expected trimmed string, got %q", got)
	}
	if got := stripNullTerminator([]byte("select 1")); got != "select 1" {
		t.Fatalf("expected untouched string, got %q", got)
	}
}

func TestReadyStatusReflectsTransactionState(t *testing.T) {
	sess := engine.NewSession("orders", "client-1")
	if got := readyStatus(sess); got != 'I' {
		t.Fatalf("expected idle status 'I', got %c", got)
	}
}

func TestWriteErrorEncodesSQLSTATEAndMessage(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	writeError(w, "42601", "syntax error")

	msg, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read back error message: %v", err)
	}
	if msg.Type != wire.ErrorResponse {
		t.Fatalf("expected ErrorResponse, got %c", msg.Type)
	}
	if !bytes.Contains(msg.Payload, []byte("42601")) {
		t.Fatalf("expected payload to contain SQLSTATE, got %q", msg.Payload)
	}
	if !bytes.Contains(msg.Payload, []byte("syntax error")) {
		t.Fatalf("expected payload to contain message text, got %q", msg.Payload)
	}
}

func TestSendAuthOKWritesBackendKeyData(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if err := sendAuthOK(w, 7); err != nil {
		t.Fatalf("sendAuthOK failed: %v", err)
	}

	r := wire.NewReader(&buf)
	// AuthenticationOk, 4 ParameterStatus messages, then BackendKeyData.
	for i := 0; i < 5; i++ {
		if _, err := r.ReadMessage(); err != nil {
			t.Fatalf("failed reading message %d: %v", i, err)
		}
	}
	keyMsg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("failed reading BackendKeyData: %v", err)
	}
	if keyMsg.Type != wire.BackendKeyData {
		t.Fatalf("expected BackendKeyData, got %c", keyMsg.Type)
	}
	if len(keyMsg.Payload) != 8 {
		t.Fatalf("expected 8-byte key payload, got %d", len(keyMsg.Payload))
	}
	if got := binary.BigEndian.Uint32(keyMsg.Payload[0:4]); got != 7 {
		t.Fatalf("expected connID 7 in key payload, got %d", got)
	}
}

func TestNegotiateStartupDeniesSSLThenReadsRealStartup(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := &Listener{}

	go func() {
		var sslReq [8]byte
		binary.BigEndian.PutUint32(sslReq[0:4], 8)
		binary.BigEndian.PutUint32(sslReq[4:8], sslRequestCode)
		client.Write(sslReq[:])

		sslResp := make([]byte, 1)
		client.Read(sslResp)

		var payload []byte
		payload = append(payload, "user"...)
		payload = append(payload, 0)
		payload = append(payload, "bob"...)
		payload = append(payload, 0)
		payload = append(payload, 0)
		var startup []byte
		var lenField [4]byte
		binary.BigEndian.PutUint32(lenField[:], uint32(4+4+len(payload)))
		startup = append(startup, lenField[:]...)
		startup = append(startup, 0, 3, 0, 0)
		startup = append(startup, payload...)
		client.Write(startup)
	}()

	r := wire.NewReader(server)
	w := wire.NewWriter(server)
	database, user, err := l.negotiateStartup(server, r, w)
	if err != nil {
		t.Fatalf("negotiateStartup failed: %v", err)
	}
	if user != "bob" {
		t.Fatalf("expected user bob, got %q", user)
	}
	if database != "bob" {
		t.Fatalf("expected database to default to user, got %q", database)
	}
}

func TestNegotiateStartupReportsCancelRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := &Listener{}

	go func() {
		var req [16]byte
		binary.BigEndian.PutUint32(req[0:4], 16)
		binary.BigEndian.PutUint32(req[4:8], cancelRequestCode)
		pid := uint64(7)
		binary.BigEndian.PutUint32(req[8:12], uint32(pid))                // PID
		binary.BigEndian.PutUint32(req[12:16], uint32(pid*2654435761))    // SecretKey
		client.Write(req[:])
	}()

	r := wire.NewReader(server)
	w := wire.NewWriter(server)
	if _, _, err := l.negotiateStartup(server, r, w); err != errCancelRequest {
		t.Fatalf("expected errCancelRequest, got %v", err)
	}
}
