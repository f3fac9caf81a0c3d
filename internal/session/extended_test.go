package session

import (
	"bytes"
	"testing"

	"github.com/mevdschee/pgdogproxy/internal/engine"
	"github.com/mevdschee/pgdogproxy/internal/prepared"
	"github.com/mevdschee/pgdogproxy/internal/wire"
)

func TestSubstituteParamsRendersTextParams(t *testing.T) {
	got, err := substituteParams("select * from orders where id = $1 and status = $2", [][]byte{
		[]byte("42"), []byte("shipped"),
	}, nil)
	if err != nil {
		t.Fatalf("substituteParams failed: %v", err)
	}
	want := "select * from orders where id = '42' and status = 'shipped'"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstituteParamsEscapesQuotes(t *testing.T) {
	got, err := substituteParams("select * from orders where name = $1", [][]byte{
		[]byte("O'Brien"),
	}, nil)
	if err != nil {
		t.Fatalf("substituteParams failed: %v", err)
	}
	if want := "select * from orders where name = 'O''Brien'"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstituteParamsRendersNullForNilParam(t *testing.T) {
	got, err := substituteParams("update orders set note = $1 where id = $2", [][]byte{
		nil, []byte("7"),
	}, nil)
	if err != nil {
		t.Fatalf("substituteParams failed: %v", err)
	}
	if want := "update orders set note = NULL where id = '7'"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstituteParamsRejectsBinaryFormat(t *testing.T) {
	_, err := substituteParams("select $1", [][]byte{[]byte{0, 0, 0, 42}}, []int16{1})
	if err == nil {
		t.Fatal("expected an error for binary parameter format")
	}
}

func TestSubstituteParamsLeavesOutOfRangePlaceholderUntouched(t *testing.T) {
	got, err := substituteParams("select $1, $2", [][]byte{[]byte("only-one")}, nil)
	if err != nil {
		t.Fatalf("substituteParams failed: %v", err)
	}
	if want := "select 'only-one', $2"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func newTestListener() *Listener {
	return &Listener{Engine: &engine.Engine{Prepared: prepared.NewTable()}}
}

func TestHandleParseStoresStatementAndRespondsParseComplete(t *testing.T) {
	l := newTestListener()
	cs := newConnState()
	sess := engine.NewSession("orders", "client-1")

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	payload := wire.ParseMessage{StatementName: "stmt1", Query: "select 1"}
	msg := wire.EncodeParse(payload)
	if err := l.handleParse(w, sess, cs, msg.Payload); err != nil {
		t.Fatalf("handleParse failed: %v", err)
	}

	if got := cs.statements["stmt1"]; got != "select 1" {
		t.Fatalf("expected statement text stored, got %q", got)
	}
	if _, ok := l.Engine.Prepared.Lookup("client-1", "stmt1"); !ok {
		t.Fatal("expected Prepared table to have a canonical entry for stmt1")
	}

	reply, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != wire.ParseComplete {
		t.Fatalf("expected ParseComplete, got %c", reply.Type)
	}
}

func TestHandleBindSubstitutesAndStoresPortal(t *testing.T) {
	l := newTestListener()
	cs := newConnState()
	cs.statements["stmt1"] = "select * from orders where id = $1"
	sess := engine.NewSession("orders", "client-1")

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	msg := wire.EncodeBind(wire.BindMessage{
		PortalName:    "",
		StatementName: "stmt1",
		Params:        [][]byte{[]byte("9")},
	})
	if err := l.handleBind(w, sess, cs, msg.Payload); err != nil {
		t.Fatalf("handleBind failed: %v", err)
	}

	want := "select * from orders where id = '9'"
	if got := cs.portals[""]; got != want {
		t.Fatalf("got portal SQL %q, want %q", got, want)
	}

	reply, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != wire.BindComplete {
		t.Fatalf("expected BindComplete, got %c", reply.Type)
	}
}

func TestHandleBindUnknownStatementReturnsError(t *testing.T) {
	l := newTestListener()
	cs := newConnState()

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	msg := wire.EncodeBind(wire.BindMessage{StatementName: "missing"})
	if err := l.handleBind(w, engine.NewSession("orders", "client-1"), cs, msg.Payload); err != nil {
		t.Fatalf("handleBind returned unexpected Go error: %v", err)
	}

	reply, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != wire.ErrorResponse {
		t.Fatalf("expected ErrorResponse, got %c", reply.Type)
	}
	if !bytes.Contains(reply.Payload, []byte("26000")) {
		t.Fatalf("expected SQLSTATE 26000 in payload, got %q", reply.Payload)
	}
}

func TestHandleDescribeAlwaysReturnsNoDataForKnownStatement(t *testing.T) {
	l := newTestListener()
	cs := newConnState()
	cs.statements["stmt1"] = "select 1"

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	payload := append([]byte{byte(wire.DescribeStatement)}, append([]byte("stmt1"), 0)...)
	if err := l.handleDescribe(w, cs, payload); err != nil {
		t.Fatalf("handleDescribe failed: %v", err)
	}

	reply, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != wire.NoData {
		t.Fatalf("expected NoData, got %c", reply.Type)
	}
}

func TestHandleDescribeUnknownPortalReturnsError(t *testing.T) {
	l := newTestListener()
	cs := newConnState()

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	payload := append([]byte{byte(wire.DescribePortal)}, append([]byte("missing"), 0)...)
	if err := l.handleDescribe(w, cs, payload); err != nil {
		t.Fatalf("handleDescribe returned unexpected Go error: %v", err)
	}

	reply, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != wire.ErrorResponse {
		t.Fatalf("expected ErrorResponse, got %c", reply.Type)
	}
	if !bytes.Contains(reply.Payload, []byte("34000")) {
		t.Fatalf("expected SQLSTATE 34000 in payload, got %q", reply.Payload)
	}
}

func TestHandleExecuteUnknownPortalReturnsError(t *testing.T) {
	l := newTestListener()
	cs := newConnState()
	sess := engine.NewSession("orders", "client-1")

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	payload := append([]byte("missing"), 0, 0, 0, 0, 0)
	if err := l.handleExecute(nil, w, sess, cs, payload); err != nil {
		t.Fatalf("handleExecute returned unexpected Go error: %v", err)
	}

	reply, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != wire.ErrorResponse {
		t.Fatalf("expected ErrorResponse, got %c", reply.Type)
	}
	if !bytes.Contains(reply.Payload, []byte("34000")) {
		t.Fatalf("expected SQLSTATE 34000 in payload, got %q", reply.Payload)
	}
}

func TestHandleCloseStatementReleasesPreparedEntryAndLocalState(t *testing.T) {
	l := newTestListener()
	cs := newConnState()
	sess := engine.NewSession("orders", "client-1")
	cs.statements["stmt1"] = "select 1"
	l.Engine.Prepared.Prepare("client-1", "stmt1", "select 1")

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	payload := append([]byte{byte(wire.DescribeStatement)}, append([]byte("stmt1"), 0)...)
	if err := l.handleClose(w, sess, cs, payload); err != nil {
		t.Fatalf("handleClose failed: %v", err)
	}

	if _, ok := cs.statements["stmt1"]; ok {
		t.Fatal("expected statement to be removed from connState")
	}
	if _, ok := l.Engine.Prepared.Lookup("client-1", "stmt1"); ok {
		t.Fatal("expected Prepared table to have released the client's statement")
	}

	reply, err := wire.NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != wire.CloseComplete {
		t.Fatalf("expected CloseComplete, got %c", reply.Type)
	}
}

func TestHandleClosePortalRemovesLocalPortalOnly(t *testing.T) {
	l := newTestListener()
	cs := newConnState()
	sess := engine.NewSession("orders", "client-1")
	cs.portals["portal1"] = "select 1"

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	payload := append([]byte{byte(wire.DescribePortal)}, append([]byte("portal1"), 0)...)
	if err := l.handleClose(w, sess, cs, payload); err != nil {
		t.Fatalf("handleClose failed: %v", err)
	}

	if _, ok := cs.portals["portal1"]; ok {
		t.Fatal("expected portal to be removed from connState")
	}
}
