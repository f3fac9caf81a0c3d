package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	m := Message{Type: Query, Payload: []byte("select 1\x00")}
	encoded := m.Encode()

	r := NewReader(bytes.NewReader(encoded))
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != m.Type || !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestDecodeInt4RoundTrip(t *testing.T) {
	want := int32(-1234567)
	b := make([]byte, 4)
	// re-use EncodeTimestamp's big-endian writer shape via a local encode
	b[0] = byte(uint32(want) >> 24)
	b[1] = byte(uint32(want) >> 16)
	b[2] = byte(uint32(want) >> 8)
	b[3] = byte(uint32(want))
	got, err := DecodeInt4(b)
	if err != nil {
		t.Fatalf("DecodeInt4: %v", err)
	}
	if got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}

func TestDecodeInt4WrongSize(t *testing.T) {
	if _, err := DecodeInt4([]byte{1, 2, 3}); err != ErrWrongSize {
		t.Fatalf("expected ErrWrongSize, got %v", err)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)
	micros := ToPgEpochMicros(ts)
	back := FromPgEpochMicros(micros)
	if !back.Equal(ts) {
		t.Fatalf("round trip mismatch: got %v want %v", back, ts)
	}
}

func TestTimestampInfinitySentinels(t *testing.T) {
	if !IsPgInfinity(pgInfinityMicros) {
		t.Fatal("expected infinity sentinel to be recognized")
	}
	if !IsPgNegInfinity(pgNegInfinityMicros) {
		t.Fatal("expected -infinity sentinel to be recognized")
	}
}

func TestParseBindDecodeRoundTrip(t *testing.T) {
	pm := ParseMessage{StatementName: "s1", Query: "select $1", ParamOIDs: []uint32{23}}
	encoded := EncodeParse(pm)
	decoded, err := DecodeParse(encoded.Payload)
	if err != nil {
		t.Fatalf("DecodeParse: %v", err)
	}
	if decoded.StatementName != pm.StatementName || decoded.Query != pm.Query {
		t.Fatalf("got %+v want %+v", decoded, pm)
	}

	bm := BindMessage{
		PortalName:    "",
		StatementName: "s1",
		ParamFormats:  []int16{0},
		Params:        [][]byte{[]byte("42"), nil},
		ResultFormats: []int16{0},
	}
	encodedBind := EncodeBind(bm)
	decodedBind, err := DecodeBind(encodedBind.Payload)
	if err != nil {
		t.Fatalf("DecodeBind: %v", err)
	}
	if len(decodedBind.Params) != 2 || decodedBind.Params[1] != nil {
		t.Fatalf("bind params mismatch: %+v", decodedBind)
	}
	if string(decodedBind.Params[0]) != "42" {
		t.Fatalf("got %q want %q", decodedBind.Params[0], "42")
	}
}

func TestCountPositionalParams(t *testing.T) {
	if got := CountPositionalParams("select * from t where a=$1 and b=$2"); got != 2 {
		t.Fatalf("got %d want 2", got)
	}
	if got := CountPositionalParams("select 1"); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
}

func TestParseCopyRowCSVEscaping(t *testing.T) {
	row := []byte(`1,"hello ""world""",3`)
	fields := ParseCopyRow(row, CopyFormatCSV, ',')
	want := []string{"1", `hello "world"`, "3"}
	if len(fields) != len(want) {
		t.Fatalf("got %v want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("field %d: got %q want %q", i, fields[i], want[i])
		}
	}
}

func TestParseCopyRowTextPreservesVerbatim(t *testing.T) {
	row := []byte(`1\tescaped\t2`)
	fields := ParseCopyRow(row, CopyFormatText, '\t')
	if len(fields) != 1 || fields[0] != `1\tescaped\t2` {
		t.Fatalf("got %v", fields)
	}
}

func TestSplitCopyRows(t *testing.T) {
	rows, remainder := SplitCopyRows([]byte("a,1\nb,2\nc,3"))
	if len(rows) != 2 {
		t.Fatalf("got %d rows want 2", len(rows))
	}
	if string(remainder) != "c,3" {
		t.Fatalf("got remainder %q want %q", remainder, "c,3")
	}
}
