package wire

import "testing"

func TestDecodeRowDescriptionRoundTrip(t *testing.T) {
	fields := []Field{TextField("id"), TextField("name")}
	msg := BuildRowDescription(fields)
	got, err := DecodeRowDescription(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeRowDescription: %v", err)
	}
	if len(got) != 2 || got[0].Name != "id" || got[1].Name != "name" {
		t.Fatalf("unexpected fields: %+v", got)
	}
}

func TestDecodeDataRowRoundTrip(t *testing.T) {
	msg := BuildDataRow([]interface{}{"alice", nil, 42})
	got, err := DecodeDataRow(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeDataRow: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 values, got %d", len(got))
	}
	if string(got[0]) != "alice" {
		t.Fatalf("expected alice, got %q", got[0])
	}
	if got[1] != nil {
		t.Fatalf("expected nil for NULL column, got %v", got[1])
	}
	if string(got[2]) != "42" {
		t.Fatalf("expected 42, got %q", got[2])
	}
}
