package backend

import (
	"strings"
	"testing"
)

func TestBuildStartupPayloadContainsUserAndDatabase(t *testing.T) {
	payload := buildStartupPayload("alice", "shard0")
	s := string(payload)
	for _, want := range []string{"user", "alice", "database", "shard0"} {
		if !strings.Contains(s, want) {
			t.Fatalf("startup payload missing %q: %q", want, s)
		}
	}
}

func TestMD5HashStableFormat(t *testing.T) {
	h := md5Hash("alice", "secret", []byte{1, 2, 3, 4})
	if len(h) != 3+32 || h[:3] != "md5" {
		t.Fatalf("unexpected md5 hash shape: %q", h)
	}
}

func TestParseRowsAffected(t *testing.T) {
	cases := map[string]int64{
		"SELECT 4":   4,
		"INSERT 0 2": 2,
		"UPDATE 3":   3,
		"DELETE 0":   0,
	}
	for tag, want := range cases {
		if got := parseRowsAffected(tag); got != want {
			t.Fatalf("tag %q: got %d want %d", tag, got, want)
		}
	}
}
