package types

import (
	"testing"
)

func TestNodeID_StringRoundTrip(t *testing.T) {
	var id NodeID
	for i := range id {
		id[i] = byte(i)
	}

	s := id.String()
	if s == "" {
		t.Fatal("non-empty NodeID should have non-empty string form")
	}

	parsed, err := ParseNodeID(s)
	if err != nil {
		t.Fatalf("ParseNodeID failed: %v", err)
	}
	if !parsed.Equal(id) {
		t.Fatalf("round trip mismatch: %s != %s", parsed, id)
	}
}

func TestNodeID_ParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"not-base58-0OIl",
		"abc", // 太短
	}
	for _, s := range cases {
		if _, err := ParseNodeID(s); err == nil {
			t.Errorf("ParseNodeID(%q) should fail", s)
		}
	}
}

func TestNodeID_ShortString(t *testing.T) {
	var id NodeID
	id[0] = 0xFF
	id[31] = 0x01

	short := id.ShortString()
	if len(short) > 8 {
		t.Fatalf("ShortString length = %d, want <= 8", len(short))
	}
	if short != id.String()[:len(short)] {
		t.Fatal("ShortString should be a prefix of String")
	}

	if EmptyNodeID.ShortString() != "" {
		t.Fatal("empty NodeID should have empty short form")
	}
}

func TestNodeID_HammingDistance(t *testing.T) {
	var a, b NodeID

	if a.HammingDistance(b) != 0 {
		t.Fatal("identical IDs should have zero distance")
	}

	b[0] = 0x01
	if d := a.HammingDistance(b); d != 1 {
		t.Fatalf("distance = %d, want 1", d)
	}

	// 对称性
	if a.HammingDistance(b) != b.HammingDistance(a) {
		t.Fatal("distance should be symmetric")
	}

	for i := range b {
		b[i] = 0xFF
	}
	if d := a.HammingDistance(b); d != NodeIDSize*8 {
		t.Fatalf("distance = %d, want %d", d, NodeIDSize*8)
	}
}

func TestNodeIDFromBytes(t *testing.T) {
	if _, err := NodeIDFromBytes(make([]byte, 31)); err == nil {
		t.Fatal("31 bytes should be rejected")
	}
	b := make([]byte, NodeIDSize)
	b[5] = 0xAB
	id, err := NodeIDFromBytes(b)
	if err != nil {
		t.Fatalf("NodeIDFromBytes failed: %v", err)
	}
	if id[5] != 0xAB {
		t.Fatal("bytes not copied")
	}
}

func TestSessionID_GenerateUnique(t *testing.T) {
	seen := make(map[SessionID]bool)
	for i := 0; i < 64; i++ {
		id := GenerateSessionID()
		if id.IsEmpty() {
			t.Fatal("generated session ID should not be empty")
		}
		if seen[id] {
			t.Fatal("duplicate generated session ID")
		}
		seen[id] = true
	}
}

func TestSessionID_FromBytes(t *testing.T) {
	if _, err := SessionIDFromBytes(make([]byte, 15)); err == nil {
		t.Fatal("15 bytes should be rejected")
	}

	b := make([]byte, SessionIDSize)
	b[0] = 0x7F
	id, err := SessionIDFromBytes(b)
	if err != nil {
		t.Fatalf("SessionIDFromBytes failed: %v", err)
	}
	if id.String() != "7f000000000000000000000000000000" {
		t.Fatalf("String = %s", id.String())
	}
}

func TestRequestID_FromBytes(t *testing.T) {
	if _, err := RequestIDFromBytes(nil); err == nil {
		t.Fatal("nil should be rejected")
	}

	b := make([]byte, RequestIDSize)
	b[15] = 0x01
	id, err := RequestIDFromBytes(b)
	if err != nil {
		t.Fatalf("RequestIDFromBytes failed: %v", err)
	}
	if id.IsEmpty() {
		t.Fatal("non-zero request ID reported empty")
	}
}
