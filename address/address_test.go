package address

import "testing"

func TestStringAndParseRoundTrip(t *testing.T) {
	a := New("u1", 3)
	s := a.String()
	if s != "u1:3" {
		t.Fatalf("unexpected serialization %q", s)
	}

	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got != a {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, a)
	}
}

func TestOnlineChannel(t *testing.T) {
	a := New("u2", 1)
	if got := a.OnlineChannel(); got != "on:u2:1" {
		t.Fatalf("unexpected online channel %q", got)
	}
}

func TestIsMaster(t *testing.T) {
	if !New("u1", MasterDevice).IsMaster() {
		t.Fatal("device 1 should be master")
	}
	if New("u1", 2).IsMaster() {
		t.Fatal("device 2 should not be master")
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse("no-colon-here"); err == nil {
		t.Fatal("expected error for malformed address")
	}
	if _, err := Parse("u1:notanumber"); err == nil {
		t.Fatal("expected error for non-numeric device id")
	}
}
