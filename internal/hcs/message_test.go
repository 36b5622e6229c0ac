package hcs

import "testing"

func TestConsensusTimestampParts(t *testing.T) {
	ts := NewConsensusTimestamp(1700000000, 123456789)
	secs, nanos, err := ts.Parts()
	if err != nil {
		t.Fatalf("Parts returned error: %v", err)
	}
	if secs != 1700000000 || nanos != 123456789 {
		t.Fatalf("got (%d, %d), want (1700000000, 123456789)", secs, nanos)
	}
	if ts.String() != "1700000000.123456789" {
		t.Fatalf("unexpected string form: %s", ts.String())
	}
}

func TestConsensusTimestampPartsMalformed(t *testing.T) {
	if _, _, err := ConsensusTimestamp("not-a-timestamp").Parts(); err == nil {
		t.Fatal("expected error for malformed timestamp")
	}
}

func TestPlusNanosNoOverflow(t *testing.T) {
	ts := NewConsensusTimestamp(100, 5)
	next, err := ts.PlusNanos(1)
	if err != nil {
		t.Fatalf("PlusNanos returned error: %v", err)
	}
	if next != NewConsensusTimestamp(100, 6) {
		t.Fatalf("got %s, want 100.000000006", next)
	}
}

func TestPlusNanosOverflowsIntoSeconds(t *testing.T) {
	ts := NewConsensusTimestamp(100, 999999999)
	next, err := ts.PlusNanos(1)
	if err != nil {
		t.Fatalf("PlusNanos returned error: %v", err)
	}
	if next != NewConsensusTimestamp(101, 0) {
		t.Fatalf("got %s, want 101.000000000", next)
	}
}

func TestLessIsLexicographic(t *testing.T) {
	a := NewConsensusTimestamp(100, 0)
	b := NewConsensusTimestamp(100, 1)
	c := NewConsensusTimestamp(101, 0)
	if !a.Less(b) {
		t.Fatal("expected 100.000000000 < 100.000000001")
	}
	if !b.Less(c) {
		t.Fatal("expected 100.000000001 < 101.000000000")
	}
	if c.Less(a) {
		t.Fatal("expected 101.000000000 to not be < 100.000000000")
	}
}
