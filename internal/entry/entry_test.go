package entry

import "testing"

func TestNewIsLiveWithNonNilValue(t *testing.T) {
	e := New([]byte("k"), []byte("v"))
	if e.Tombstone {
		t.Fatal("expected a live entry")
	}
	if string(e.Value) != "v" {
		t.Fatalf("expected value v, got %q", e.Value)
	}
}

func TestNewTombstoneHasNilValue(t *testing.T) {
	e := NewTombstone([]byte("k"))
	if !e.Tombstone {
		t.Fatal("expected a tombstone entry")
	}
	if e.Value != nil {
		t.Fatalf("expected nil value, got %q", e.Value)
	}
}

func TestSeqIsMonotonicAndDistinguishesTies(t *testing.T) {
	a := New([]byte("k"), []byte("v1"))
	b := New([]byte("k"), []byte("v2"))
	if b.Seq <= a.Seq {
		t.Fatalf("expected seq to strictly increase, got a=%d b=%d", a.Seq, b.Seq)
	}
}

func TestCompareOrdersKeyAscending(t *testing.T) {
	a := Entry{Key: []byte("a"), Timestamp: 1, Seq: 1}
	b := Entry{Key: []byte("b"), Timestamp: 1, Seq: 1}
	if Compare(a, b) >= 0 {
		t.Fatal("expected a < b")
	}
	if Compare(b, a) <= 0 {
		t.Fatal("expected b > a")
	}
}

func TestCompareOrdersSameKeyByTimestampDescending(t *testing.T) {
	older := Entry{Key: []byte("k"), Timestamp: 100, Seq: 1}
	newer := Entry{Key: []byte("k"), Timestamp: 200, Seq: 1}
	if Compare(newer, older) >= 0 {
		t.Fatal("expected the newer entry to sort before the older one")
	}
}

func TestCompareBreaksTimestampTiesBySeqDescending(t *testing.T) {
	first := Entry{Key: []byte("k"), Timestamp: 100, Seq: 1}
	second := Entry{Key: []byte("k"), Timestamp: 100, Seq: 2}
	if Compare(second, first) >= 0 {
		t.Fatal("expected the higher seq to sort before the lower one on a timestamp tie")
	}
}

func TestNewerMatchesCompare(t *testing.T) {
	older := Entry{Timestamp: 100, Seq: 5}
	newer := Entry{Timestamp: 200, Seq: 1}
	if !Newer(newer, older) {
		t.Fatal("expected newer to win on timestamp")
	}
	if Newer(older, newer) {
		t.Fatal("expected older to lose on timestamp")
	}

	tiedA := Entry{Timestamp: 100, Seq: 1}
	tiedB := Entry{Timestamp: 100, Seq: 2}
	if !Newer(tiedB, tiedA) {
		t.Fatal("expected the higher seq to win on a timestamp tie")
	}
}

func TestEstimatedSizeIsTrueByteLength(t *testing.T) {
	e := Entry{Key: []byte("abc"), Value: []byte("defgh")}
	want := len("abc") + len("defgh") + 9
	if got := e.EstimatedSize(); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}
