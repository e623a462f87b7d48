package encoding

import (
	"reflect"
	"testing"

	"queryreg/pkg/replmap"
)

func TestSnapshotCodec_RoundTrip(t *testing.T) {
	codec, err := NewSnapshotCodec()
	if err != nil {
		t.Fatalf("NewSnapshotCodec failed: %v", err)
	}

	entries := []replmap.RawEntry{
		{Key: "Order/state/1", Text: "SELECT o FROM Order o WHERE o.state = :s", Rev: 3},
		{Key: "User/active", Text: "SELECT u FROM User u WHERE u.active = :a", Rev: 7},
		{Key: "gone", Rev: 9, Deleted: true},
	}

	data, err := codec.Encode(entries)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// codec writes key order regardless of input order
	want := []replmap.RawEntry{entries[0], entries[1], entries[2]}
	if !reflect.DeepEqual(decoded, want) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", decoded, want)
	}
}

func TestSnapshotCodec_DeterministicAcrossOrder(t *testing.T) {
	codec, err := NewSnapshotCodec()
	if err != nil {
		t.Fatalf("NewSnapshotCodec failed: %v", err)
	}

	a := []replmap.RawEntry{
		{Key: "a", Text: "SELECT o FROM Order o", Rev: 1},
		{Key: "b", Text: "SELECT u FROM User u", Rev: 2},
	}
	b := []replmap.RawEntry{a[1], a[0]}

	da, err := codec.Encode(a)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	db, err := codec.Encode(b)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if !reflect.DeepEqual(da, db) {
		t.Fatal("equal states must encode identically regardless of entry order")
	}
}

func TestSnapshotCodec_EmptyState(t *testing.T) {
	codec, err := NewSnapshotCodec()
	if err != nil {
		t.Fatalf("NewSnapshotCodec failed: %v", err)
	}

	data, err := codec.Encode(nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty state, got %+v", decoded)
	}
}

func TestSnapshotCodec_RejectsGarbage(t *testing.T) {
	codec, err := NewSnapshotCodec()
	if err != nil {
		t.Fatalf("NewSnapshotCodec failed: %v", err)
	}

	if _, err := codec.Decode([]byte("not a snapshot")); err == nil {
		t.Fatal("expected an error for garbage input")
	}
}
