package hashindex

import (
	"testing"

	"github.com/shaitan/eblob/internal/recordfmt"
)

func keyFor(b byte) recordfmt.Key {
	var k recordfmt.Key
	k[0] = b
	return k
}

func TestPutLookupDelete(t *testing.T) {
	idx := New()
	k := keyFor(1)

	if _, ok := idx.Lookup(k); ok {
		t.Fatal("expected miss on empty index")
	}

	idx.Put(k, Location{BaseID: 3, Offset: 128})
	loc, ok := idx.Lookup(k)
	if !ok || loc.BaseID != 3 || loc.Offset != 128 {
		t.Fatalf("unexpected lookup result: %+v, ok=%v", loc, ok)
	}

	idx.Put(k, Location{BaseID: 4, Offset: 256})
	loc, ok = idx.Lookup(k)
	if !ok || loc.BaseID != 4 {
		t.Fatalf("Put should replace previous mapping, got %+v", loc)
	}

	idx.Delete(k)
	if _, ok := idx.Lookup(k); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestPutIfAbsent(t *testing.T) {
	idx := New()
	k := keyFor(9)
	idx.Put(k, Location{BaseID: 1})
	idx.PutIfAbsent(k, Location{BaseID: 2})
	loc, _ := idx.Lookup(k)
	if loc.BaseID != 1 {
		t.Fatalf("PutIfAbsent must not overwrite existing mapping, got base %d", loc.BaseID)
	}
}

func TestLen(t *testing.T) {
	idx := New()
	for i := 0; i < 10; i++ {
		idx.Put(keyFor(byte(i)), Location{BaseID: uint64(i)})
	}
	if idx.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", idx.Len())
	}
}

func TestDeleteWhereBase(t *testing.T) {
	idx := New()
	idx.Put(keyFor(1), Location{BaseID: 5})
	idx.Put(keyFor(2), Location{BaseID: 5})
	idx.Put(keyFor(3), Location{BaseID: 6})

	idx.DeleteWhereBase(5)

	if _, ok := idx.Lookup(keyFor(1)); ok {
		t.Error("expected key 1 removed")
	}
	if _, ok := idx.Lookup(keyFor(2)); ok {
		t.Error("expected key 2 removed")
	}
	if _, ok := idx.Lookup(keyFor(3)); !ok {
		t.Error("expected key 3 to remain")
	}
}

func TestL2HashDeterministic(t *testing.T) {
	k := keyFor(77)
	if L2Hash(k) != L2Hash(k) {
		t.Fatal("L2Hash must be deterministic for the same key")
	}
}
