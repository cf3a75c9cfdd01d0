package blobfile

import (
	"bytes"
	"crypto/sha512"
	"os"
	"testing"

	"github.com/shaitan/eblob/internal/bloomfilter"
	"github.com/shaitan/eblob/internal/hashindex"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// keyOf derives a 64-byte key from an arbitrary string: SHA-512 of a
// string happens to be exactly 64 bytes.
func keyOf(s string) recordfmt.Key {
	var k recordfmt.Key
	sum := sha512.Sum512([]byte(s))
	copy(k[:], sum[:])
	return k
}

func openTestBase(t *testing.T) *Base {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(dir, 0, 4096, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b.SetActive(true)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAppendReadRoundTrip(t *testing.T) {
	b := openTestBase(t)
	key := keyOf("some key")
	payload := []byte("some data\x00")

	wc, err := b.Append(key, payload, 0, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := b.ReadAt(wc.IndexOffset, ModeCSUM)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, payload)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	b := openTestBase(t)
	key := keyOf("removable")
	wc, err := b.Append(key, []byte("data"), 0, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := b.RemoveAt(wc.IndexOffset); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	statsAfterFirst := b.Stat()

	if _, err := b.RemoveAt(wc.IndexOffset); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	statsAfterSecond := b.Stat()

	if statsAfterFirst != statsAfterSecond {
		t.Fatalf("second remove changed stats: %+v -> %+v", statsAfterFirst, statsAfterSecond)
	}

	if _, err := b.ReadAt(wc.IndexOffset, ModeCSUM); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestHeaderCorruptionScenario(t *testing.T) {
	b := openTestBase(t)
	key := keyOf("some key")
	payload := []byte("some data\x00")

	wc, err := b.Append(key, payload, 0, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := b.VerifyChecksum(wc); err != nil {
		t.Fatalf("VerifyChecksum before corruption: %v", err)
	}

	var orig [1]byte
	if _, err := b.dataFile.ReadAt(orig[:], 0); err != nil {
		t.Fatalf("read original byte: %v", err)
	}
	if _, err := b.dataFile.WriteAt([]byte{'a'}, 0); err != nil {
		t.Fatalf("corrupt header byte: %v", err)
	}

	if err := b.VerifyChecksum(wc); err != nil {
		t.Fatalf("VerifyChecksum should still pass on header corruption: %v", err)
	}

	if _, err := b.ReadAt(wc.IndexOffset, ModeCSUM); err != ErrHeaderInconsistent {
		t.Fatalf("expected ErrHeaderInconsistent, got %v", err)
	}
	if b.Stat().CorruptedCount != 0 {
		t.Fatalf("header corruption must not increment RecordsCorrupted")
	}

	if _, err := b.dataFile.WriteAt(orig[:], 0); err != nil {
		t.Fatalf("restore byte: %v", err)
	}
	if _, err := b.ReadAt(wc.IndexOffset, ModeCSUM); err != nil {
		t.Fatalf("ReadAt after restore: %v", err)
	}
}

func TestDataCorruptionScenario(t *testing.T) {
	b := openTestBase(t)
	key := keyOf("some key")
	payload := []byte("some data\x00")

	wc, err := b.Append(key, payload, 0, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := b.dataFile.WriteAt([]byte{'a'}, int64(wc.DataOffset)); err != nil {
		t.Fatalf("corrupt payload byte: %v", err)
	}

	if err := b.VerifyChecksum(wc); err == nil {
		t.Fatal("expected checksum mismatch on corrupted payload")
	}
	if _, err := b.ReadAt(wc.IndexOffset, ModeCSUM); err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if _, err := b.ReadAt(wc.IndexOffset, ModeNOCSUM); err != nil {
		t.Fatalf("NOCSUM read should still succeed: %v", err)
	}
	if b.Stat().CorruptedCount != 1 {
		t.Fatalf("expected RecordsCorrupted=1, got %d", b.Stat().CorruptedCount)
	}

	if _, err := b.RemoveAt(wc.IndexOffset); err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}
	if b.Stat().CorruptedCount != 0 {
		t.Fatalf("expected RecordsCorrupted back to 0 after remove, got %d", b.Stat().CorruptedCount)
	}
}

func TestOverwriteInPlace(t *testing.T) {
	b := openTestBase(t)
	key := keyOf("overwrite-me")
	wc, err := b.Append(key, []byte("0123456789"), 0, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	wc2, err := b.OverwriteAt(wc.IndexOffset, []byte("XYZ"), 2)
	if err != nil {
		t.Fatalf("OverwriteAt: %v", err)
	}
	got, err := b.ReadAt(wc2.IndexOffset, ModeCSUM)
	if err != nil {
		t.Fatalf("ReadAt after overwrite: %v", err)
	}
	if string(got) != "01XYZ56789" {
		t.Fatalf("overwrite result = %q, want %q", got, "01XYZ56789")
	}
}

func TestIterateSkipsRemoved(t *testing.T) {
	b := openTestBase(t)
	keepKey := keyOf("keep")
	dropKey := keyOf("drop")
	if _, err := b.Append(keepKey, []byte("keep"), 0, 0); err != nil {
		t.Fatalf("Append keep: %v", err)
	}
	wcDrop, err := b.Append(dropKey, []byte("drop"), 0, 0)
	if err != nil {
		t.Fatalf("Append drop: %v", err)
	}
	if _, err := b.RemoveAt(wcDrop.IndexOffset); err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}

	var seen []recordfmt.Key
	err = b.Iterate(IterLive, func(hdr recordfmt.Header, r RecordReader, dataOffset int64) error {
		seen = append(seen, hdr.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(seen) != 1 || seen[0] != keepKey {
		t.Fatalf("Iterate(IterLive) visited %v, want only keepKey", seen)
	}

	seen = nil
	if err := b.Iterate(IterAll, func(hdr recordfmt.Header, r RecordReader, dataOffset int64) error {
		seen = append(seen, hdr.Key)
		return nil
	}); err != nil {
		t.Fatalf("Iterate(IterAll): %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("Iterate(IterAll) visited %d records, want 2", len(seen))
	}
}

func TestLookupKeySortedBase(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, 0, 4096, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	b.SetActive(true)

	// Keys appended in ascending order, so the index file is already
	// key-sorted and can be published as the sorted sidecar directly.
	var keys []recordfmt.Key
	for i := 0; i < 8; i++ {
		var k recordfmt.Key
		k[0] = byte(i + 1)
		keys = append(keys, k)
		if _, err := b.Append(k, []byte{byte(i)}, 0, 0); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	data, err := os.ReadFile(IndexPath(dir, 0))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if err := os.WriteFile(SortedIndexPath(dir, 0), data, 0o644); err != nil {
		t.Fatalf("write sorted sidecar: %v", err)
	}
	if err := b.MarkSorted(); err != nil {
		t.Fatalf("MarkSorted: %v", err)
	}

	off, ok := b.LookupKey(keys[3])
	if !ok || off != 3*recordfmt.HeaderSize {
		t.Fatalf("LookupKey(keys[3]) = (%d, %v), want (%d, true)", off, ok, 3*recordfmt.HeaderSize)
	}

	var absent recordfmt.Key
	absent[0] = 0xEE
	if _, ok := b.LookupKey(absent); ok {
		t.Fatal("LookupKey found a key that was never written")
	}

	if _, err := b.RemoveAt(off); err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}
	if _, ok := b.LookupKey(keys[3]); ok {
		t.Fatal("LookupKey must not report a removed record")
	}
}

func TestMightContainKeyLoadsBloomSidecar(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, 0, 4096, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b.SetActive(true)
	present := keyOf("present")
	absent := keyOf("absent")
	if _, err := b.Append(present, []byte("data"), 0, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Without a sorted index sidecar, MightContainKey has nothing to
	// rule a key out with, so it must conservatively report true.
	b, err = Open(dir, 0, 4096, false, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !b.MightContainKey(present) || !b.MightContainKey(absent) {
		t.Fatalf("MightContainKey without a bloom sidecar must always report true")
	}
	b.Close()

	// Simulate what datasort writes: a sorted index copy plus a
	// header-prefixed bloom sidecar covering only `present`.
	if err := os.WriteFile(SortedIndexPath(dir, 0), nil, 0o644); err != nil {
		t.Fatalf("write sorted index stub: %v", err)
	}
	bloom := bloomfilter.New(1024, bloomHashesPerFilter)
	bloom.Add(hashindex.L2Hash(present))
	hdr := recordfmt.SidecarHeader{Kind: recordfmt.SidecarKindBloom}.Encode()
	payload := append(hdr[:], bloom.Bytes()...)
	if err := os.WriteFile(BloomPath(dir, 0), payload, 0o644); err != nil {
		t.Fatalf("write bloom sidecar: %v", err)
	}

	b, err = Open(dir, 0, 4096, false, nil)
	if err != nil {
		t.Fatalf("reopen with sidecar: %v", err)
	}
	defer b.Close()
	if !b.MightContainKey(present) {
		t.Fatalf("MightContainKey(present) = false, want true")
	}
	if b.MightContainKey(absent) {
		t.Fatalf("MightContainKey(absent) = true, want false (bloom filter should rule it out)")
	}
}
