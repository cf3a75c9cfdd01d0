package backend

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/datasort"
	"github.com/shaitan/eblob/internal/eblobcfg"
	"github.com/shaitan/eblob/internal/recordfmt"
	"github.com/shaitan/eblob/internal/stat"
)

// keyOf derives a 64-byte key from an arbitrary string: SHA-512 of a
// string happens to be exactly 64 bytes.
func keyOf(s string) recordfmt.Key {
	var k recordfmt.Key
	sum := sha512.Sum512([]byte(s))
	copy(k[:], sum[:])
	return k
}

func openScenario(t *testing.T, dir string, cfg eblobcfg.Config) *Backend {
	t.Helper()
	cfg.File = dir
	be, err := Open(dir, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

// corruptByte overwrites a single byte of path at off and returns the
// original byte so the caller can restore it.
func corruptByte(t *testing.T, path string, off int64, b byte) byte {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var orig [1]byte
	if _, err := f.ReadAt(orig[:], off); err != nil {
		t.Fatalf("read %s@%d: %v", path, off, err)
	}
	if _, err := f.WriteAt([]byte{b}, off); err != nil {
		t.Fatalf("write %s@%d: %v", path, off, err)
	}
	return orig[0]
}

// TestScenarioHeaderCorruption corrupts byte 0 of the data file (part
// of the DC header's key field), which must surface as
// HeaderInconsistent, never as a checksum failure, and must never set
// CORRUPTED or increment RecordsCorrupted.
func TestScenarioHeaderCorruption(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{})

	key := keyOf("some key")
	payload := []byte("some data\x00")
	wc, err := be.Write(key, payload, 0, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := be.VerifyChecksum(0, wc); err != nil {
		t.Fatalf("VerifyChecksum before corruption: %v", err)
	}

	dataPath := blobfile.DataPath(dir, 0)
	orig := corruptByte(t, dataPath, 0, 'a')

	if _, err := be.Read(key, ModeCSUM); !errors.Is(err, ErrHeaderInconsistent) {
		t.Fatalf("Read after header corruption: got %v, want ErrHeaderInconsistent", err)
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 0 {
		t.Fatalf("RecordsCorrupted = %d, want 0", got)
	}

	corruptByte(t, dataPath, 0, orig)

	got, err := be.Read(key, ModeCSUM)
	if err != nil {
		t.Fatalf("Read after restoring header: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch after restore: got %q, want %q", got, payload)
	}
}

// TestScenarioDataCorruption corrupts the first payload byte, which
// must fail ModeCSUM reads with ChecksumMismatch, set CORRUPTED,
// survive a restart, and clear on remove.
func TestScenarioDataCorruption(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{})

	key := keyOf("some key")
	payload := []byte("some data\x00")
	wc, err := be.Write(key, payload, 0, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	dataPath := blobfile.DataPath(dir, 0)
	corruptByte(t, dataPath, int64(wc.DataOffset), 'a')

	if err := be.VerifyChecksum(0, wc); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("VerifyChecksum: got %v, want ErrChecksumMismatch", err)
	}
	if _, err := be.Read(key, ModeCSUM); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Read(CSUM): got %v, want ErrChecksumMismatch", err)
	}
	if got, err := be.Read(key, ModeNOCSUM); err != nil {
		t.Fatalf("Read(NOCSUM): %v", err)
	} else if !bytes.Equal(got, []byte("aome data\x00")) {
		t.Fatalf("Read(NOCSUM) payload = %q", got)
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 1 {
		t.Fatalf("RecordsCorrupted = %d, want 1", got)
	}

	be.Close()
	be2 := openScenario(t, dir, eblobcfg.Config{})
	if got := be2.StatGet(stat.RecordsCorrupted); got != 1 {
		t.Fatalf("RecordsCorrupted after restart = %d, want 1", got)
	}

	if err := be2.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := be2.StatGet(stat.RecordsCorrupted); got != 0 {
		t.Fatalf("RecordsCorrupted after remove = %d, want 0", got)
	}
}

// TestScenarioFooterCorruption corrupts a chunk footer byte instead of
// a payload byte and expects identical behavior to plain data
// corruption.
func TestScenarioFooterCorruption(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{})

	key := keyOf("some key")
	payload := bytes.Repeat([]byte("x"), 64)
	wc, err := be.Write(key, payload, 0, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	footerOffset := int64(wc.DataOffset) + int64(len(payload))
	corruptByte(t, blobfile.DataPath(dir, 0), footerOffset, 0xFF)

	if err := be.VerifyChecksum(0, wc); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("VerifyChecksum: got %v, want ErrChecksumMismatch", err)
	}
	if _, err := be.Read(key, ModeCSUM); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Read(CSUM): got %v, want ErrChecksumMismatch", err)
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 1 {
		t.Fatalf("RecordsCorrupted = %d, want 1", got)
	}
}

// TestScenarioInspectionSweep runs a full inspection sweep over 1,000
// keys, every 10th corrupted.
func TestScenarioInspectionSweep(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{})

	const n = 1000
	keys := make([]recordfmt.Key, n)
	wcs := make([]blobfile.WriteControl, n)
	for i := 0; i < n; i++ {
		keys[i] = keyOf(string(rune('a')) + strconv.Itoa(i))
		wc, err := be.Write(keys[i], []byte("payload"), 0, 0)
		if err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		wcs[i] = wc
	}

	dataPath := blobfile.DataPath(dir, 0)
	for i := 9; i < n; i += 10 {
		corruptByte(t, dataPath, int64(wcs[i].DataOffset), 0xFE)
	}

	if err := be.Inspect(); err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 100 {
		t.Fatalf("RecordsCorrupted after inspection = %d, want 100", got)
	}

	if _, err := be.Read(keys[9], ModeCSUM); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Read corrupted key: got %v, want ErrChecksumMismatch", err)
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 100 {
		t.Fatalf("RecordsCorrupted after re-reading a corrupted key = %d, want unchanged 100", got)
	}

	if err := be.Remove(keys[9]); err != nil {
		t.Fatalf("Remove corrupted key: %v", err)
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 99 {
		t.Fatalf("RecordsCorrupted after removing one corrupted key = %d, want 99", got)
	}

	if _, err := be.Write(keys[19], []byte("rewritten"), 0, 0); err != nil {
		t.Fatalf("rewrite corrupted key: %v", err)
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 98 {
		t.Fatalf("RecordsCorrupted after rewriting a corrupted key = %d, want 98", got)
	}

	for i := 29; i < n; i += 10 {
		be.Remove(keys[i])
	}
	if got := be.StatGet(stat.RecordsCorrupted); got != 0 {
		t.Fatalf("RecordsCorrupted after removing all corrupted keys = %d, want 0", got)
	}
	if got := be.StatGet(stat.CorruptedSize); got != 0 {
		t.Fatalf("CorruptedSize after removing all corrupted keys = %d, want 0", got)
	}
}

// TestScenarioMergeTwoBases merges two 50%-dead bases into one base of
// 10 records in strictly increasing, key-sorted offset order.
func TestScenarioMergeTwoBases(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{RecordsInBlob: 10})

	var keys []recordfmt.Key
	for i := 0; i < 20; i++ {
		k := keyOf("merge-" + strconv.Itoa(i))
		keys = append(keys, k)
		if _, err := be.Write(k, []byte("v"), 0, 0); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if got := len(be.snapshotBases()); got != 2 {
		t.Fatalf("expected 2 bases after 20 writes with RecordsInBlob=10, got %d", got)
	}

	for i := 0; i < 5; i++ {
		be.Remove(keys[i])
	}
	for i := 10; i < 15; i++ {
		be.Remove(keys[i])
	}

	if err := be.StartDefragInDir(datasort.ModeDataSort, "", []uint64{0, 1}); err != nil {
		t.Fatalf("StartDefragInDir: %v", err)
	}

	bases := be.snapshotBases()
	if len(bases) != 1 {
		t.Fatalf("expected 1 base after merge, got %d", len(bases))
	}

	var count int
	var lastOffset int64 = -1
	err := bases[0].Iterate(blobfile.IterLive, func(hdr recordfmt.Header, r blobfile.RecordReader, dataOffset int64) error {
		if dataOffset <= lastOffset {
			t.Fatalf("data_offset not strictly increasing: %d after %d", dataOffset, lastOffset)
		}
		lastOffset = dataOffset
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if count != 10 {
		t.Fatalf("merged base has %d live records, want 10", count)
	}
}

// TestScenarioSortedViewReuse: with USE_VIEWS enabled and
// single_pass_file_size_threshold = 0, re-sorting an already-sorted
// single base increments ViewUsed by exactly 1 and never reports
// SinglePassViewUsed.
func TestScenarioSortedViewReuse(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{
		BlobFlags: eblobcfg.UseViews,
	})

	for i := 0; i < 10; i++ {
		if _, err := be.Write(keyOf("view-"+strconv.Itoa(i)), []byte("v"), 0, 0); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if err := be.StartDefragInDir(datasort.ModeDataSort, "", []uint64{0}); err != nil {
		t.Fatalf("first sort: %v", err)
	}
	if got := be.StatGet(stat.DatasortViewUsed); got != 0 {
		t.Fatalf("ViewUsed after first (non-view) sort = %d, want 0", got)
	}

	sortedID := be.snapshotBases()[0].ID
	for i := 0; i < 5; i++ {
		if err := be.Remove(keyOf("view-" + strconv.Itoa(i))); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}

	if err := be.StartDefragInDir(datasort.ModeDataSort, "", []uint64{sortedID}); err != nil {
		t.Fatalf("second sort: %v", err)
	}
	if got := be.StatGet(stat.DatasortViewUsed); got != 1 {
		t.Fatalf("ViewUsed after second sort = %d, want 1", got)
	}
	if got := be.StatGet(stat.DatasortSinglePassViewUsed); got != 0 {
		t.Fatalf("SinglePassViewUsed with threshold=0 = %d, want 0", got)
	}
}

func TestScenarioSortedViewReuseSinglePassThreshold(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{
		BlobFlags:                   eblobcfg.UseViews,
		SinglePassFileSizeThreshold: 1,
	})

	for i := 0; i < 4; i++ {
		if _, err := be.Write(keyOf("sp-"+strconv.Itoa(i)), []byte("v"), 0, 0); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if err := be.StartDefragInDir(datasort.ModeDataSort, "", []uint64{0}); err != nil {
		t.Fatalf("first sort: %v", err)
	}
	sortedID := be.snapshotBases()[0].ID
	if err := be.Remove(keyOf("sp-0")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := be.StartDefragInDir(datasort.ModeDataSort, "", []uint64{sortedID}); err != nil {
		t.Fatalf("second sort: %v", err)
	}
	if got := be.StatGet(stat.DatasortViewUsed); got != 1 {
		t.Fatalf("ViewUsed = %d, want 1", got)
	}
	if got := be.StatGet(stat.DatasortSinglePassViewUsed); got != 1 {
		t.Fatalf("SinglePassViewUsed with threshold=1 = %d, want 1", got)
	}
}

