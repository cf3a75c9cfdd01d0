package backend

import (
	"bytes"
	"errors"
	"strconv"
	"testing"

	"github.com/shaitan/eblob/internal/datasort"
	"github.com/shaitan/eblob/internal/eblobcfg"
)

func TestReadFallsBackToSortedIndex(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{})

	key := keyOf("fallback")
	payload := []byte("payload")
	for i := 0; i < 10; i++ {
		if _, err := be.Write(keyOf("fb-"+strconv.Itoa(i)), payload, 0, 0); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if _, err := be.Write(key, payload, 0, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := be.StartDefragInDir(datasort.ModeDataSort, "", []uint64{0}); err != nil {
		t.Fatalf("StartDefragInDir: %v", err)
	}

	// Drop the key from the in-RAM index; the sorted base's
	// bloom-guarded sorted sidecar must still resolve the read.
	be.index.Delete(key)

	got, err := be.Read(key, ModeCSUM)
	if err != nil {
		t.Fatalf("Read after index drop: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("fallback read payload = %q, want %q", got, payload)
	}
}

func TestWriteSizeLimit(t *testing.T) {
	dir := t.TempDir()
	be := openScenario(t, dir, eblobcfg.Config{BlobSizeLimit: 1})

	if _, err := be.Write(keyOf("first"), []byte("fits"), 0, 0); err != nil {
		t.Fatalf("first write should land below the limit: %v", err)
	}
	if _, err := be.Write(keyOf("second"), []byte("rejected"), 0, 0); !errors.Is(err, ErrSizeLimit) {
		t.Fatalf("second write: got %v, want ErrSizeLimit", err)
	}
}
