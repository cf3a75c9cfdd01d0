package recordfmt

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Flags:    FlagChunkedCsum,
		DataSize: 12345,
		DiskSize: 16384,
		Offset:   98765,
	}
	copy(h.Key[:], bytes.Repeat([]byte{0x42}, KeySize))

	buf := make([]byte, HeaderSize)
	if err := Encode(h, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, h)
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	var h Header
	if err := Encode(h, make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestDecodeBufferTooSmall(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestHasFlag(t *testing.T) {
	h := Header{Flags: FlagRemoved | FlagCorrupted}
	if !h.HasFlag(FlagRemoved) {
		t.Error("expected FlagRemoved set")
	}
	if h.HasFlag(FlagNoCsum) {
		t.Error("did not expect FlagNoCsum set")
	}
	if !h.HasFlag(FlagRemoved | FlagCorrupted) {
		t.Error("expected both flags set")
	}
}

func TestSetRemovedSetCorrupted(t *testing.T) {
	var h Header
	h.SetRemoved(true)
	if !h.HasFlag(FlagRemoved) {
		t.Error("SetRemoved(true) did not set flag")
	}
	h.SetRemoved(false)
	if h.HasFlag(FlagRemoved) {
		t.Error("SetRemoved(false) did not clear flag")
	}
	h.SetCorrupted(true)
	if !h.HasFlag(FlagCorrupted) {
		t.Error("SetCorrupted(true) did not set flag")
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ size, alignment, want uint64 }{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{100, 0, 100},
	}
	for _, tc := range cases {
		if got := AlignUp(tc.size, tc.alignment); got != tc.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tc.size, tc.alignment, got, tc.want)
		}
	}
}

func TestDiskSize(t *testing.T) {
	// A fresh write: totalDataSize is 0, so payload size drives disk_size.
	got := DiskSize(100, 0, 16, 4096)
	want := AlignUp(HeaderSize+100+16, 4096)
	if got != want {
		t.Errorf("DiskSize fresh write = %d, want %d", got, want)
	}

	// An in-place overwrite that is smaller than the existing record
	// must not shrink disk_size below what was already committed.
	got = DiskSize(50, 100, 16, 4096)
	want = AlignUp(HeaderSize+100+16, 4096)
	if got != want {
		t.Errorf("DiskSize overwrite = %d, want %d", got, want)
	}
}
