// Package recordfmt encodes and decodes the on-disk disk-control (DC)
// header that prefixes every record in a base's data and index files.
package recordfmt

import (
	"encoding/binary"
	"fmt"
)

// KeySize is the width of a record key in bytes.
const KeySize = 64

// HeaderSize is the packed, little-endian size of a DC header on disk.
const HeaderSize = KeySize + 8 + 8 + 8 + 8

// Flag bits carried in the DC header. Upper bits are reserved for
// user-defined flags and are preserved verbatim across encode/decode.
const (
	FlagRemoved     uint64 = 1 << 0
	FlagNoCsum      uint64 = 1 << 1
	FlagChunkedCsum uint64 = 1 << 2
	FlagCorrupted   uint64 = 1 << 3

	// UserFlagShift marks the start of the caller-reserved flag range.
	UserFlagShift = 32
)

// Key is a fixed-width opaque record identifier. Lookups and ordering
// use lexicographic compare on the raw bytes.
type Key [KeySize]byte

// Header is the fixed-size record prefix written at the start of a
// record in both the data file and the index file.
type Header struct {
	Key      Key
	Flags    uint64
	DataSize uint64 // payload bytes
	DiskSize uint64 // payload + padding + footers, aligned
	Offset   uint64 // offset of this DC within its data file
}

// HasFlag reports whether all bits in mask are set.
func (h Header) HasFlag(mask uint64) bool { return h.Flags&mask == mask }

func (h *Header) setFlag(mask uint64, on bool) {
	if on {
		h.Flags |= mask
	} else {
		h.Flags &^= mask
	}
}

// SetRemoved flips the REMOVED bit.
func (h *Header) SetRemoved(on bool) { h.setFlag(FlagRemoved, on) }

// SetCorrupted flips the CORRUPTED bit.
func (h *Header) SetCorrupted(on bool) { h.setFlag(FlagCorrupted, on) }

// Encode writes the header into dst in the on-disk little-endian
// layout. dst must be at least HeaderSize bytes.
func Encode(h Header, dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("recordfmt: encode buffer too small: %d < %d", len(dst), HeaderSize)
	}
	copy(dst[0:KeySize], h.Key[:])
	binary.LittleEndian.PutUint64(dst[64:72], h.Flags)
	binary.LittleEndian.PutUint64(dst[72:80], h.DataSize)
	binary.LittleEndian.PutUint64(dst[80:88], h.DiskSize)
	binary.LittleEndian.PutUint64(dst[88:96], h.Offset)
	return nil
}

// Decode parses a header out of src, which must be at least
// HeaderSize bytes.
func Decode(src []byte) (Header, error) {
	var h Header
	if len(src) < HeaderSize {
		return h, fmt.Errorf("recordfmt: decode buffer too small: %d < %d", len(src), HeaderSize)
	}
	copy(h.Key[:], src[0:KeySize])
	h.Flags = binary.LittleEndian.Uint64(src[64:72])
	h.DataSize = binary.LittleEndian.Uint64(src[72:80])
	h.DiskSize = binary.LittleEndian.Uint64(src[80:88])
	h.Offset = binary.LittleEndian.Uint64(src[88:96])
	return h, nil
}

// AlignUp rounds size up to the next multiple of alignment.
// alignment must be a power of two.
func AlignUp(size, alignment uint64) uint64 {
	if alignment == 0 {
		return size
	}
	return (size + alignment - 1) &^ (alignment - 1)
}

// DiskSize computes the aligned on-disk footprint of a record given
// its payload size, the already-committed total data size (for
// in-place overwrites that must not shrink disk_size), the footer
// region size and the alignment (min of filesystem block size and a
// fixed ceiling, typically 4096).
func DiskSize(size, totalDataSize, footerBytes, alignment uint64) uint64 {
	payload := size
	if totalDataSize > payload {
		payload = totalDataSize
	}
	return AlignUp(HeaderSize+payload+footerBytes, alignment)
}
