// Package checksum computes, writes, and verifies the integrity footers
// that trail every record payload: the chunked CRC32 layout used by new
// writes, and the legacy whole-record SHA-512 footer still accepted on
// read.
package checksum

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ChunkSize is the size in bytes of one payload chunk. Each chunk gets
// its own 4-byte CRC32 footer.
const ChunkSize = 1 << 20 // 1,048,576

// FooterUnit is the width in bytes of a single CRC32 footer value,
// whether it covers one chunk or the footer region's own summary.
const FooterUnit = 4

// LegacyFooterSize is the width of the pre-chunked footer: a 64-byte
// SHA-512 digest followed by the 8-byte original record offset.
const LegacyFooterSize = sha512.Size + 8

// ErrChecksumMismatch is returned when a stored footer disagrees with
// the data it covers.
var ErrChecksumMismatch = errors.New("checksum: mismatch")

var crcTable = crc32.IEEETable

// FooterBytes returns the number of footer-region bytes a chunked
// record of dataSize payload bytes reserves: one 4-byte CRC32 per
// chunk plus one trailing 4-byte summary over the footer region
// itself. FooterBytes(0) is 0 — an empty payload carries no footers.
func FooterBytes(dataSize uint64) uint64 {
	if dataSize == 0 {
		return 0
	}
	footersCount := (dataSize-1)/ChunkSize + 2
	return footersCount * FooterUnit
}

// chunkCount returns the number of per-chunk footers (N) a record of
// dataSize payload bytes carries, not counting the trailing summary.
func chunkCount(dataSize uint64) uint64 {
	if dataSize == 0 {
		return 0
	}
	return FooterBytes(dataSize)/FooterUnit - 1
}

// FooterOffset returns the offset, measured from the start of the
// payload (i.e. immediately after the DC header), at which the footer
// region begins for a record whose on-disk footprint after the header
// is afterHeaderSize bytes (payload + footer region, already aligned
// down to the actual committed size — callers pass the unpadded
// data_size + footer_bytes(data_size), not the aligned disk_size).
func FooterOffset(afterHeaderSize uint64) uint64 {
	if afterHeaderSize < FooterUnit {
		return afterHeaderSize
	}
	size := afterHeaderSize - FooterUnit
	n := (size-1)/(ChunkSize+FooterUnit) + 1
	return afterHeaderSize - (n+1)*FooterUnit
}

// ReaderWriterAt is the random-access file handle the footer
// engine reads from and writes to; satisfied by *os.File.
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// chunkCRC32 computes the CRC32 of the payload chunk [chunkIdx*ChunkSize,
// min((chunkIdx+1)*ChunkSize, dataSize)) read from r at payloadStart.
func chunkCRC32(r io.ReaderAt, payloadStart int64, dataSize uint64, chunkIdx uint64) (uint32, error) {
	start := chunkIdx * ChunkSize
	end := start + ChunkSize
	if end > dataSize {
		end = dataSize
	}
	buf := make([]byte, end-start)
	if _, err := r.ReadAt(buf, payloadStart+int64(start)); err != nil && err != io.EOF {
		return 0, fmt.Errorf("checksum: read chunk %d: %w", chunkIdx, err)
	}
	return crc32.Checksum(buf, crcTable), nil
}

// CommitFull computes and writes the entire footer region (every
// per-chunk CRC32 plus the trailing summary) for a freshly-written
// record whose payload of dataSize bytes starts at payloadStart.
func CommitFull(rw ReaderWriterAt, payloadStart int64, dataSize uint64) error {
	return commitRange(rw, payloadStart, dataSize, 0, dataSize)
}

// CommitRange recomputes and rewrites exactly the per-chunk footers
// covering [offset, offset+size) plus the trailing summary footer
// (which always spans the whole footer region, since it is a CRC32
// over the footer bytes themselves).
func CommitRange(rw ReaderWriterAt, payloadStart int64, dataSize uint64, offset, size uint64) error {
	return commitRange(rw, payloadStart, dataSize, offset, size)
}

func commitRange(rw ReaderWriterAt, payloadStart int64, dataSize, offset, size uint64) error {
	if dataSize == 0 {
		return nil
	}
	n := chunkCount(dataSize)
	footerRegionStart := payloadStart + int64(FooterOffset(dataSize+FooterBytes(dataSize)))

	first := offset / ChunkSize
	last := (offset + size - 1) / ChunkSize
	if size == 0 {
		last = first
	}
	if last >= n {
		last = n - 1
	}

	for chunk := first; chunk <= last; chunk++ {
		csum, err := chunkCRC32(rw, payloadStart, dataSize, chunk)
		if err != nil {
			return err
		}
		var footer [FooterUnit]byte
		binary.LittleEndian.PutUint32(footer[:], csum)
		if _, err := rw.WriteAt(footer[:], footerRegionStart+int64(chunk*FooterUnit)); err != nil {
			return fmt.Errorf("checksum: write chunk footer %d: %w", chunk, err)
		}
	}

	// The summary footer covers the whole per-chunk footer region, so
	// any partial-range commit still needs to re-read all of it.
	region := make([]byte, n*FooterUnit)
	if _, err := rw.ReadAt(region, footerRegionStart); err != nil && err != io.EOF {
		return fmt.Errorf("checksum: read footer region: %w", err)
	}
	var summary [FooterUnit]byte
	binary.LittleEndian.PutUint32(summary[:], crc32.Checksum(region, crcTable))
	if _, err := rw.WriteAt(summary[:], footerRegionStart+int64(n*FooterUnit)); err != nil {
		return fmt.Errorf("checksum: write summary footer: %w", err)
	}
	return nil
}

// Verify recomputes CRC32s for the chunks covering [offset, offset+size)
// and compares them against the stored per-chunk footers. If the range
// covers the whole record (offset == 0 && size == dataSize), the
// summary footer is also checked.
func Verify(r io.ReaderAt, payloadStart int64, dataSize uint64, offset, size uint64) error {
	if dataSize == 0 {
		return nil
	}
	n := chunkCount(dataSize)
	footerRegionStart := payloadStart + int64(FooterOffset(dataSize+FooterBytes(dataSize)))

	first := offset / ChunkSize
	last := (offset + size - 1) / ChunkSize
	if size == 0 {
		last = first
	}
	if last >= n {
		last = n - 1
	}

	for chunk := first; chunk <= last; chunk++ {
		want, err := chunkCRC32(r, payloadStart, dataSize, chunk)
		if err != nil {
			return err
		}
		var stored [FooterUnit]byte
		if _, err := r.ReadAt(stored[:], footerRegionStart+int64(chunk*FooterUnit)); err != nil && err != io.EOF {
			return fmt.Errorf("checksum: read chunk footer %d: %w", chunk, err)
		}
		if binary.LittleEndian.Uint32(stored[:]) != want {
			return fmt.Errorf("%w: chunk %d", ErrChecksumMismatch, chunk)
		}
	}

	if offset == 0 && size == dataSize {
		region := make([]byte, n*FooterUnit)
		if _, err := r.ReadAt(region, footerRegionStart); err != nil && err != io.EOF {
			return fmt.Errorf("checksum: read footer region: %w", err)
		}
		var summary [FooterUnit]byte
		if _, err := r.ReadAt(summary[:], footerRegionStart+int64(n*FooterUnit)); err != nil && err != io.EOF {
			return fmt.Errorf("checksum: read summary footer: %w", err)
		}
		if binary.LittleEndian.Uint32(summary[:]) != crc32.Checksum(region, crcTable) {
			return fmt.Errorf("%w: summary", ErrChecksumMismatch)
		}
	}
	return nil
}

// CommitLegacy writes the 64-byte SHA-512 over the payload plus the
// 8-byte original offset. New writes never use this path; it exists so
// tests can construct legacy-format fixtures.
func CommitLegacy(rw ReaderWriterAt, payloadStart int64, dataSize uint64, originalOffset uint64, footerStart int64) error {
	buf := make([]byte, dataSize)
	if _, err := rw.ReadAt(buf, payloadStart); err != nil && err != io.EOF {
		return fmt.Errorf("checksum: read payload: %w", err)
	}
	sum := sha512.Sum512(buf)
	var footer [LegacyFooterSize]byte
	copy(footer[:sha512.Size], sum[:])
	binary.LittleEndian.PutUint64(footer[sha512.Size:], originalOffset)
	if _, err := rw.WriteAt(footer[:], footerStart); err != nil {
		return fmt.Errorf("checksum: write legacy footer: %w", err)
	}
	return nil
}

// VerifyLegacy checks the legacy whole-record SHA-512 footer. A
// zero-filled stored digest is accepted as "unchecked" per the
// original format's convention — it disables verification for that
// record rather than failing it.
func VerifyLegacy(r io.ReaderAt, payloadStart int64, dataSize uint64, footerStart int64) error {
	var footer [LegacyFooterSize]byte
	if _, err := r.ReadAt(footer[:], footerStart); err != nil && err != io.EOF {
		return fmt.Errorf("checksum: read legacy footer: %w", err)
	}
	stored := footer[:sha512.Size]
	if isZero(stored) {
		return nil
	}
	buf := make([]byte, dataSize)
	if _, err := r.ReadAt(buf, payloadStart); err != nil && err != io.EOF {
		return fmt.Errorf("checksum: read payload: %w", err)
	}
	sum := sha512.Sum512(buf)
	if !bytes.Equal(sum[:], stored) {
		return fmt.Errorf("%w: legacy digest", ErrChecksumMismatch)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
