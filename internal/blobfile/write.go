package blobfile

import (
	"fmt"

	"github.com/shaitan/eblob/internal/checksum"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// footerBytesFor returns the footer-region size a record of dataSize
// payload bytes reserves, honoring the record's NOCSUM flag and the
// store-wide NO_FOOTER setting.
func (b *Base) footerBytesFor(dataSize uint64, flags uint64) uint64 {
	if b.NoFooter || flags&recordfmt.FlagNoCsum != 0 {
		return 0
	}
	return checksum.FooterBytes(dataSize)
}

// Append writes a brand-new record copy at the end of the data file
// and a matching DC entry at the end of the index file. New writes
// always use the chunked checksum layout; the legacy SHA-512 footer
// format is read-only and never produced by this code.
//
// offset lets a caller start a new record's payload partway through
// (e.g. the first fragment of a larger object); bytes before offset
// are left as zero-filled disk space. The common case is offset == 0.
func (b *Base) Append(key recordfmt.Key, payload []byte, offset uint64, flags uint64) (WriteControl, error) {
	if !b.active.Load() {
		return WriteControl{}, fmt.Errorf("%w: append to non-active base", ErrInvalidArgument)
	}

	dataSize := offset + uint64(len(payload))
	noCsum := flags&recordfmt.FlagNoCsum != 0
	footerBytes := b.footerBytesFor(dataSize, flags)
	diskSize := recordfmt.DiskSize(dataSize, 0, footerBytes, b.Alignment)

	hdrFlags := flags
	if !noCsum && !b.NoFooter {
		hdrFlags |= recordfmt.FlagChunkedCsum
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	recordStart := b.dataFileSize
	payloadStart := recordStart + recordfmt.HeaderSize

	hdr := recordfmt.Header{
		Key:      key,
		Flags:    hdrFlags,
		DataSize: dataSize,
		DiskSize: diskSize,
		Offset:   recordStart,
	}

	if err := b.writeRecordLocked(hdr, payload, offset, payloadStart, dataSize, noCsum); err != nil {
		return WriteControl{}, err
	}

	indexOffset := b.indexFileSize
	var idxBuf [recordfmt.HeaderSize]byte
	if err := recordfmt.Encode(hdr, idxBuf[:]); err != nil {
		return WriteControl{}, err
	}
	if _, err := b.indexFile.WriteAt(idxBuf[:], int64(indexOffset)); err != nil {
		return WriteControl{}, fmt.Errorf("blobfile: write index entry: %w", err)
	}

	b.dataFileSize = recordStart + diskSize
	b.indexFileSize = indexOffset + recordfmt.HeaderSize
	b.recordCount.Add(1)
	b.liveBytes.Add(diskSize)
	// Datasort carries corrupted records into the output base verbatim
	// to keep the flag; their accounting moves with them.
	if hdr.HasFlag(recordfmt.FlagCorrupted) {
		b.corrupted.Add(1)
		b.corruptedSize.Add(int64(dataSize))
	}

	return WriteControl{Header: hdr, DataOffset: payloadStart, IndexOffset: indexOffset}, nil
}

// writeRecordLocked writes the header, the payload at payloadStart+offset,
// and (unless NOCSUM) commits the chunked checksum footers. Caller must
// hold b.mu.
func (b *Base) writeRecordLocked(hdr recordfmt.Header, payload []byte, offset, payloadStart, dataSize uint64, noCsum bool) error {
	var hdrBuf [recordfmt.HeaderSize]byte
	if err := recordfmt.Encode(hdr, hdrBuf[:]); err != nil {
		return err
	}
	if _, err := b.dataFile.WriteAt(hdrBuf[:], int64(hdr.Offset)); err != nil {
		return fmt.Errorf("blobfile: write record header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := b.dataFile.WriteAt(payload, int64(payloadStart+offset)); err != nil {
			return fmt.Errorf("blobfile: write payload: %w", err)
		}
	}
	if noCsum || b.NoFooter {
		return nil
	}
	if err := checksum.CommitFull(b.dataFile, int64(payloadStart), dataSize); err != nil {
		return fmt.Errorf("blobfile: commit footers: %w", err)
	}
	return nil
}

// OverwriteAt rewrites payload bytes [offset, offset+len(payload)) of
// the record whose DC currently sits at indexOffset, in place. The
// caller (Backend) must already have verified that offset+len(payload)
// does not exceed the record's committed data_size — growing a record
// beyond what it was originally allocated always goes through Append
// instead.
func (b *Base) OverwriteAt(indexOffset uint64, payload []byte, offset uint64) (WriteControl, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hdr, err := b.readIndexHeaderLocked(indexOffset)
	if err != nil {
		return WriteControl{}, err
	}
	if hdr.HasFlag(recordfmt.FlagRemoved) {
		return WriteControl{}, fmt.Errorf("%w: overwrite of removed record", ErrInvalidArgument)
	}
	if offset+uint64(len(payload)) > hdr.DataSize {
		return WriteControl{}, fmt.Errorf("%w: overwrite range exceeds committed data_size", ErrInvalidArgument)
	}

	payloadStart := hdr.Offset + recordfmt.HeaderSize
	if len(payload) > 0 {
		if _, err := b.dataFile.WriteAt(payload, int64(payloadStart+offset)); err != nil {
			return WriteControl{}, fmt.Errorf("blobfile: overwrite payload: %w", err)
		}
	}

	noCsum := hdr.HasFlag(recordfmt.FlagNoCsum)
	if !noCsum && !b.NoFooter && hdr.HasFlag(recordfmt.FlagChunkedCsum) {
		if err := checksum.CommitRange(b.dataFile, int64(payloadStart), hdr.DataSize, offset, uint64(len(payload))); err != nil {
			return WriteControl{}, fmt.Errorf("blobfile: recommit footers: %w", err)
		}
	}

	wasCorrupted := hdr.HasFlag(recordfmt.FlagCorrupted)
	if wasCorrupted {
		hdr.SetCorrupted(false)
		if err := b.persistHeaderLocked(hdr, indexOffset); err != nil {
			return WriteControl{}, err
		}
		b.corrupted.Add(-1)
		b.corruptedSize.Add(-int64(hdr.DataSize))
	}

	return WriteControl{Header: hdr, DataOffset: payloadStart, IndexOffset: indexOffset}, nil
}

// readIndexHeaderLocked reads and decodes the DC at indexOffset in the
// index file. Caller must hold b.mu.
func (b *Base) readIndexHeaderLocked(indexOffset uint64) (recordfmt.Header, error) {
	var buf [recordfmt.HeaderSize]byte
	if _, err := b.indexFile.ReadAt(buf[:], int64(indexOffset)); err != nil {
		return recordfmt.Header{}, fmt.Errorf("blobfile: read index header at %d: %w", indexOffset, err)
	}
	return recordfmt.Decode(buf[:])
}

// persistHeaderLocked writes hdr to both the data file (at hdr.Offset)
// and the index file (at indexOffset), keeping the two copies
// byte-identical. A sorted base's `.index.sorted` sidecar is a third
// copy of the same DC array at the same offsets, so it is updated
// too. Caller must hold b.mu.
func (b *Base) persistHeaderLocked(hdr recordfmt.Header, indexOffset uint64) error {
	var buf [recordfmt.HeaderSize]byte
	if err := recordfmt.Encode(hdr, buf[:]); err != nil {
		return err
	}
	if _, err := b.dataFile.WriteAt(buf[:], int64(hdr.Offset)); err != nil {
		return fmt.Errorf("blobfile: persist data header: %w", err)
	}
	if _, err := b.indexFile.WriteAt(buf[:], int64(indexOffset)); err != nil {
		return fmt.Errorf("blobfile: persist index header: %w", err)
	}
	if b.sortedFile != nil {
		if _, err := b.sortedFile.WriteAt(buf[:], int64(indexOffset)); err != nil {
			return fmt.Errorf("blobfile: persist sorted index header: %w", err)
		}
	}
	return nil
}
