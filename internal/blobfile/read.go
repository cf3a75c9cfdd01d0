package blobfile

import (
	"fmt"

	"github.com/shaitan/eblob/internal/checksum"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// ReadAt locates the record whose DC sits at indexOffset, verifies the
// two on-disk header copies agree (ErrHeaderInconsistent if not), and
// returns its payload. With mode == ModeCSUM, a record not already
// flagged CORRUPTED is verified; a mismatch persists the CORRUPTED bit
// and the RecordsCorrupted/CorruptedSize counters exactly once and
// returns ErrChecksumMismatch. A record already flagged CORRUPTED
// fails immediately with ErrChecksumMismatch without re-verifying or
// touching the counters again.
func (b *Base) ReadAt(indexOffset uint64, mode ReadMode) ([]byte, error) {
	b.mu.Lock()
	idxHdr, err := b.readIndexHeaderLocked(indexOffset)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if idxHdr.HasFlag(recordfmt.FlagRemoved) {
		b.mu.Unlock()
		return nil, ErrNotFound
	}

	var dataBuf [recordfmt.HeaderSize]byte
	if _, err := b.dataFile.ReadAt(dataBuf[:], int64(idxHdr.Offset)); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("blobfile: read data header: %w", err)
	}
	dataHdr, err := recordfmt.Decode(dataBuf[:])
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if dataHdr != idxHdr {
		b.mu.Unlock()
		return nil, ErrHeaderInconsistent
	}

	payloadStart := idxHdr.Offset + recordfmt.HeaderSize
	payload := make([]byte, idxHdr.DataSize)
	if _, err := b.dataReader().ReadAt(payload, int64(payloadStart)); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("blobfile: read payload: %w", err)
	}

	if mode == ModeNOCSUM {
		b.mu.Unlock()
		return payload, nil
	}

	if idxHdr.HasFlag(recordfmt.FlagCorrupted) {
		b.mu.Unlock()
		return nil, ErrChecksumMismatch
	}

	verifyErr := b.verifyLocked(idxHdr, payloadStart)
	if verifyErr == nil {
		b.mu.Unlock()
		return payload, nil
	}

	idxHdr.SetCorrupted(true)
	persistErr := b.persistHeaderLocked(idxHdr, indexOffset)
	b.mu.Unlock()
	if persistErr != nil {
		return nil, persistErr
	}
	b.corrupted.Add(1)
	b.corruptedSize.Add(int64(idxHdr.DataSize))
	return nil, ErrChecksumMismatch
}

// verifyLocked runs the appropriate footer verification for hdr.
// Caller must hold b.mu.
func (b *Base) verifyLocked(hdr recordfmt.Header, payloadStart uint64) error {
	if b.NoFooter || hdr.HasFlag(recordfmt.FlagNoCsum) {
		return nil
	}
	if hdr.HasFlag(recordfmt.FlagChunkedCsum) {
		return checksum.Verify(b.dataFile, int64(payloadStart), hdr.DataSize, 0, hdr.DataSize)
	}
	footerStart := int64(payloadStart + hdr.DataSize)
	return checksum.VerifyLegacy(b.dataFile, int64(payloadStart), hdr.DataSize, footerStart)
}

// VerifyChecksum re-verifies the footers of a record already located
// by a prior Append/OverwriteAt/ReadAt, using only the WriteControl
// returned at that time — it never re-reads either on-disk header
// copy, so it is unaffected by a header field being corrupted
// (that is ErrHeaderInconsistent's concern, surfaced only by ReadAt).
func (b *Base) VerifyChecksum(wc WriteControl) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verifyLocked(wc.Header, wc.DataOffset)
}
