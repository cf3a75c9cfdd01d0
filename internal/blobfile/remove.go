package blobfile

import "github.com/shaitan/eblob/internal/recordfmt"

// RemoveAt sets the REMOVED bit on both DC copies of the record at
// indexOffset. It does not reclaim space — that is datasort's job.
// Idempotent: removing an already-removed record is a no-op that
// returns (false, nil) and leaves every counter unchanged.
func (b *Base) RemoveAt(indexOffset uint64) (wasCorrupted bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hdr, err := b.readIndexHeaderLocked(indexOffset)
	if err != nil {
		return false, err
	}
	if hdr.HasFlag(recordfmt.FlagRemoved) {
		return false, nil
	}

	wasCorrupted = hdr.HasFlag(recordfmt.FlagCorrupted)
	hdr.SetRemoved(true)
	if err := b.persistHeaderLocked(hdr, indexOffset); err != nil {
		return false, err
	}

	if hdr.DiskSize <= b.liveBytes.Load() {
		b.liveBytes.Add(-hdr.DiskSize)
	} else {
		b.liveBytes.Store(0)
	}

	if wasCorrupted {
		b.corrupted.Add(-1)
		b.corruptedSize.Add(-int64(hdr.DataSize))
	}
	return wasCorrupted, nil
}
