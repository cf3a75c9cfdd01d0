package backend

import (
	"errors"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/hashindex"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// Write appends or updates the record named by key: an in-place
// overwrite when the key already exists and offset+len(payload)
// fits within its committed data_size, otherwise a brand-new copy on the
// active base with the old copy's REMOVED bit set afterward. The
// in-place path only read-locks the base list; the write lock is
// reserved for the append path, which may rotate the active base.
func (b *Backend) Write(key recordfmt.Key, payload []byte, offset uint64, flags uint64) (blobfile.WriteControl, error) {
	b.basesLock.RLock()
	var old *blobfile.Base
	loc, ok := b.index.Lookup(key)
	if ok {
		old = b.baseByID(loc.BaseID)
	}
	b.basesLock.RUnlock()

	if old != nil {
		wc, err := old.OverwriteAt(loc.Offset, payload, offset)
		switch {
		case err == nil:
			b.index.Put(key, hashindex.Location{BaseID: old.ID, Offset: wc.IndexOffset})
			return wc, nil
		case !errors.Is(err, blobfile.ErrInvalidArgument):
			return blobfile.WriteControl{}, err
		}
		// Overwrite didn't fit; append a fresh copy and retire the old one.
	}

	b.basesLock.Lock()
	defer b.basesLock.Unlock()

	if b.cfg.BlobSizeLimit > 0 {
		var total uint64
		for _, base := range b.bases {
			total += base.DataFileSize()
		}
		if total >= b.cfg.BlobSizeLimit {
			return blobfile.WriteControl{}, ErrSizeLimit
		}
	}

	if err := b.rotateIfNeeded(); err != nil {
		return blobfile.WriteControl{}, err
	}
	active := b.activeBase()
	wc, err := active.Append(key, payload, offset, flags)
	if err != nil {
		return blobfile.WriteControl{}, err
	}
	if b.cfg.Sync {
		if err := active.Sync(); err != nil {
			return blobfile.WriteControl{}, err
		}
	}
	// The old copy stays readable until the new one is fully
	// committed, footers included; only then is it retired.
	if old != nil {
		if _, err := old.RemoveAt(loc.Offset); err != nil {
			b.logger.Warn("retire superseded record failed", "base", old.ID, "error", err)
		}
	}
	b.index.Put(key, hashindex.Location{BaseID: active.ID, Offset: wc.IndexOffset})
	return wc, nil
}

// locate resolves key to the base and index offset holding its live
// record. The hash index answers almost every lookup; on a miss,
// sorted bases are probed newest-first through their bloom-guarded
// sorted index, which can still answer for records the in-RAM index
// does not carry.
func (b *Backend) locate(key recordfmt.Key) (*blobfile.Base, uint64, bool) {
	b.basesLock.RLock()
	defer b.basesLock.RUnlock()

	if loc, ok := b.index.Lookup(key); ok {
		if base := b.baseByID(loc.BaseID); base != nil {
			return base, loc.Offset, true
		}
	}
	for i := len(b.bases) - 1; i >= 0; i-- {
		if off, ok := b.bases[i].LookupKey(key); ok {
			return b.bases[i], off, true
		}
	}
	return nil, 0, false
}

// Read locates key and reads its payload from whichever base
// currently holds it.
func (b *Backend) Read(key recordfmt.Key, mode blobfile.ReadMode) ([]byte, error) {
	base, offset, ok := b.locate(key)
	if !ok {
		return nil, ErrNotFound
	}
	return base.ReadAt(offset, mode)
}

// Remove sets the REMOVED bit on key's record and drops its hash index
// entry.
func (b *Backend) Remove(key recordfmt.Key) error {
	base, offset, ok := b.locate(key)
	if !ok {
		return ErrNotFound
	}
	if _, err := base.RemoveAt(offset); err != nil {
		return err
	}
	b.index.Delete(key)
	return nil
}

// Iterate walks every base oldest-first, invoking cb for each record
// matching flags.
func (b *Backend) Iterate(flags blobfile.IterFlags, cb func(hdr recordfmt.Header, r blobfile.RecordReader, dataOffset int64) error) error {
	for _, base := range b.snapshotBases() {
		if err := base.Iterate(flags, cb); err != nil {
			return err
		}
	}
	return nil
}

// VerifyChecksum re-verifies the footers of a record previously
// located by Write/Read, using only the WriteControl returned then.
func (b *Backend) VerifyChecksum(baseID uint64, wc blobfile.WriteControl) error {
	b.basesLock.RLock()
	base := b.baseByID(baseID)
	b.basesLock.RUnlock()
	if base == nil {
		return ErrNotFound
	}
	return base.VerifyChecksum(wc)
}
