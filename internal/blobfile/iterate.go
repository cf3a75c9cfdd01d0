package blobfile

import (
	"fmt"
	"io"
	"os"

	"github.com/shaitan/eblob/internal/recordfmt"
)

// IterFlags controls which records Iterate visits.
type IterFlags uint32

const (
	// IterLive visits only non-REMOVED records (the default).
	IterLive IterFlags = 0
	// IterAll additionally visits REMOVED records.
	IterAll IterFlags = 1 << 0
	// IterReadOnly takes the base's write lock for the whole walk
	// (without it, the walk takes no lock at all), giving the callback
	// a stable snapshot at the cost of blocking concurrent writers.
	IterReadOnly IterFlags = 1 << 1
)

// RecordReader is the scoped read handle passed to an Iterate
// callback. It must not be retained past the callback call: it reads
// through the base's current data file descriptor, which iteration
// does not otherwise protect from concurrent mutation once the
// callback returns.
type RecordReader struct {
	base         *Base
	payloadStart int64
	dataSize     uint64
}

// ReadAt implements io.ReaderAt over the record's payload bytes,
// relative to the start of the payload.
func (r RecordReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.dataSize {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if uint64(end) > r.dataSize {
		p = p[:uint64(r.dataSize)-uint64(off)]
	}
	n, err := r.base.dataReader().ReadAt(p, r.payloadStart+off)
	if n < len(p) && err == nil {
		err = io.EOF
	}
	return n, err
}

// Size returns the record's payload size in bytes.
func (r RecordReader) Size() uint64 { return r.dataSize }

// Iterate walks this base's records in index order (or, for a sorted
// base, key order — sorted bases keep their DC array pre-sorted in
// the index file itself, so "index order" and "key order" coincide
// once IsSorted is true) and invokes cb for each one matching flags.
// data_offset values passed to cb are strictly increasing for a
// sorted base.
func (b *Base) Iterate(flags IterFlags, cb func(hdr recordfmt.Header, r RecordReader, dataOffset int64) error) error {
	indexPath := IndexPath(b.dir, b.ID)
	if b.sorted.Load() {
		if _, err := os.Stat(SortedIndexPath(b.dir, b.ID)); err == nil {
			indexPath = SortedIndexPath(b.dir, b.ID)
		}
	}

	idxFile, err := os.Open(indexPath)
	if err != nil {
		return fmt.Errorf("blobfile: open index for iteration: %w", err)
	}
	defer idxFile.Close()

	if flags&IterReadOnly != 0 {
		b.mu.Lock()
		defer b.mu.Unlock()
	}

	buf := make([]byte, recordfmt.HeaderSize)
	var offset int64
	for {
		n, err := idxFile.ReadAt(buf, offset)
		if err == io.EOF && n == 0 {
			return nil
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("blobfile: iterate read index: %w", err)
		}
		if n < recordfmt.HeaderSize {
			return nil
		}
		hdr, err := recordfmt.Decode(buf)
		if err != nil {
			return fmt.Errorf("blobfile: iterate decode: %w", err)
		}
		offset += recordfmt.HeaderSize

		if hdr.HasFlag(recordfmt.FlagRemoved) && flags&IterAll == 0 {
			continue
		}

		payloadStart := int64(hdr.Offset + recordfmt.HeaderSize)
		reader := RecordReader{base: b, payloadStart: payloadStart, dataSize: hdr.DataSize}
		if err := cb(hdr, reader, payloadStart); err != nil {
			return err
		}
	}
}

// IterateIndex walks this base's DC array the same way Iterate does,
// but hands cb the record's index-file offset instead of a payload
// reader — the form the hash index rebuild needs, since it maps keys
// to (base, index_offset), not to data-file positions.
func (b *Base) IterateIndex(flags IterFlags, cb func(hdr recordfmt.Header, indexOffset uint64) error) error {
	indexPath := IndexPath(b.dir, b.ID)
	if b.sorted.Load() {
		if _, err := os.Stat(SortedIndexPath(b.dir, b.ID)); err == nil {
			indexPath = SortedIndexPath(b.dir, b.ID)
		}
	}

	idxFile, err := os.Open(indexPath)
	if err != nil {
		return fmt.Errorf("blobfile: open index for iteration: %w", err)
	}
	defer idxFile.Close()

	if flags&IterReadOnly != 0 {
		b.mu.Lock()
		defer b.mu.Unlock()
	}

	buf := make([]byte, recordfmt.HeaderSize)
	var offset int64
	for {
		n, err := idxFile.ReadAt(buf, offset)
		if err == io.EOF && n == 0 {
			return nil
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("blobfile: iterate read index: %w", err)
		}
		if n < recordfmt.HeaderSize {
			return nil
		}
		hdr, err := recordfmt.Decode(buf)
		if err != nil {
			return fmt.Errorf("blobfile: iterate decode: %w", err)
		}
		indexOffset := offset
		offset += recordfmt.HeaderSize

		if hdr.HasFlag(recordfmt.FlagRemoved) && flags&IterAll == 0 {
			continue
		}
		if err := cb(hdr, uint64(indexOffset)); err != nil {
			return err
		}
	}
}
