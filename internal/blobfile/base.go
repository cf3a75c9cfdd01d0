// Package blobfile implements one base: a data file + index file pair
// holding a contiguous window of records. A Base owns the file
// descriptors for both files, a per-base write mutex,
// and the live/corrupted/dead-byte bookkeeping the background loop
// and datasort consult to pick defrag candidates.
package blobfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/shaitan/eblob/internal/bloomfilter"
	"github.com/shaitan/eblob/internal/checksum"
	"github.com/shaitan/eblob/internal/hashindex"
	"github.com/shaitan/eblob/internal/logging"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// bloomHashesPerFilter is the bloom filter's K, matching the value
// datasort uses when it builds the sidecar during a sort/merge.
const bloomHashesPerFilter = 4

// Error kinds surfaced to embedders.
var (
	ErrNotFound           = errors.New("eblob: not found")
	ErrChecksumMismatch   = checksum.ErrChecksumMismatch
	ErrHeaderInconsistent = errors.New("eblob: header inconsistent between data and index file")
	ErrInvalidArgument    = errors.New("eblob: invalid argument")
)

// ReadMode selects whether Read verifies checksums.
type ReadMode int

const (
	ModeCSUM ReadMode = iota
	ModeNOCSUM
)

// WriteControl is returned by Append/OverwriteAt and carries
// everything a caller needs to locate and re-verify the record later
// without touching the filesystem again.
type WriteControl struct {
	Header      recordfmt.Header
	DataOffset  uint64 // absolute offset of the payload (just after the header) in the data file
	IndexOffset uint64 // absolute offset of this record's DC within the index file
}

// Stats is a point-in-time snapshot of a base's bookkeeping.
type Stats struct {
	RecordCount    uint64
	CorruptedCount int64
	LiveBytes      uint64
	TotalBytes     uint64
	Sorted         bool
}

// DeadFraction returns the fraction of TotalBytes that is not live
// (i.e. removed or superseded), used by the background loop to decide
// whether a base is worth defragmenting.
func (s Stats) DeadFraction() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return 1 - float64(s.LiveBytes)/float64(s.TotalBytes)
}

// Base owns all I/O for a single blob file pair.
type Base struct {
	ID        uint64
	dir       string
	Alignment uint64
	NoFooter  bool

	logger *slog.Logger

	mu        sync.Mutex // guards writes to the data/index files
	dataFile  *os.File
	indexFile *os.File

	// sortedFile is the open `.index.sorted` sidecar for a sorted
	// base. The sidecar is written as a byte-identical copy of the
	// index file, so a DC rewritten at some index offset (remove,
	// corruption flagging) must be rewritten here at the same offset
	// to keep the two copies in agreement.
	sortedFile *os.File

	// dataFileSize is the current end-of-file offset in the data file;
	// new Append calls reserve space starting here.
	dataFileSize uint64
	// indexFileSize mirrors dataFileSize for the index file; index
	// records are fixed-size, so this is always recordCount*HeaderSize.
	indexFileSize uint64

	sorted        atomic.Bool
	active        atomic.Bool
	recordCount   atomic.Uint64
	corrupted     atomic.Int64
	corruptedSize atomic.Int64
	liveBytes     atomic.Uint64

	mmapReader *MmapReader // set for sealed bases once mmap'd; nil otherwise

	bloom *bloomfilter.Filter // loaded for sorted bases when their .bloom sidecar exists
}

// Open opens (creating if necessary) the data and index files for
// base id under dir, scanning the index file to rebuild the base's
// bookkeeping counters.
func Open(dir string, id uint64, alignment uint64, noFooter bool, logger *slog.Logger) (*Base, error) {
	logger = logging.Default(logger).With("component", "blobfile", "base", id)

	dataPath := DataPath(dir, id)
	indexPath := IndexPath(dir, id)

	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blobfile: open data file: %w", err)
	}
	indexFile, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("blobfile: open index file: %w", err)
	}

	b := &Base{
		ID:        id,
		dir:       dir,
		Alignment: alignment,
		NoFooter:  noFooter,
		logger:    logger,
		dataFile:  dataFile,
		indexFile: indexFile,
	}

	if err := b.rebuild(); err != nil {
		dataFile.Close()
		indexFile.Close()
		return nil, err
	}

	if _, err := os.Stat(SortedIndexPath(dir, id)); err == nil {
		if err := b.openSortedLocked(); err != nil {
			dataFile.Close()
			indexFile.Close()
			return nil, err
		}
		if data, err := os.ReadFile(BloomPath(dir, id)); err == nil {
			if _, err := recordfmt.DecodeSidecarHeader(data, recordfmt.SidecarKindBloom); err != nil {
				logger.Warn("bloom sidecar header invalid, skipping", "error", err)
			} else {
				b.bloom = bloomfilter.NewFromBytes(data[recordfmt.SidecarHeaderSize:], bloomHashesPerFilter)
			}
		}
	}

	logger.Info("base opened", "records", b.recordCount.Load(), "sorted", b.sorted.Load())
	return b, nil
}

// MightContainKey reports whether key could be present in this base,
// consulting the sorted base's bloom filter sidecar when one is
// loaded. A false result is definitive; true may be a false positive.
// Unsorted bases (no bloom sidecar) always report true, since nothing
// rules the key out. This lets a caller skip a definitely-absent
// lookup on an older sealed base without a full index scan.
func (b *Base) MightContainKey(key recordfmt.Key) bool {
	if b.bloom == nil {
		return true
	}
	return b.bloom.MightContain(hashindex.L2Hash(key))
}

// LookupKey binary-searches a sorted base's index sidecar for key and
// returns the offset of its DC within the index file. The bloom
// filter is probed first, so a definitely-absent key costs no I/O.
// ok is false for unsorted bases, absent keys, and removed records.
func (b *Base) LookupKey(key recordfmt.Key) (uint64, bool) {
	if !b.sorted.Load() || !b.MightContainKey(key) {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sortedFile == nil {
		return 0, false
	}
	info, err := b.sortedFile.Stat()
	if err != nil {
		return 0, false
	}

	lo, hi := uint64(0), uint64(info.Size())/recordfmt.HeaderSize
	var buf [recordfmt.HeaderSize]byte
	for lo < hi {
		mid := (lo + hi) / 2
		if _, err := b.sortedFile.ReadAt(buf[:], int64(mid*recordfmt.HeaderSize)); err != nil {
			return 0, false
		}
		hdr, err := recordfmt.Decode(buf[:])
		if err != nil {
			return 0, false
		}
		switch c := bytes.Compare(hdr.Key[:], key[:]); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			if hdr.HasFlag(recordfmt.FlagRemoved) {
				return 0, false
			}
			return mid * recordfmt.HeaderSize, true
		}
	}
	return 0, false
}

// DataPath returns the path of base id's data file under dir.
func DataPath(dir string, id uint64) string { return fmt.Sprintf("%s/data.%d", dir, id) }

// IndexPath returns the path of base id's index file under dir.
func IndexPath(dir string, id uint64) string { return fmt.Sprintf("%s/data.%d.index", dir, id) }

// SortedIndexPath returns the path of base id's sorted index sidecar.
func SortedIndexPath(dir string, id uint64) string {
	return fmt.Sprintf("%s/data.%d.index.sorted", dir, id)
}

// BloomPath returns the path of base id's bloom filter sidecar.
func BloomPath(dir string, id uint64) string {
	return fmt.Sprintf("%s/data.%d.index.sorted.bloom", dir, id)
}

// rebuild walks the index file once to compute record/corrupted counts
// and the data file's current end offset.
func (b *Base) rebuild() error {
	info, err := b.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("blobfile: stat data file: %w", err)
	}
	b.dataFileSize = uint64(info.Size())

	buf := make([]byte, recordfmt.HeaderSize)
	var offset uint64
	var count uint64
	var live uint64
	for {
		n, err := b.indexFile.ReadAt(buf, int64(offset))
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("blobfile: scan index: %w", err)
		}
		if n < recordfmt.HeaderSize {
			break
		}
		hdr, err := recordfmt.Decode(buf)
		if err != nil {
			return fmt.Errorf("blobfile: decode index record at %d: %w", offset, err)
		}
		count++
		if hdr.HasFlag(recordfmt.FlagCorrupted) {
			b.corrupted.Add(1)
			b.corruptedSize.Add(int64(hdr.DataSize))
		}
		if !hdr.HasFlag(recordfmt.FlagRemoved) {
			live += hdr.DiskSize
		}
		// The last record's aligned disk_size reservation can extend
		// past the physically written bytes; appends must start after
		// the reservation, not after the file's current end.
		if end := hdr.Offset + hdr.DiskSize; end > b.dataFileSize {
			b.dataFileSize = end
		}
		offset += recordfmt.HeaderSize
	}
	b.recordCount.Store(count)
	b.indexFileSize = offset
	b.liveBytes.Store(live)
	return nil
}

// Stat returns a point-in-time snapshot of this base's bookkeeping.
func (b *Base) Stat() Stats {
	return Stats{
		RecordCount:    b.recordCount.Load(),
		CorruptedCount: b.corrupted.Load(),
		LiveBytes:      b.liveBytes.Load(),
		TotalBytes:     b.dataFileSize,
		Sorted:         b.sorted.Load(),
	}
}

// CorruptedSize returns the summed data_size of currently-corrupted records.
func (b *Base) CorruptedSize() int64 { return b.corruptedSize.Load() }

// IsSorted reports whether this base has a sorted index sidecar.
func (b *Base) IsSorted() bool { return b.sorted.Load() }

// MarkSorted records that a sorted index sidecar now exists for this
// base. Called by datasort once it has written `.index.sorted` for a
// base it just produced, so the in-memory Base reflects the sidecar
// without requiring a reopen.
func (b *Base) MarkSorted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openSortedLocked()
}

// openSortedLocked opens the `.index.sorted` sidecar for writing and
// flips the sorted flag. Caller must hold b.mu (or be constructing
// the base).
func (b *Base) openSortedLocked() error {
	if b.sortedFile != nil {
		return nil
	}
	f, err := os.OpenFile(SortedIndexPath(b.dir, b.ID), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("blobfile: open sorted index: %w", err)
	}
	b.sortedFile = f
	b.sorted.Store(true)
	return nil
}

// SetActive marks whether this base is the backend's current writable base.
func (b *Base) SetActive(active bool) { b.active.Store(active) }

// IsActive reports whether this base currently accepts writes.
func (b *Base) IsActive() bool { return b.active.Load() }

// DataFileSize returns the current size of the data file in bytes.
func (b *Base) DataFileSize() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dataFileSize
}

// RecordCount returns the number of DC entries (live or removed) in
// the index file.
func (b *Base) RecordCount() uint64 { return b.recordCount.Load() }

// EnableMmap opens an mmap-backed reader over the data file, used by
// sealed (non-active) bases to speed up concurrent reads. Safe to call
// more than once; subsequent calls are no-ops while a reader is open.
func (b *Base) EnableMmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mmapReader != nil {
		return nil
	}
	r, err := OpenMmapReader(DataPath(b.dir, b.ID))
	if err != nil {
		if errors.Is(err, ErrMmapEmpty) {
			return nil
		}
		return err
	}
	b.mmapReader = r
	return nil
}

// DisableMmap closes this base's mmap reader, if any.
func (b *Base) DisableMmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mmapReader == nil {
		return nil
	}
	err := b.mmapReader.Close()
	b.mmapReader = nil
	return err
}

// dataReader returns the fastest available io.ReaderAt over the data
// file: the mmap if one is open, otherwise the *os.File directly.
func (b *Base) dataReader() io.ReaderAt {
	if b.mmapReader != nil {
		return b.mmapReader
	}
	return b.dataFile
}

// Close flushes and closes both files (and the mmap reader, if open).
func (b *Base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.mmapReader != nil {
		if e := b.mmapReader.Close(); e != nil {
			err = e
		}
		b.mmapReader = nil
	}
	if e := b.dataFile.Close(); e != nil && err == nil {
		err = e
	}
	if e := b.indexFile.Close(); e != nil && err == nil {
		err = e
	}
	if b.sortedFile != nil {
		if e := b.sortedFile.Close(); e != nil && err == nil {
			err = e
		}
		b.sortedFile = nil
	}
	return err
}

// Sync fsyncs both files.
func (b *Base) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dataFile.Sync(); err != nil {
		return err
	}
	return b.indexFile.Sync()
}

// Unlink removes this base's data and index files (and any sidecars)
// from disk. Close must be called first.
func (b *Base) Unlink() error {
	for _, p := range []string{
		DataPath(b.dir, b.ID),
		IndexPath(b.dir, b.ID),
		SortedIndexPath(b.dir, b.ID),
		BloomPath(b.dir, b.ID),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blobfile: unlink %s: %w", p, err)
		}
	}
	return nil
}
