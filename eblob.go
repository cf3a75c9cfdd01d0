// Package eblob is an embedded append-only blob store: opaque byte
// payloads are indexed by 64-byte keys across a rotating set of local
// data files, with per-chunk checksums, background defragmentation,
// and periodic integrity inspection.
package eblob

import (
	"log/slog"

	"github.com/shaitan/eblob/internal/backend"
	"github.com/shaitan/eblob/internal/background"
	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/datasort"
	"github.com/shaitan/eblob/internal/eblobcfg"
	"github.com/shaitan/eblob/internal/recordfmt"
	"github.com/shaitan/eblob/internal/stat"
)

// Re-exported types embedders need at the package boundary.
type (
	Config       = eblobcfg.Config
	Flag         = eblobcfg.Flag
	Key          = recordfmt.Key
	ReadMode     = blobfile.ReadMode
	WriteControl = blobfile.WriteControl
	Mode         = datasort.Mode
	Register     = stat.Register
	IterFlags    = blobfile.IterFlags
	RecordReader = blobfile.RecordReader
	Header       = recordfmt.Header
)

const (
	ModeCSUM   = blobfile.ModeCSUM
	ModeNOCSUM = blobfile.ModeNOCSUM

	DataSort    = datasort.ModeDataSort
	DataCompact = datasort.ModeDataCompact

	IterLive     = blobfile.IterLive
	IterAll      = blobfile.IterAll
	IterReadOnly = blobfile.IterReadOnly

	// Named stat registers embedders can query via StatGet.
	StatRecordsCorrupted           = stat.RecordsCorrupted
	StatCorruptedSize              = stat.CorruptedSize
	StatDatasortCompletionStatus   = stat.DatasortCompletionStatus
	StatDatasortViewUsed           = stat.DatasortViewUsed
	StatDatasortSortedViewUsed     = stat.DatasortSortedViewUsed
	StatDatasortSinglePassViewUsed = stat.DatasortSinglePassViewUsed
	StatRecordsTotal               = stat.RecordsTotal
	StatBasesTotal                 = stat.BasesTotal

	// DC flag bits, re-exported for callers building a raw flags value.
	FlagRemoved     = recordfmt.FlagRemoved
	FlagNoCsum      = recordfmt.FlagNoCsum
	FlagChunkedCsum = recordfmt.FlagChunkedCsum
	FlagCorrupted   = recordfmt.FlagCorrupted
)

var (
	ErrNotFound           = backend.ErrNotFound
	ErrChecksumMismatch   = backend.ErrChecksumMismatch
	ErrHeaderInconsistent = backend.ErrHeaderInconsistent
	ErrInvalidArgument    = backend.ErrInvalidArgument
	ErrSizeLimit          = backend.ErrSizeLimit
)

// Blob is one open store: a directory of bases plus its background
// inspection/defrag worker.
type Blob struct {
	backend *backend.Backend
	loop    *background.Loop
}

// Init opens (or creates) a store rooted at cfg.File, rebuilding its
// hash index from the bases found on disk and launching the
// background worker unless cfg.BlobFlags carries DISABLE_THREADS.
func Init(cfg Config, logger *slog.Logger) (*Blob, error) {
	cfg = eblobcfg.WithDefaults(cfg)
	be, err := backend.Open(cfg.File, cfg, logger)
	if err != nil {
		return nil, err
	}
	loop, err := background.Start(be, cfg, logger)
	if err != nil {
		be.Close()
		return nil, err
	}
	return &Blob{backend: be, loop: loop}, nil
}

// Close stops the background worker and closes every base.
func (b *Blob) Close() error {
	if err := b.loop.Stop(); err != nil {
		return err
	}
	return b.backend.Close()
}

// Write appends or updates the record named by key.
func (b *Blob) Write(key Key, payload []byte, offset uint64, flags uint64) (WriteControl, error) {
	return b.backend.Write(key, payload, offset, flags)
}

// Read returns key's payload, verifying checksums when mode == ModeCSUM.
func (b *Blob) Read(key Key, mode ReadMode) ([]byte, error) {
	return b.backend.Read(key, mode)
}

// Remove marks key's record REMOVED.
func (b *Blob) Remove(key Key) error {
	return b.backend.Remove(key)
}

// Iterate walks every live (or, with IterAll, every) record across
// every base, oldest base first.
func (b *Blob) Iterate(flags IterFlags, cb func(hdr Header, r RecordReader, dataOffset int64) error) error {
	return b.backend.Iterate(flags, cb)
}

// VerifyChecksum re-verifies wc's footers without touching either
// on-disk DC header copy.
func (b *Blob) VerifyChecksum(baseID uint64, wc WriteControl) error {
	return b.backend.VerifyChecksum(baseID, wc)
}

// Inspect runs an immediate full checksum-verification sweep over
// every base, outside of its periodic schedule.
func (b *Blob) Inspect() error {
	return b.loop.TriggerInspect()
}

// Defrag runs an immediate defrag pass over dead-fraction candidate
// bases, outside of its daily schedule.
func (b *Blob) Defrag(mode Mode) error {
	return b.loop.TriggerDefrag(mode)
}

// StartDefragInDir runs datasort with dir as the scratch chunks
// directory (empty keeps the configured one) over an explicit set of
// base IDs, or over the auto-selected dead-fraction candidates when
// baseIDs is nil. The dir override sticks until StopDefrag.
func (b *Blob) StartDefragInDir(mode Mode, dir string, baseIDs []uint64) error {
	return b.backend.StartDefragInDir(mode, dir, baseIDs)
}

// StopDefrag requests cancellation of an in-flight defrag job.
func (b *Blob) StopDefrag() {
	b.backend.StopDefrag()
}

// DefragStatus reports the background defrag job's current state.
func (b *Blob) DefragStatus() backend.DefragStatus {
	return b.backend.DefragStatusSnapshot()
}

// StatGet returns the current value of one of the registered counters.
func (b *Blob) StatGet(reg Register) int64 {
	return b.backend.StatGet(reg)
}
