// Package backend implements the eblob.Init/Write/Read/Remove/Iterate
// orchestration layer: it owns the ordered list of bases, the in-RAM
// hash index, and the statistics registers, and routes requests to
// the right blobfile.Base.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/datasort"
	"github.com/shaitan/eblob/internal/eblobcfg"
	"github.com/shaitan/eblob/internal/hashindex"
	"github.com/shaitan/eblob/internal/logging"
	"github.com/shaitan/eblob/internal/recordfmt"
	"github.com/shaitan/eblob/internal/stat"
)

// ReadMode re-exports blobfile.ReadMode under the package embedders
// interact with directly.
type ReadMode = blobfile.ReadMode

const (
	ModeCSUM   = blobfile.ModeCSUM
	ModeNOCSUM = blobfile.ModeNOCSUM
)

// Re-exported error sentinels embedders match against.
var (
	ErrNotFound           = blobfile.ErrNotFound
	ErrChecksumMismatch   = blobfile.ErrChecksumMismatch
	ErrHeaderInconsistent = blobfile.ErrHeaderInconsistent
	ErrInvalidArgument    = blobfile.ErrInvalidArgument

	// ErrSizeLimit is returned by Write once the summed data-file
	// size reaches cfg.BlobSizeLimit.
	ErrSizeLimit = errors.New("eblob: store size limit reached")
)

// Backend owns every base for one store directory.
type Backend struct {
	dir    string
	cfg    eblobcfg.Config
	logger *slog.Logger

	basesLock sync.RWMutex
	bases     []*blobfile.Base // oldest first
	nextID    atomic.Uint64

	index     *hashindex.Index
	stats     *stat.Registers
	mmapCache *lru.Cache[uint64, *blobfile.Base]

	wantDefrag  *datasort.Flag
	wantInspect *datasort.Flag

	// defragChunksDir overrides cfg.ChunksDir for the duration set by
	// StartDefragInDir; StopDefrag clears it.
	chunksDirMu     sync.Mutex
	defragChunksDir string

	// pendingSort holds bases sealed under AUTO_INDEXSORT, waiting
	// for the background loop to datasort them.
	pendingSortMu sync.Mutex
	pendingSort   []uint64
}

// Open scans dir for existing bases (data.N / data.N.index pairs),
// rebuilds the hash index from their contents, and opens (or creates)
// the active base.
func Open(dir string, cfg eblobcfg.Config, logger *slog.Logger) (*Backend, error) {
	logger = logging.Default(logger).With("component", "backend", "dir", dir)
	cfg = eblobcfg.WithDefaults(cfg)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eblob: backend: create store dir: %w", err)
	}

	ids, err := discoverBaseIDs(dir)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		dir:         dir,
		cfg:         cfg,
		logger:      logger,
		index:       hashindex.New(),
		stats:       stat.New(),
		mmapCache:   newMmapCache(cfg.MaxMappedBases),
		wantDefrag:  &datasort.Flag{},
		wantInspect: &datasort.Flag{},
	}

	alignment := eblobcfg.Alignment(0)
	noFooter := cfg.BlobFlags.Has(eblobcfg.NoFooter)

	for _, id := range ids {
		base, err := blobfile.Open(dir, id, alignment, noFooter, logger)
		if err != nil {
			b.closeAll()
			return nil, err
		}
		b.bases = append(b.bases, base)
		if id >= b.nextID.Load() {
			b.nextID.Store(id + 1)
		}
	}

	if len(b.bases) == 0 {
		active, err := blobfile.Open(dir, 0, alignment, noFooter, logger)
		if err != nil {
			return nil, err
		}
		active.SetActive(true)
		b.bases = append(b.bases, active)
		b.nextID.Store(1)
	} else {
		b.bases[len(b.bases)-1].SetActive(true)
	}

	b.rebuildIndex()
	b.stats.Set(stat.BasesTotal, int64(len(b.bases)))
	logger.Info("backend opened", "bases", len(b.bases), "keys", b.index.Len())
	return b, nil
}

// discoverBaseIDs lists the base IDs present on disk (from data.N
// files), sorted ascending.
func discoverBaseIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("eblob: backend: read store dir: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "data.") {
			continue
		}
		rest := name[len("data."):]
		if strings.Contains(rest, ".") {
			continue // an .index/.sorted/.bloom sidecar, not a data file itself
		}
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// rebuildIndex scans every base's index file newest-base-first,
// applying PutIfAbsent so a key already mapped by a newer base is
// never overwritten by an older base's stale copy of the same key.
func (b *Backend) rebuildIndex() {
	for i := len(b.bases) - 1; i >= 0; i-- {
		base := b.bases[i]
		base.IterateIndex(blobfile.IterLive, func(hdr recordfmt.Header, indexOffset uint64) error {
			b.index.PutIfAbsent(hdr.Key, hashindex.Location{BaseID: base.ID, Offset: indexOffset})
			return nil
		})
	}
}

func (b *Backend) closeAll() {
	for _, base := range b.bases {
		base.Close()
	}
}

// Close flushes and closes every base.
func (b *Backend) Close() error {
	b.basesLock.Lock()
	defer b.basesLock.Unlock()
	var firstErr error
	for _, base := range b.bases {
		if err := base.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns the backend's statistics registers.
func (b *Backend) Stats() *stat.Registers { return b.stats }

// snapshotBases returns a copy of the current base list, safe to range
// over without holding basesLock.
func (b *Backend) snapshotBases() []*blobfile.Base {
	b.basesLock.RLock()
	defer b.basesLock.RUnlock()
	out := make([]*blobfile.Base, len(b.bases))
	copy(out, b.bases)
	return out
}

// StatGet returns the current value of reg. RecordsCorrupted,
// CorruptedSize, RecordsTotal and BasesTotal are always computed live
// from the base list and never read from b.stats (BasesTotal is also
// mirrored there, but StatGet ignores that copy), so a concurrent
// Read/Remove/Inspect can never leave them stale; the
// datasort-completion registers are the ones b.stats actually owns,
// written by runDefrag.
func (b *Backend) StatGet(reg stat.Register) int64 {
	switch reg {
	case stat.RecordsCorrupted:
		var total int64
		for _, base := range b.snapshotBases() {
			total += base.Stat().CorruptedCount
		}
		return total
	case stat.CorruptedSize:
		var total int64
		for _, base := range b.snapshotBases() {
			total += base.CorruptedSize()
		}
		return total
	case stat.RecordsTotal:
		var total int64
		for _, base := range b.snapshotBases() {
			total += int64(base.Stat().RecordCount)
		}
		return total
	case stat.BasesTotal:
		return int64(len(b.snapshotBases()))
	default:
		return b.stats.Get(reg)
	}
}

// activeBase returns the current writable base. Caller must hold
// basesLock for reading.
func (b *Backend) activeBase() *blobfile.Base {
	return b.bases[len(b.bases)-1]
}

// needsRotation reports whether the active base has outgrown its
// record-count or size budget and should be sealed in favor of a new one.
func (b *Backend) needsRotation(active *blobfile.Base) bool {
	if b.cfg.RecordsInBlob > 0 && active.RecordCount() >= b.cfg.RecordsInBlob {
		return true
	}
	if b.cfg.BlobSize > 0 && active.DataFileSize() >= b.cfg.BlobSize {
		return true
	}
	return false
}

// rotateIfNeeded seals the active base and opens a fresh one when the
// active base has outgrown its budget. Caller must hold basesLock for
// writing.
func (b *Backend) rotateIfNeeded() error {
	active := b.activeBase()
	if !b.needsRotation(active) {
		return nil
	}
	active.SetActive(false)
	if err := active.EnableMmap(); err != nil {
		b.logger.Warn("enable mmap on sealed base failed", "base", active.ID, "error", err)
	} else {
		b.trackMmapped(active)
	}
	if b.cfg.BlobFlags.Has(eblobcfg.AutoIndexsort) {
		b.pendingSortMu.Lock()
		b.pendingSort = append(b.pendingSort, active.ID)
		b.pendingSortMu.Unlock()
	}

	id := b.nextID.Add(1) - 1
	alignment := eblobcfg.Alignment(0)
	noFooter := b.cfg.BlobFlags.Has(eblobcfg.NoFooter)
	fresh, err := blobfile.Open(b.dir, id, alignment, noFooter, b.logger)
	if err != nil {
		return fmt.Errorf("eblob: backend: rotate base: %w", err)
	}
	fresh.SetActive(true)
	b.bases = append(b.bases, fresh)
	b.stats.Set(stat.BasesTotal, int64(len(b.bases)))
	b.logger.Info("base rotated", "new_base", id)
	return nil
}

// baseByID returns the base with the given ID, or nil. Caller must
// hold basesLock for reading.
func (b *Backend) baseByID(id uint64) *blobfile.Base {
	for _, base := range b.bases {
		if base.ID == id {
			return base
		}
	}
	return nil
}
