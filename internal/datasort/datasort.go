// Package datasort implements the defrag/merge-sort job that combines
// one or more bases into a single output base.
package datasort

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/hashindex"
	"github.com/shaitan/eblob/internal/logging"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// Mode selects whether a job produces key-sorted output or merely
// reclaims dead space.
type Mode int

const (
	// ModeDataSort merges inputs into a single base sorted by key.
	ModeDataSort Mode = iota
	// ModeDataCompact drops dead records without requiring sorted output.
	ModeDataCompact
)

func (m Mode) String() string {
	switch m {
	case ModeDataSort:
		return "data_sort"
	case ModeDataCompact:
		return "data_compact"
	default:
		return "unknown"
	}
}

// CompletionStatus is written to a stat register on job exit so
// observers can distinguish success from cancellation from failure.
type CompletionStatus int32

const (
	StatusNotRun CompletionStatus = iota
	StatusSuccess
	StatusCancelled
	StatusFailed
)

// State is the value of the cooperative want_defrag flag.
type State int32

const (
	StateNotStarted State = iota
	StateDataSort
	StateDataCompact
)

// Flag is the shared, atomically-guarded want_defrag cell. The
// background loop sets it to request a job; Run polls it between
// phases and between merged-record batches to cooperatively cancel.
type Flag struct {
	v atomic.Int32
}

func (f *Flag) Load() State   { return State(f.v.Load()) }
func (f *Flag) Store(s State) { f.v.Store(int32(s)) }

// ErrCancelled is returned by Run when want_defrag was reset to
// NOT_STARTED while the job was in flight.
var ErrCancelled = errors.New("eblob: datasort cancelled")

// Config holds a datasort job's tunables.
type Config struct {
	// ChunksDir is the scratch directory for intermediate chunk files.
	// Falls back to the store directory when empty.
	ChunksDir string
	// ChunkRecords bounds how many records accumulate in a chunk file
	// before it is flushed and a new one started.
	ChunkRecords int
	// UseViews enables the sorted-view optimization.
	UseViews bool
	// SinglePassFileSizeThreshold controls whether a sorted-view run
	// reports SinglePassViewUsed: any positive value reports it every
	// time the view path runs, zero never does. The value is not
	// compared against any file size.
	SinglePassFileSizeThreshold uint64
	// Alignment is the disk-size alignment applied to the output base.
	Alignment uint64
	// NoFooter matches the store-wide footer setting so the output
	// base is laid out the same way as its inputs.
	NoFooter bool
	// BloomLengthBytes fixes the bloom sidecar's bit-vector length.
	// Zero sizes it off the job's input volume instead.
	BloomLengthBytes uint64
}

func (c Config) withDefaults() Config {
	if c.ChunkRecords <= 0 {
		c.ChunkRecords = 65536
	}
	return c
}

// Stats records which optimization path a job took.
type Stats struct {
	RecordsIn          uint64
	RecordsOut         uint64
	RecordsDropped     uint64 // superseded by a newer copy, or dead
	ViewUsed           int64
	SortedViewUsed     int64
	SinglePassViewUsed int64
	Completion         CompletionStatus
}

// Job describes one defrag run.
type Job struct {
	Mode   Mode
	Inputs []*blobfile.Base // ordered oldest-first; later entries win key ties
	Dir    string           // store directory the output base is created in
	OutID  uint64
	Config Config
	Cancel *Flag
	Logger *slog.Logger
}

// Placement records where one surviving key ended up in the output
// base, so Commit can remap the hash index without re-scanning the
// output base's index file.
type Placement struct {
	Key         recordfmt.Key
	IndexOffset uint64
}

// Result is the output of a successful (non-cancelled) Run.
type Result struct {
	Base       *blobfile.Base
	Stats      Stats
	Placements []Placement
}

// Run executes the chunk/sort/merge phases of job and returns an
// opened, fully-written output base. It does not touch the caller's
// base list or hash index — that is Commit's job, invoked by the
// backend under bases_lock once Run succeeds.
func Run(job Job) (*Result, error) {
	if len(job.Inputs) == 0 {
		return nil, fmt.Errorf("eblob: datasort: no input bases")
	}
	cfg := job.Config.withDefaults()
	logger := logging.Default(job.Logger).With("component", "datasort", "out_base", job.OutID, "mode", job.Mode.String())

	if cancelled(job.Cancel) {
		return nil, ErrCancelled
	}

	if cfg.UseViews {
		if res, ok, err := tryView(job, cfg, logger); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}

	chunksDir := cfg.ChunksDir
	if chunksDir == "" {
		chunksDir = job.Dir
	}
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, fmt.Errorf("eblob: datasort: create chunks dir: %w", err)
	}

	chunkFiles, recordsIn, err := chunkPhase(job, cfg, chunksDir, logger)
	if err != nil {
		return nil, err
	}
	defer cleanupFiles(chunkFiles)

	if cancelled(job.Cancel) {
		return nil, ErrCancelled
	}

	sortedFiles, err := sortPhase(chunkFiles, chunksDir, logger)
	if err != nil {
		return nil, err
	}
	defer cleanupFiles(sortedFiles)

	if cancelled(job.Cancel) {
		return nil, ErrCancelled
	}

	out, placements, recordsOut, recordsDropped, err := mergePhase(job, cfg, sortedFiles, logger)
	if err != nil {
		return nil, err
	}

	stats := Stats{
		RecordsIn:      recordsIn,
		RecordsOut:     recordsOut,
		RecordsDropped: recordsDropped,
		Completion:     StatusSuccess,
	}
	logger.Info("datasort complete", "records_in", recordsIn, "records_out", recordsOut, "records_dropped", recordsDropped)
	return &Result{Base: out, Stats: stats, Placements: placements}, nil
}

// Commit installs result's records into index, pointed at the output
// base, and returns the subset of job.Inputs the caller should unlink
// once it has swapped them out of the base list under the backend's
// lock. A sorted-view result reuses one input's own base ID in place
// (see tryView), so that input is excluded from the unlink set — its
// data file IS the output, not a stale duplicate.
func Commit(job Job, result *Result, index *hashindex.Index) ([]*blobfile.Base, error) {
	for _, p := range result.Placements {
		index.Put(p.Key, hashindex.Location{BaseID: result.Base.ID, Offset: p.IndexOffset})
	}

	stale := make([]*blobfile.Base, 0, len(job.Inputs))
	for _, in := range job.Inputs {
		if in.ID == result.Base.ID {
			continue
		}
		stale = append(stale, in)
	}
	return stale, nil
}

func cancelled(f *Flag) bool {
	if f == nil {
		return false
	}
	return f.Load() == StateNotStarted
}

func cleanupFiles(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
