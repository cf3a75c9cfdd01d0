package backend

import (
	"fmt"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/datasort"
	"github.com/shaitan/eblob/internal/eblobcfg"
	"github.com/shaitan/eblob/internal/stat"
)

// DefragStatus snapshots the background defrag job's progress.
type DefragStatus struct {
	State      datasort.State
	Completion datasort.CompletionStatus
}

// candidateBases returns every sealed base whose dead-byte fraction is
// at or above cfg.DefragPercentage.
func (b *Backend) candidateBases() []*blobfile.Base {
	var out []*blobfile.Base
	threshold := float64(b.cfg.DefragPercentage) / 100
	for _, base := range b.snapshotBases() {
		if base.IsActive() {
			continue
		}
		if base.Stat().DeadFraction() >= threshold {
			out = append(out, base)
		}
	}
	return out
}

// Defrag runs datasort over every candidate base (dead-fraction at or
// above defrag_percentage) and commits the result under basesLock.
func (b *Backend) Defrag(mode datasort.Mode) error {
	candidates := b.candidateBases()
	if len(candidates) == 0 {
		return nil
	}
	return b.runDefrag(mode, candidates)
}

// StartDefragInDir runs datasort with dir as the scratch chunks
// directory (kept until StopDefrag clears it; empty keeps the
// configured one) over an explicit set of bases, or over the
// auto-selected dead-fraction candidates when baseIDs is nil.
func (b *Backend) StartDefragInDir(mode datasort.Mode, dir string, baseIDs []uint64) error {
	if dir != "" {
		b.chunksDirMu.Lock()
		b.defragChunksDir = dir
		b.chunksDirMu.Unlock()
	}

	if baseIDs == nil {
		return b.Defrag(mode)
	}

	b.basesLock.RLock()
	var inputs []*blobfile.Base
	for _, id := range baseIDs {
		if base := b.baseByID(id); base != nil {
			inputs = append(inputs, base)
		}
	}
	b.basesLock.RUnlock()
	if len(inputs) == 0 {
		return fmt.Errorf("eblob: backend: no matching bases for defrag")
	}
	return b.runDefrag(mode, inputs)
}

// chunksDir resolves the scratch directory the next defrag job should
// chunk into.
func (b *Backend) chunksDir() string {
	b.chunksDirMu.Lock()
	defer b.chunksDirMu.Unlock()
	if b.defragChunksDir != "" {
		return b.defragChunksDir
	}
	return b.cfg.ChunksDir
}

func (b *Backend) runDefrag(mode datasort.Mode, inputs []*blobfile.Base) error {
	state := datasort.StateDataSort
	if mode == datasort.ModeDataCompact {
		state = datasort.StateDataCompact
	}
	b.wantDefrag.Store(state)
	defer b.wantDefrag.Store(datasort.StateNotStarted)

	outID := b.nextID.Add(1) - 1
	job := datasort.Job{
		Mode:   mode,
		Inputs: inputs,
		Dir:    b.dir,
		OutID:  outID,
		Config: datasort.Config{
			ChunksDir:                   b.chunksDir(),
			UseViews:                    b.cfg.BlobFlags.Has(eblobcfg.UseViews),
			SinglePassFileSizeThreshold: b.cfg.SinglePassFileSizeThreshold,
			Alignment:                   eblobcfg.Alignment(0),
			NoFooter:                    b.cfg.BlobFlags.Has(eblobcfg.NoFooter),
			BloomLengthBytes:            b.cfg.IndexBlockBloomLength,
		},
		Cancel: b.wantDefrag,
		Logger: b.logger,
	}

	result, err := datasort.Run(job)
	if err != nil {
		b.stats.Set(stat.DatasortCompletionStatus, int64(datasort.StatusFailed))
		if err == datasort.ErrCancelled {
			b.stats.Set(stat.DatasortCompletionStatus, int64(datasort.StatusCancelled))
		}
		return err
	}

	b.basesLock.Lock()
	stale, commitErr := datasort.Commit(job, result, b.index)
	if commitErr != nil {
		b.basesLock.Unlock()
		return commitErr
	}
	b.replaceBasesLocked(inputs, result.Base)
	b.basesLock.Unlock()

	for _, base := range stale {
		base.Close()
		base.Unlink()
		b.index.DeleteWhereBase(base.ID)
	}

	b.stats.Set(stat.DatasortCompletionStatus, int64(result.Stats.Completion))
	b.stats.Set(stat.DatasortViewUsed, result.Stats.ViewUsed)
	b.stats.Set(stat.DatasortSortedViewUsed, result.Stats.SortedViewUsed)
	b.stats.Set(stat.DatasortSinglePassViewUsed, result.Stats.SinglePassViewUsed)
	return nil
}

// replaceBasesLocked removes inputs from b.bases and inserts out in
// the first input's slot (the view path reuses an input's own ID, in
// which case out lands exactly where that input was). Caller must
// hold basesLock for writing.
func (b *Backend) replaceBasesLocked(inputs []*blobfile.Base, out *blobfile.Base) {
	inputIDs := make(map[uint64]bool, len(inputs))
	for _, in := range inputs {
		inputIDs[in.ID] = true
	}

	next := make([]*blobfile.Base, 0, len(b.bases))
	inserted := false
	for _, base := range b.bases {
		if base.ID == out.ID {
			next = append(next, out)
			inserted = true
			continue
		}
		if inputIDs[base.ID] {
			// The output takes over the first input's slot so it
			// stays ahead of every base younger than its contents.
			if !inserted {
				next = append(next, out)
				inserted = true
			}
			continue
		}
		next = append(next, base)
	}
	if !inserted {
		next = append(next, out)
	}
	b.bases = next
	b.stats.Set(stat.BasesTotal, int64(len(b.bases)))

	// Defragging the active base away would leave the store with
	// nothing writable; the newest surviving base takes over.
	hasActive := false
	for _, base := range b.bases {
		if base.IsActive() {
			hasActive = true
			break
		}
	}
	if !hasActive && len(b.bases) > 0 {
		b.bases[len(b.bases)-1].SetActive(true)
	}
}

// SortPendingBases datasorts every base queued by rotation under
// AUTO_INDEXSORT, one job per base. Called from the background loop's
// periodic tick, never from a foreground request.
func (b *Backend) SortPendingBases() error {
	b.pendingSortMu.Lock()
	pending := b.pendingSort
	b.pendingSort = nil
	b.pendingSortMu.Unlock()

	for _, id := range pending {
		b.basesLock.RLock()
		base := b.baseByID(id)
		b.basesLock.RUnlock()
		if base == nil || base.IsSorted() || base.IsActive() {
			continue
		}
		if err := b.runDefrag(datasort.ModeDataSort, []*blobfile.Base{base}); err != nil {
			return err
		}
	}
	return nil
}

// StopDefrag requests cancellation of an in-flight defrag job and
// clears any scratch-directory override set by StartDefragInDir.
func (b *Backend) StopDefrag() {
	b.wantDefrag.Store(datasort.StateNotStarted)
	b.chunksDirMu.Lock()
	b.defragChunksDir = ""
	b.chunksDirMu.Unlock()
}

// DefragStatusSnapshot reports the background defrag job's current state.
func (b *Backend) DefragStatusSnapshot() DefragStatus {
	return DefragStatus{
		State:      b.wantDefrag.Load(),
		Completion: datasort.CompletionStatus(b.stats.Get(stat.DatasortCompletionStatus)),
	}
}
