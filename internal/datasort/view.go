package datasort

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/bloomfilter"
	"github.com/shaitan/eblob/internal/hashindex"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// tryView attempts the sorted-view optimization: when the job has
// exactly one, already-sorted input base, datasort never needs to
// rewrite payload bytes — it only has to drop
// dead (REMOVED) entries from the index and regenerate the sorted
// sidecar and bloom filter in place. ok is false when the view path
// does not apply and the caller should fall through to the full
// chunk/sort/merge pipeline.
func tryView(job Job, cfg Config, logger *slog.Logger) (result *Result, ok bool, err error) {
	if job.Mode != ModeDataSort || len(job.Inputs) != 1 {
		return nil, false, nil
	}
	input := job.Inputs[0]
	if !input.IsSorted() {
		return nil, false, nil
	}

	id := input.ID
	var placements []Placement
	var liveCount uint64
	bloomBits := cfg.BloomLengthBytes * 8
	if bloomBits == 0 {
		bloomBits = (input.RecordCount() + 1) * 10
	}
	bloom := bloomfilter.New(bloomBits, 4)

	tmpIndexPath := blobfile.IndexPath(job.Dir, id) + ".view-tmp"
	tmpSortedPath := blobfile.SortedIndexPath(job.Dir, id) + ".view-tmp"

	idxFile, err := os.Create(tmpIndexPath)
	if err != nil {
		return nil, false, fmt.Errorf("eblob: datasort: create view index: %w", err)
	}

	var offset int64
	iterErr := input.Iterate(blobfile.IterLive, func(hdr recordfmt.Header, _ blobfile.RecordReader, _ int64) error {
		var buf [recordfmt.HeaderSize]byte
		if err := recordfmt.Encode(hdr, buf[:]); err != nil {
			return err
		}
		if _, err := idxFile.WriteAt(buf[:], offset); err != nil {
			return err
		}
		placements = append(placements, Placement{Key: hdr.Key, IndexOffset: uint64(offset)})
		bloom.Add(hashindex.L2Hash(hdr.Key))
		offset += recordfmt.HeaderSize
		liveCount++
		return nil
	})
	if iterErr != nil {
		idxFile.Close()
		os.Remove(tmpIndexPath)
		return nil, false, fmt.Errorf("eblob: datasort: view compaction: %w", iterErr)
	}
	if err := idxFile.Sync(); err != nil {
		idxFile.Close()
		os.Remove(tmpIndexPath)
		return nil, false, err
	}
	if err := idxFile.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return nil, false, err
	}

	if err := copyFile(tmpIndexPath, tmpSortedPath); err != nil {
		os.Remove(tmpIndexPath)
		return nil, false, err
	}
	if err := os.Rename(tmpIndexPath, blobfile.IndexPath(job.Dir, id)); err != nil {
		os.Remove(tmpIndexPath)
		os.Remove(tmpSortedPath)
		return nil, false, fmt.Errorf("eblob: datasort: commit view index: %w", err)
	}
	if err := os.Rename(tmpSortedPath, blobfile.SortedIndexPath(job.Dir, id)); err != nil {
		os.Remove(tmpSortedPath)
		return nil, false, fmt.Errorf("eblob: datasort: commit view sorted sidecar: %w", err)
	}
	bloomHdr := recordfmt.SidecarHeader{Kind: recordfmt.SidecarKindBloom}.Encode()
	bloomPayload := append(bloomHdr[:], bloom.Bytes()...)
	if err := os.WriteFile(blobfile.BloomPath(job.Dir, id), bloomPayload, 0o644); err != nil {
		return nil, false, fmt.Errorf("eblob: datasort: write view bloom sidecar: %w", err)
	}

	if err := input.Close(); err != nil {
		return nil, false, fmt.Errorf("eblob: datasort: close view input before reopen: %w", err)
	}
	reopened, err := blobfile.Open(job.Dir, id, cfg.Alignment, cfg.NoFooter, logger)
	if err != nil {
		return nil, false, fmt.Errorf("eblob: datasort: reopen view base: %w", err)
	}

	stats := Stats{
		RecordsIn:      liveCount,
		RecordsOut:     liveCount,
		ViewUsed:       1,
		SortedViewUsed: 1,
		Completion:     StatusSuccess,
	}
	if cfg.SinglePassFileSizeThreshold > 0 {
		stats.SinglePassViewUsed = 1
	}

	logger.Info("sorted view reused", "base", id, "records", liveCount, "single_pass", stats.SinglePassViewUsed == 1)
	return &Result{Base: reopened, Stats: stats, Placements: placements}, true, nil
}
