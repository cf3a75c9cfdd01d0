package datasort

import (
	"bufio"
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/bloomfilter"
	"github.com/shaitan/eblob/internal/hashindex"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// cancelCheckInterval is how many merged records pass between
// cancellation polls during the merge phase.
const cancelCheckInterval = 1024

// mergeCursor streams decoded entries out of one sorted chunk file.
type mergeCursor struct {
	f     *os.File
	r     *bufio.Reader
	entry chunkEntry
	done  bool
}

func openMergeCursor(path string) (*mergeCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eblob: datasort: open sorted chunk: %w", err)
	}
	c := &mergeCursor{f: f, r: bufio.NewReader(f)}
	if err := c.advance(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *mergeCursor) advance() error {
	e, err := decodeEntry(c.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.done = true
			return nil
		}
		return err
	}
	c.entry = e
	return nil
}

func (c *mergeCursor) close() { c.f.Close() }

// cursorHeap orders cursors by (key asc, generation desc) so that,
// among entries sharing the smallest key, the newest (highest
// generation, i.e. latest base in job.Inputs) entry pops first, so an
// overwritten record's stale copy in an older base never wins.
type cursorHeap []*mergeCursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].entry.header.Key[:], h[j].entry.header.Key[:])
	if c != 0 {
		return c < 0
	}
	return h[i].entry.generation > h[j].entry.generation
}
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*mergeCursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergePhase k-way merges sortedFiles into a brand-new output base,
// writing its data file, index file, sorted-index sidecar, and bloom
// filter.
func mergePhase(job Job, cfg Config, sortedFiles []string, logger *slog.Logger) (*blobfile.Base, []Placement, uint64, uint64, error) {
	out, err := blobfile.Open(job.Dir, job.OutID, cfg.Alignment, cfg.NoFooter, logger)
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("eblob: datasort: open output base: %w", err)
	}
	// Append refuses to write to a non-active base; the output base is
	// only "active" for the duration of the merge writing it, then
	// sealed like any other datasort product.
	out.SetActive(true)
	defer out.SetActive(false)

	// A failed or cancelled merge must leave nothing behind: a stray
	// partial data.<OutID> pair would be rediscovered as a real base on
	// the next open.
	abort := func(err error) (*blobfile.Base, []Placement, uint64, uint64, error) {
		out.Close()
		out.Unlink()
		return nil, nil, 0, 0, err
	}

	bloomBits := cfg.BloomLengthBytes * 8
	if bloomBits == 0 {
		bloomBits = estimateBloomBits(sortedFiles)
	}
	bloom := bloomfilter.New(bloomBits, 4)

	h := make(cursorHeap, 0, len(sortedFiles))
	var openCursors []*mergeCursor
	defer func() {
		for _, c := range openCursors {
			c.close()
		}
	}()

	for _, path := range sortedFiles {
		c, err := openMergeCursor(path)
		if err != nil {
			return abort(err)
		}
		openCursors = append(openCursors, c)
		if !c.done {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	var (
		recordsOut       uint64
		recordsDropped   uint64
		placements       []Placement
		sinceCancelCheck int
	)

	for h.Len() > 0 {
		winnerCursor := heap.Pop(&h).(*mergeCursor)
		winner := winnerCursor.entry
		if err := winnerCursor.advance(); err != nil {
			return abort(err)
		}
		if !winnerCursor.done {
			heap.Push(&h, winnerCursor)
		}

		for h.Len() > 0 && bytes.Equal(h[0].entry.header.Key[:], winner.header.Key[:]) {
			dupCursor := heap.Pop(&h).(*mergeCursor)
			recordsDropped++
			if err := dupCursor.advance(); err != nil {
				return abort(err)
			}
			if !dupCursor.done {
				heap.Push(&h, dupCursor)
			}
		}

		indexOffset, err := writeMergedRecord(out, winner)
		if err != nil {
			return abort(err)
		}
		bloom.Add(hashindex.L2Hash(winner.header.Key))
		placements = append(placements, Placement{Key: winner.header.Key, IndexOffset: indexOffset})
		recordsOut++

		sinceCancelCheck++
		if sinceCancelCheck >= cancelCheckInterval {
			sinceCancelCheck = 0
			if cancelled(job.Cancel) {
				return abort(ErrCancelled)
			}
		}
	}

	if err := out.Sync(); err != nil {
		return abort(err)
	}
	if err := writeSortedSidecars(job.Dir, job.OutID, bloom); err != nil {
		return abort(err)
	}
	if err := out.MarkSorted(); err != nil {
		return abort(err)
	}

	logger.Info("merge phase complete", "records_out", recordsOut, "records_dropped", recordsDropped)
	return out, placements, recordsOut, recordsDropped, nil
}

// writeMergedRecord appends one surviving entry to out's data/index
// files, recomputing its footer (footer bytes never depend on the
// record's absolute offset, only its payload) and returns the index
// offset of its newly written DC.
func writeMergedRecord(out *blobfile.Base, e chunkEntry) (uint64, error) {
	flags := e.header.Flags
	wc, err := out.Append(e.header.Key, e.payload, 0, flags)
	if err != nil {
		return 0, fmt.Errorf("eblob: datasort: write merged record: %w", err)
	}
	return wc.IndexOffset, nil
}

// writeSortedSidecars writes the .index.sorted copy (identical to the
// freshly-written .index, since merge output is already key-ordered)
// and the bloom filter sidecar.
func writeSortedSidecars(dir string, id uint64, bloom *bloomfilter.Filter) error {
	indexPath := blobfile.IndexPath(dir, id)
	sortedPath := blobfile.SortedIndexPath(dir, id)
	if err := copyFile(indexPath, sortedPath); err != nil {
		return fmt.Errorf("eblob: datasort: write sorted sidecar: %w", err)
	}
	hdr := recordfmt.SidecarHeader{Kind: recordfmt.SidecarKindBloom}.Encode()
	payload := append(hdr[:], bloom.Bytes()...)
	if err := os.WriteFile(blobfile.BloomPath(dir, id), payload, 0o644); err != nil {
		return fmt.Errorf("eblob: datasort: write bloom sidecar: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// estimateBloomBits sizes the bloom filter off the total scratch-file
// bytes on disk as a rough proxy for record count (checksum.FooterBytes
// and recordfmt.HeaderSize keep the per-record overhead small and
// roughly constant, so this stays in the right order of magnitude).
func estimateBloomBits(paths []string) uint64 {
	var total int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	estRecords := uint64(total/256) + 1
	return estRecords * 10
}
