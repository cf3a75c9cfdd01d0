package backend

import (
	"errors"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/datasort"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// inspectYieldInterval is how many records Inspect verifies between
// want_inspect polls, matching datasort's cancelCheckInterval cadence
// so neither job starves foreground requests for long.
const inspectYieldInterval = 1024

// Inspect runs a full checksum-verification sweep over every base:
// records already flagged CORRUPTED are skipped (their status was
// already persisted and counted); every other live record is read
// with ModeCSUM, which itself sets CORRUPTED and updates the
// base's corrupted counters on a mismatch. Cooperatively cancellable
// via want_inspect being reset to NOT_STARTED.
func (b *Backend) Inspect() error {
	b.wantInspect.Store(datasort.StateDataSort)
	defer b.wantInspect.Store(datasort.StateNotStarted)

	var sinceYield int
	for _, base := range b.snapshotBases() {
		err := base.IterateIndex(blobfile.IterLive, func(hdr recordfmt.Header, indexOffset uint64) error {
			if hdr.HasFlag(recordfmt.FlagCorrupted) {
				return nil
			}
			sinceYield++
			if sinceYield >= inspectYieldInterval {
				sinceYield = 0
				if b.wantInspect.Load() == datasort.StateNotStarted {
					return datasort.ErrCancelled
				}
			}
			_, err := base.ReadAt(indexOffset, blobfile.ModeCSUM)
			if err != nil && !errors.Is(err, blobfile.ErrChecksumMismatch) {
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// StopInspect requests cancellation of an in-flight Inspect sweep.
func (b *Backend) StopInspect() { b.wantInspect.Store(datasort.StateNotStarted) }
