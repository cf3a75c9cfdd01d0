package datasort

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/shaitan/eblob/internal/blobfile"
	"github.com/shaitan/eblob/internal/recordfmt"
)

// entryHeaderSize is the scratch-file framing around each record: a
// 4-byte generation tag (the record's position in job.Inputs, used to
// break key ties in the merge phase) followed by the record's DC
// header. The payload immediately follows, dataSize bytes long.
const entryHeaderSize = 4 + recordfmt.HeaderSize

// chunkPhase streams live records from every input base, in order,
// into fixed-size scratch files under chunksDir. Corrupted records
// are copied verbatim so the CORRUPTED flag survives into the output
// base.
func chunkPhase(job Job, cfg Config, chunksDir string, logger *slog.Logger) ([]string, uint64, error) {
	var (
		files     []string
		recordsIn uint64
		cur       *os.File
		curWriter *bufio.Writer
		curCount  int
	)

	closeCurrent := func() error {
		if cur == nil {
			return nil
		}
		if err := curWriter.Flush(); err != nil {
			cur.Close()
			return err
		}
		err := cur.Close()
		cur = nil
		curWriter = nil
		curCount = 0
		return err
	}

	openNew := func() error {
		name := fmt.Sprintf(".chunk-%s", uuid.Must(uuid.NewV7()).String())
		f, err := os.Create(chunksDir + "/" + name)
		if err != nil {
			return fmt.Errorf("eblob: datasort: create chunk file: %w", err)
		}
		files = append(files, f.Name())
		cur = f
		curWriter = bufio.NewWriter(f)
		curCount = 0
		return nil
	}

	for gen, base := range job.Inputs {
		genBytes := [4]byte{}
		binary.LittleEndian.PutUint32(genBytes[:], uint32(gen))

		err := base.Iterate(blobfile.IterLive, func(hdr recordfmt.Header, r blobfile.RecordReader, _ int64) error {
			if cur == nil {
				if err := openNew(); err != nil {
					return err
				}
			}

			var hdrBuf [recordfmt.HeaderSize]byte
			if err := recordfmt.Encode(hdr, hdrBuf[:]); err != nil {
				return err
			}
			if _, err := curWriter.Write(genBytes[:]); err != nil {
				return err
			}
			if _, err := curWriter.Write(hdrBuf[:]); err != nil {
				return err
			}

			payload := make([]byte, hdr.DataSize)
			if hdr.DataSize > 0 {
				if _, err := r.ReadAt(payload, 0); err != nil {
					return fmt.Errorf("eblob: datasort: read payload during chunk phase: %w", err)
				}
			}
			if _, err := curWriter.Write(payload); err != nil {
				return err
			}

			recordsIn++
			curCount++
			if curCount >= cfg.ChunkRecords {
				return closeCurrent()
			}
			if cancelled(job.Cancel) {
				return ErrCancelled
			}
			return nil
		})
		if err != nil {
			closeCurrent()
			cleanupFiles(files)
			return nil, 0, err
		}
	}
	if err := closeCurrent(); err != nil {
		cleanupFiles(files)
		return nil, 0, err
	}

	logger.Info("chunk phase complete", "chunks", len(files), "records", recordsIn)
	return files, recordsIn, nil
}

// chunkEntry is one decoded (generation, header, payload) triple read
// back out of a scratch chunk file.
type chunkEntry struct {
	generation uint32
	header     recordfmt.Header
	payload    []byte
}

// readChunkFile reads every entry out of a scratch chunk file in full.
func readChunkFile(path string) ([]chunkEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eblob: datasort: open chunk file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []chunkEntry
	for {
		e, err := decodeEntry(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("eblob: datasort: read chunk file %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// decodeEntry reads one (generation, header, payload) entry from r. It
// returns io.EOF (unwrapped) only when the stream ends cleanly at an
// entry boundary.
func decodeEntry(r *bufio.Reader) (chunkEntry, error) {
	var head [entryHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return chunkEntry{}, io.EOF
		}
		return chunkEntry{}, fmt.Errorf("read chunk entry header: %w", err)
	}
	gen := binary.LittleEndian.Uint32(head[:4])
	hdr, err := recordfmt.Decode(head[4:])
	if err != nil {
		return chunkEntry{}, err
	}
	payload := make([]byte, hdr.DataSize)
	if hdr.DataSize > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return chunkEntry{}, fmt.Errorf("truncated chunk entry payload: %w", err)
		}
	}
	return chunkEntry{generation: gen, header: hdr, payload: payload}, nil
}
