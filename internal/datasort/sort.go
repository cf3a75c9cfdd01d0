package datasort

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/shaitan/eblob/internal/recordfmt"
)

// sortPhase reads each chunk file fully into memory, sorts its entries
// by key, and rewrites it to a new scratch file in key order. Payload
// bytes are not otherwise touched.
func sortPhase(chunkFiles []string, chunksDir string, logger *slog.Logger) ([]string, error) {
	sorted := make([]string, 0, len(chunkFiles))
	for _, path := range chunkFiles {
		entries, err := readChunkFile(path)
		if err != nil {
			cleanupFiles(sorted)
			return nil, err
		}

		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].header.Key[:], entries[j].header.Key[:]) < 0
		})

		outPath, err := writeSortedChunk(chunksDir, entries)
		if err != nil {
			cleanupFiles(sorted)
			return nil, err
		}
		sorted = append(sorted, outPath)
	}
	logger.Info("sort phase complete", "chunks", len(sorted))
	return sorted, nil
}

func writeSortedChunk(dir string, entries []chunkEntry) (string, error) {
	name := fmt.Sprintf(".sorted-%s", uuid.Must(uuid.NewV7()).String())
	path := dir + "/" + name
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("eblob: datasort: create sorted chunk: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var genBuf [4]byte
	var hdrBuf [recordfmt.HeaderSize]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint32(genBuf[:], e.generation)
		if _, err := w.Write(genBuf[:]); err != nil {
			return "", err
		}
		if err := recordfmt.Encode(e.header, hdrBuf[:]); err != nil {
			return "", err
		}
		if _, err := w.Write(hdrBuf[:]); err != nil {
			return "", err
		}
		if len(e.payload) > 0 {
			if _, err := w.Write(e.payload); err != nil {
				return "", err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return path, nil
}
