package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaitan/eblob"
)

func newDefragCmd(opts *rootOpts) *cobra.Command {
	var mode string
	var basesFlag string
	var chunksDir string

	cmd := &cobra.Command{
		Use:   "defrag",
		Short: "Run a datasort pass over candidate or explicitly named bases",
		RunE: func(cmd *cobra.Command, args []string) error {
			var m eblob.Mode
			switch mode {
			case "sort":
				m = eblob.DataSort
			case "compact":
				m = eblob.DataCompact
			default:
				return fmt.Errorf("unknown --mode %q (want sort or compact)", mode)
			}

			blob, err := eblob.Init(eblob.Config{File: opts.dir}, opts.logger())
			if err != nil {
				return err
			}
			defer blob.Close()

			if basesFlag == "" && chunksDir == "" {
				return blob.Defrag(m)
			}
			var ids []uint64
			if basesFlag != "" {
				if ids, err = parseBaseIDs(basesFlag); err != nil {
					return err
				}
			}
			return blob.StartDefragInDir(m, chunksDir, ids)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "sort", "defrag mode: sort or compact")
	cmd.Flags().StringVar(&basesFlag, "bases", "", "comma-separated explicit base IDs (default: auto-select dead-fraction candidates)")
	cmd.Flags().StringVar(&chunksDir, "chunks-dir", "", "scratch directory for intermediate chunk files (default: the store directory)")
	return cmd
}

func parseBaseIDs(s string) ([]uint64, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid base id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
