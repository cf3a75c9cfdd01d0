package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaitan/eblob"
)

func newInspectCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Run a full checksum-verification sweep over every base",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := eblob.Init(eblob.Config{File: opts.dir}, opts.logger())
			if err != nil {
				return err
			}
			defer blob.Close()

			if err := blob.Inspect(); err != nil {
				return err
			}
			fmt.Printf("RecordsCorrupted=%d CorruptedSize=%d\n",
				blob.StatGet(eblob.StatRecordsCorrupted),
				blob.StatGet(eblob.StatCorruptedSize))
			return nil
		},
	}
}
