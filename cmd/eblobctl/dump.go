package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaitan/eblob"
)

func newDumpCmd(opts *rootOpts) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "List every record's key and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := eblob.Init(eblob.Config{File: opts.dir}, opts.logger())
			if err != nil {
				return err
			}
			defer blob.Close()

			flags := eblob.IterLive
			if all {
				flags = eblob.IterAll
			}

			var n int
			err = blob.Iterate(flags, func(hdr eblob.Header, r eblob.RecordReader, dataOffset int64) error {
				removed := hdr.HasFlag(eblob.FlagRemoved)
				corrupted := hdr.HasFlag(eblob.FlagCorrupted)
				fmt.Printf("%s  size=%-10d removed=%t corrupted=%t\n",
					hex.EncodeToString(hdr.Key[:]), hdr.DataSize, removed, corrupted)
				n++
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d records\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include removed records")
	return cmd
}
