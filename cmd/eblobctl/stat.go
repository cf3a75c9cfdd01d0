package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaitan/eblob"
)

// namedRegisters is the fixed print order for `eblobctl stat`.
var namedRegisters = []struct {
	name string
	reg  eblob.Register
}{
	{"RecordsCorrupted", eblob.StatRecordsCorrupted},
	{"CorruptedSize", eblob.StatCorruptedSize},
	{"DatasortCompletionStatus", eblob.StatDatasortCompletionStatus},
	{"DatasortViewUsed", eblob.StatDatasortViewUsed},
	{"DatasortSortedViewUsed", eblob.StatDatasortSortedViewUsed},
	{"DatasortSinglePassViewUsed", eblob.StatDatasortSinglePassViewUsed},
	{"RecordsTotal", eblob.StatRecordsTotal},
	{"BasesTotal", eblob.StatBasesTotal},
}

func newStatCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print every stat register for a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := eblob.Init(eblob.Config{File: opts.dir}, opts.logger())
			if err != nil {
				return err
			}
			defer blob.Close()

			for _, r := range namedRegisters {
				fmt.Printf("%-28s %d\n", r.name, blob.StatGet(r.reg))
			}
			return nil
		},
	}
}
