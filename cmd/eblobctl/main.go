// Command eblobctl is a concrete embedder of the eblob package: a
// cobra CLI that opens a store directory and runs one-shot
// inspect/defrag/stat/dump operations against it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaitan/eblob/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOpts carries the persistent flags shared by every subcommand.
type rootOpts struct {
	dir     string
	verbose bool
	debug   []string // components forced to debug level
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}

	root := &cobra.Command{
		Use:   "eblobctl",
		Short: "Inspect and maintain an eblob store directory",
	}
	root.PersistentFlags().StringVar(&opts.dir, "dir", "", "store directory (required)")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "log at debug level instead of info")
	root.PersistentFlags().StringSliceVar(&opts.debug, "debug", nil,
		"components to log at debug level regardless of --verbose (e.g. datasort,backend)")
	root.MarkPersistentFlagRequired("dir")

	root.AddCommand(
		newStatCmd(opts),
		newInspectCmd(opts),
		newDefragCmd(opts),
		newDumpCmd(opts),
	)
	return root
}

func (o *rootOpts) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	levels := make(logging.ComponentLevels, len(o.debug))
	for _, component := range o.debug {
		levels[component] = slog.LevelDebug
	}
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(logging.NewComponentHandler(text, level, levels))
}
