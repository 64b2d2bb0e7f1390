// Command possum is a local inspection and benchmark tool for a possum
// store directory. It is not a daemon: every subcommand opens the store,
// performs one operation (or a bounded benchmark run), and exits.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var storePath string

func main() {
	root := &cobra.Command{
		Use:   "possum",
		Short: "Inspect and benchmark a possum store directory",
	}
	root.PersistentFlags().StringVar(&storePath, "dir", "", "storage directory (required)")
	root.MarkPersistentFlagRequired("dir")

	root.AddCommand(
		newWriteCmd(),
		newReadCmd(),
		newStatCmd(),
		newDeleteCmd(),
		newListCmd(),
		newBenchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
