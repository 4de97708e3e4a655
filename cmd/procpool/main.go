package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "procpool",
		Short: "procpool runs and supervises a pool of long-lived shell processes",
		Long: `procpool manages a reusable pool of shell subprocesses, dispatching
submitted command sequences to idle processes and growing or shrinking the
pool between configured bounds.`,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildStatusCommand())

	return root
}

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
