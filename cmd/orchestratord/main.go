// Command orchestratord is the orchestration core's process entrypoint: a
// single binary exposing a "serve" subcommand that hosts the workflow
// engine, replication coordinator, and session broadcaster, and a
// "merge-driver"/"resolve-conflicts" pair invoked by git for the JSONL
// three-way merge engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orchestratord",
		Short:         "Local orchestration server for AI coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
	}
	cmd.PersistentFlags().String("config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMergeDriverCommand())
	cmd.AddCommand(newResolveConflictsCommand())
	return cmd
}
