package cmd

import (
	"github.com/arcward/shardkeeper/shardkeeper"
	"github.com/spf13/cobra"
	"os"
)

// workerCmd is started by the orchestrator in 'process' worker mode. It
// speaks the worker protocol on stdin/stdout, and isn't meant to be run
// by hand.
var workerCmd = &cobra.Command{
	Use:    shardkeeper.WorkerCommand,
	Short:  "Runs a single shard worker (started by the orchestrator)",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return shardkeeper.RunWorkerProcess(
			cmd.Context(),
			cmd.InOrStdin(),
			cmd.OutOrStdout(),
			os.Stderr,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(workerCmd)
}
