package cmd

import (
	"github.com/arcward/shardkeeper/shardkeeper"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the orchestrator, its workers and the control API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			sk, err := shardkeeper.New(cfg)
			if err != nil {
				log.Fatalf("error creating shardkeeper: %s", err.Error())
			}

			if err = sk.Run(ctx); err != nil {
				log.Fatalf("error running shardkeeper: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
