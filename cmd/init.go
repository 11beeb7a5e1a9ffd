package cmd

import (
	"fmt"
	"github.com/arcward/shardkeeper/shardkeeper"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, and generate an API secret if none is set",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable SK_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable SK_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := shardkeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Database initialized.")

		if cfg.API.Secret == "" {
			secret, secretErr := shardkeeper.GenerateSecret()
			if secretErr != nil {
				log.Fatalf("Error generating API secret: %v", secretErr)
			}
			fmt.Fprintln(out, "API secret is not set. Generated one:")
			fmt.Fprintf(out, "\n  SK_API_SECRET=%s\n\n", secret)
			fmt.Fprintln(out, "Set it in your environment or .env file before starting.")
		} else {
			fmt.Fprintln(out, "API secret is already set.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the orchestrator with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
