package cmd

import (
	"errors"
	"fmt"
	"github.com/LaugeSvan/DenFrieDigiSkole/skolebot"
	"github.com/spf13/cobra"
	"log/slog"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare the record store (create JSON documents, or migrate the database)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		switch cfg.Store.Type {
		case skolebot.StoreTypeJSON:
			if cfg.Store.ApplicationsFile == "" || cfg.Store.LevelsFile == "" {
				return errors.New(
					"environment variables SB_STORE_APPLICATIONS_FILE and " +
						"SB_STORE_LEVELS_FILE must be set for the json store",
				)
			}
		case skolebot.StoreTypeSQLite, skolebot.StoreTypePostgres:
			if cfg.Store.Database == "" {
				return errors.New(
					"environment variable SB_STORE_DATABASE not set (must be a valid " +
						"database connection string or sqlite file path)",
				)
			}
		}

		applications, levels, err := skolebot.InitStores(ctx, cfg, slog.Default())
		if err != nil {
			return fmt.Errorf("error initializing %s store: %w", cfg.Store.Type, err)
		}

		fmt.Fprintf(
			out,
			"Store ready (type: %s, applications: %d, levels: %d)\n",
			cfg.Store.Type,
			applications,
			levels,
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
