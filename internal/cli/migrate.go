package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/db"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		cfg := GetConfig()

		database, err := db.Open(db.Config{Path: cfg.Database.Path})
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		applied, err := database.MigrateUp(ctx)
		if err != nil {
			return err
		}
		current, err := database.SchemaVersion(ctx)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]any{
				"path":    cfg.Database.Path,
				"applied": applied,
				"version": current,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: applied %d migration(s), schema version %d\n", cfg.Database.Path, applied, current)
		return nil
	},
}
