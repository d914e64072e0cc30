package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create the database if needed and apply all pending schema migrations.

"froyobox serve" migrates on startup as well; this command is for
preparing a database ahead of a rollout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().Str("database", cfg.Database.Path).Msg("Migrating database")

			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read migration version: %w", err)
			}

			fmt.Printf("✓ Database %s at schema version %d", cfg.Database.Path, version)
			if dirty {
				fmt.Print(" (dirty)")
			}
			fmt.Println()
			return nil
		},
	}

	return cmd
}
