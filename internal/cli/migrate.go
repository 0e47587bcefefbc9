package cli

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/db"
	"github.com/Ramsey-B/fern/pkg/database"
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().Int("version", 0, "Migrate to this version instead of the latest")
	migrateCmd.Flags().Int("force", 0, "Force the schema version before migrating")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("version") {
		cfg.DatabaseMigrationVersion, _ = cmd.Flags().GetInt("version")
	}
	if cmd.Flags().Changed("force") {
		cfg.DatabaseMigrationForce, _ = cmd.Flags().GetInt("force")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	conn, err := database.Connect(ctx, cfg.Database(), logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	migrations := database.NewMigrationService(logger, cfg.Migration(db.Postgres()))
	if err := migrations.Migrate(cfg.DatabaseName, conn); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}
