package cli

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/appctx"
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().String("tenant", "", "Tenant that owns the integration")
	syncCmd.Flags().String("integration", "", "Integration to sync")
	_ = syncCmd.MarkFlagRequired("tenant")
	_ = syncCmd.MarkFlagRequired("integration")
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync in the foreground and print the result",
	Example: `  fern sync --tenant 6f1c... --integration 0b9e...`,
	Args:    cobra.NoArgs,
	RunE:    runSync,
}

func runSync(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	integration, _ := cmd.Flags().GetString("integration")

	tenantID, err := uuid.Parse(tenant)
	if err != nil {
		return fmt.Errorf("invalid --tenant: %w", err)
	}
	integrationID, err := uuid.Parse(integration)
	if err != nil {
		return fmt.Errorf("invalid --integration: %w", err)
	}

	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a := newApp(cfg, logger, false)
	defer a.stop()
	if err := a.start(ctx); err != nil {
		return err
	}

	ctx = appctx.SetTenantID(ctx, tenantID.String())
	result, err := a.engine.SyncIntegration(ctx, integrationID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !result.Success {
		return fmt.Errorf("sync of %s failed", integrationID)
	}
	return nil
}
