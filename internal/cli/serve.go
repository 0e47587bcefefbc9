package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)

	serveCmd.Flags().Bool("no-workers", false, "Serve the API without consuming sync jobs")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the scheduler and sync workers",
	Long: `Run the REST API. The scheduler runs unless SCHEDULER_ENABLED=false, and
sync workers consume the job queue unless --no-workers is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	noWorkers, _ := cmd.Flags().GetBool("no-workers")

	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	a := newApp(cfg, logger, cfg.DatabaseMigrateOnStart)
	a.addScheduler()
	if !noWorkers {
		a.addWorkers()
	}
	a.addServer()
	return run(cmd.Context(), a)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume sync jobs without serving the API",
	Long: `Run sync workers against the job queue. The scheduler also runs here unless
SCHEDULER_ENABLED=false; running it in several processes is safe.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	a := newApp(cfg, logger, false)
	a.addScheduler()
	a.addWorkers()
	return run(cmd.Context(), a)
}
