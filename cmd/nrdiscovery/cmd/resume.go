package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/nrdiscovery/internal/discovery"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
)

var resumeForce bool

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Continue a discovery session from its checkpoint",
	Long: `Resume loads the checkpoint of a previous session and continues it.
Work items recorded as completed are not queried again; items that failed
or were in flight are retried. The realized cost of the earlier run counts
against the budget.

Use --force to start the session over under the same id.

Example:
  nrdiscovery resume 3f2c1a9e-6d1b-4f59-9a8e-2b7c0d4e5f61 --config nrdiscovery.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeForce, "force", false,
		"Ignore completed items and run every phase again")
	addOutputFlags(resumeCmd)

	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Infow("Resuming discovery",
		"session", sessionID,
		"force", resumeForce,
	)

	ctx, cancel := signalContext(cmd.Context(), log)
	defer cancel()

	r, err := newRunner(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer r.close()

	return r.finish(ctx, cmd, func(ctx context.Context) (*discovery.Session, error) {
		return r.orch.Resume(ctx, sessionID, resumeForce)
	})
}
