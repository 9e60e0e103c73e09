package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/nrdiscovery/internal/logger"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List stored discovery checkpoints",
	Long: `Checkpoints lists the sessions stored in the configured progress
backend, most recently updated first, with their status, completed work
items and realized cost.

Example:
  nrdiscovery checkpoints --config nrdiscovery.yaml`,
	RunE: runCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	summaries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		cmd.Printf("No checkpoints stored (backend: %s)\n", cfg.Progress.Backend)
		return nil
	}

	rows := [][]string{{"SESSION", "STATUS", "ITEMS", "COST", "UPDATED"}}
	for _, s := range summaries {
		rows = append(rows, []string{
			s.ID,
			s.Status,
			fmt.Sprintf("%d", s.CompletedItems),
			fmt.Sprintf("%.4f", s.TotalCost),
			s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	writeTable(cmd.OutOrStdout(), rows)
	cmd.Printf("\nTotal: %d checkpoint(s)\n", len(summaries))
	return nil
}
