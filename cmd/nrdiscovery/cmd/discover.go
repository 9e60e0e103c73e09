package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/nrdiscovery/internal/discovery"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/query"
)

var (
	discoverSessionID string
	outputFile        string
	outputFormat      string
	verbose           bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run a discovery session against the configured account",
	Long: `Discover explores the account's telemetry schema in six phases:
  1. Event type enumeration and volume probing
  2. Attribute sampling (keyset per event type)
  3. Attribute classification (numeric, string, boolean, timestamp)
  4. Metric discovery and grouping
  5. Relationship inference over shared join keys
  6. Query template generation

Every query goes through the rate limiter and the cost budget. A checkpoint
is written after each phase; an interrupted session can be continued with
the resume command.

Example:
  nrdiscovery discover --config nrdiscovery.yaml --output schema.json`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVar(&discoverSessionID, "session-id", "",
		"Session id to use instead of a generated one")
	addOutputFlags(discoverCmd)

	rootCmd.AddCommand(discoverCmd)
}

func addOutputFlags(c *cobra.Command) {
	c.Flags().StringVarP(&outputFile, "output", "o", "",
		"Write the final session to this file")
	c.Flags().StringVar(&outputFormat, "format", "",
		"Output format (json, yaml); inferred from the file extension when empty")
	c.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"Show rate limit waits in the progress output")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Infow("Starting discovery",
		"account", cfg.Account.ID,
		"config", GetConfigFile(),
	)

	ctx, cancel := signalContext(cmd.Context(), log)
	defer cancel()

	r, err := newRunner(ctx, cfg, log, discovery.WithSessionID(discoverSessionID))
	if err != nil {
		return err
	}
	defer r.close()

	return r.finish(ctx, cmd, func(ctx context.Context) (*discovery.Session, error) {
		return r.orch.Run(ctx)
	})
}

// finish runs the session while printing its events, then reports and
// exports the result.
func (r *runner) finish(ctx context.Context, cmd *cobra.Command, run func(context.Context) (*discovery.Session, error)) error {
	out := cmd.OutOrStdout()

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(out, r.orch.Events(), verbose)
	}()
	s, runErr := run(ctx)
	<-done

	if s == nil {
		if runErr != nil {
			return fmt.Errorf("discovery failed: %w", runErr)
		}
		return nil
	}

	printSummary(out, s)
	if outputFile != "" {
		if err := exportSession(outputFile, outputFormat, s); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nSession written to %s\n", outputFile)
	}
	if r.store != nil && s.Status != discovery.StatusCompleted {
		fmt.Fprintf(out, "\nResume with: nrdiscovery resume %s --config %s\n", s.ID, GetConfigFile())
	}

	if runErr != nil {
		if query.IsSessionAbort(runErr) {
			return fmt.Errorf("discovery aborted: %w", runErr)
		}
		return fmt.Errorf("discovery failed: %w", runErr)
	}
	return nil
}
