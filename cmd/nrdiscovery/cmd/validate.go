package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/nerdgraph"
)

var validateOffline bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and run preflight checks",
	Long: `Validate checks the configuration file and runs preflight checks
against the account and the progress backend.

Checks performed:
  - Configuration syntax and required fields
  - Progress backend availability (checkpoint directory or database)
  - API key and account access via a capability probe
  - Data Plus and async query support

Example:
  nrdiscovery validate --config nrdiscovery.yaml`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateOffline, "offline", false,
		"Only check the configuration, without contacting the account")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	cfg, err := loadConfig()
	if err != nil {
		cmd.Printf("❌ Configuration invalid: %v\n", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cmd.Printf("\n=== Configuration Validation ===\n")
	cmd.Printf("Config file: %s\n", configFile)
	cmd.Printf("Account: %d (%s)\n", cfg.Account.ID, cfg.Account.GraphQLEndpoint())
	cmd.Printf("Rate limit: %d queries/min, burst %d, %d concurrent\n",
		cfg.RateLimit.QueriesPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.MaxConcurrentQueries)
	if cfg.Cost.Ceiling > 0 {
		cmd.Printf("Budget: %.4f (warn at %.0f%%)\n", cfg.Cost.Ceiling, cfg.Cost.WarnThreshold*100)
	} else {
		cmd.Printf("Budget: unlimited\n")
	}
	cmd.Printf("Progress backend: %s\n", cfg.Progress.Backend)
	cmd.Printf("✅ Configuration valid\n")

	if validateOffline {
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*nerdgraph.StandardMaxTimeout)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		cmd.Printf("❌ Progress backend unavailable: %v\n", err)
		return fmt.Errorf("validation failed: %w", err)
	}
	defer closeStore()
	if _, err := store.List(ctx); err != nil {
		cmd.Printf("❌ Progress backend unreadable: %v\n", err)
		return fmt.Errorf("validation failed: %w", err)
	}
	cmd.Printf("✅ Progress backend reachable\n")

	client, err := nerdgraph.NewClient(cfg.Account, nerdgraph.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create NerdGraph client: %w", err)
	}

	start := time.Now()
	report, err := client.ProbeCapabilities(ctx, cfg.Account.ID)
	if err != nil {
		cmd.Printf("❌ Capability probe failed: %v\n", err)
		return fmt.Errorf("validation failed: %w", err)
	}
	cmd.Printf("✅ Account reachable (%s)\n", time.Since(start).Round(time.Millisecond))
	cmd.Printf("   Data Plus: %v\n", report.DataPlus)
	cmd.Printf("   Max query duration: %s\n", report.MaxQueryDuration)
	cmd.Printf("   Async queries: %v\n", report.Async)

	cmd.Println("\n=== Validation Complete ===")
	return nil
}
