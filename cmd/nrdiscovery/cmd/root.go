package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile       string
	logLevel      string
	logFormat     string
	accountID     int
	qpm           int
	maxConcurrent int
	budget        float64
	eventTypes    []string
)

var rootCmd = &cobra.Command{
	Use:   "nrdiscovery",
	Short: "Rate-limited New Relic schema discovery",
	Long: `A CLI tool that explores a New Relic account's telemetry schema
without exhausting its query limits or cost budget.

Features:
  - Event type enumeration, attribute sampling and classification
  - Metric discovery and relationship inference between event types
  - Query template generation for dashboards
  - Token-bucket rate limiting with bounded concurrency
  - Cost estimation with a hard session budget
  - Automatic fallback across execution strategies on timeouts
  - Resumable sessions via checkpoints`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "nrdiscovery.yaml",
		"Path to configuration file")

	// Logging overrides
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	// Account and limit overrides
	rootCmd.PersistentFlags().IntVar(&accountID, "account", 0,
		"Override the New Relic account id")
	rootCmd.PersistentFlags().IntVar(&qpm, "qpm", 0,
		"Override queries per minute")
	rootCmd.PersistentFlags().IntVar(&maxConcurrent, "max-concurrent", 0,
		"Override the maximum number of in-flight queries")
	rootCmd.PersistentFlags().Float64Var(&budget, "budget", 0,
		"Override the session cost ceiling")
	rootCmd.PersistentFlags().StringSliceVar(&eventTypes, "event-types", nil,
		"Discover only these event types (skips enumeration)")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel      string
	LogFormat     string
	AccountID     int
	QPM           int
	MaxConcurrent int
	Budget        float64
	EventTypes    []string
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:      logLevel,
		LogFormat:     logFormat,
		AccountID:     accountID,
		QPM:           qpm,
		MaxConcurrent: maxConcurrent,
		Budget:        budget,
		EventTypes:    eventTypes,
	}
}
