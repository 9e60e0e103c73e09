package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetConfigFile(t *testing.T) {
	originalCfgFile := cfgFile
	defer func() {
		cfgFile = originalCfgFile
	}()

	tests := []struct {
		name     string
		cfgValue string
		want     string
	}{
		{name: "empty config file", cfgValue: "", want: ""},
		{name: "custom config file", cfgValue: "/path/to/custom.yaml", want: "/path/to/custom.yaml"},
		{name: "config file with spaces", cfgValue: "/path/to/my config.yaml", want: "/path/to/my config.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgFile = tt.cfgValue
			assert.Equal(t, tt.want, GetConfigFile())
		})
	}
}

func TestGetCLIOverrides(t *testing.T) {
	originalLogLevel := logLevel
	originalLogFormat := logFormat
	originalAccountID := accountID
	originalQPM := qpm
	originalMaxConcurrent := maxConcurrent
	originalBudget := budget
	originalEventTypes := eventTypes
	defer func() {
		logLevel = originalLogLevel
		logFormat = originalLogFormat
		accountID = originalAccountID
		qpm = originalQPM
		maxConcurrent = originalMaxConcurrent
		budget = originalBudget
		eventTypes = originalEventTypes
	}()

	tests := []struct {
		name          string
		logLevel      string
		logFormat     string
		accountID     int
		qpm           int
		maxConcurrent int
		budget        float64
		eventTypes    []string
		want          CLIOverrides
	}{
		{
			name: "empty overrides",
			want: CLIOverrides{},
		},
		{
			name:          "all overrides set",
			logLevel:      "debug",
			logFormat:     "text",
			accountID:     1234567,
			qpm:           600,
			maxConcurrent: 3,
			budget:        2.5,
			eventTypes:    []string{"Transaction", "Log"},
			want: CLIOverrides{
				LogLevel:      "debug",
				LogFormat:     "text",
				AccountID:     1234567,
				QPM:           600,
				MaxConcurrent: 3,
				Budget:        2.5,
				EventTypes:    []string{"Transaction", "Log"},
			},
		},
		{
			name:     "partial overrides",
			logLevel: "warn",
			budget:   0.5,
			want: CLIOverrides{
				LogLevel: "warn",
				Budget:   0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logLevel = tt.logLevel
			logFormat = tt.logFormat
			accountID = tt.accountID
			qpm = tt.qpm
			maxConcurrent = tt.maxConcurrent
			budget = tt.budget
			eventTypes = tt.eventTypes

			assert.Equal(t, tt.want, GetCLIOverrides())
		})
	}
}

func TestRootCommandStructure(t *testing.T) {
	assert.NotNil(t, rootCmd)
	assert.Equal(t, "nrdiscovery", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.Equal(t, Version, rootCmd.Version)
}

func TestRootCommandPersistentFlags(t *testing.T) {
	flags := rootCmd.PersistentFlags()

	configFlag, err := flags.GetString("config")
	assert.NoError(t, err)
	assert.Equal(t, "nrdiscovery.yaml", configFlag)

	for _, name := range []string{"log-level", "log-format"} {
		v, err := flags.GetString(name)
		assert.NoError(t, err)
		assert.Equal(t, "", v, name)
	}

	for _, name := range []string{"account", "qpm", "max-concurrent"} {
		v, err := flags.GetInt(name)
		assert.NoError(t, err)
		assert.Equal(t, 0, v, name)
	}

	budgetFlag, err := flags.GetFloat64("budget")
	assert.NoError(t, err)
	assert.Equal(t, float64(0), budgetFlag)

	eventTypesFlag, err := flags.GetStringSlice("event-types")
	assert.NoError(t, err)
	assert.Empty(t, eventTypesFlag)
}

func TestRootCommandSubcommands(t *testing.T) {
	commands := rootCmd.Commands()
	commandNames := make([]string, len(commands))
	for i, cmd := range commands {
		commandNames[i] = cmd.Name()
	}

	for _, expected := range []string{"checkpoints", "discover", "resume", "validate", "version"} {
		assert.Contains(t, commandNames, expected, "Expected command %s not found", expected)
	}
}

func TestExecute(t *testing.T) {
	// Execute exits the process on error, so only its presence is checked.
	assert.NotNil(t, Execute)
}

func TestVersionVariables(t *testing.T) {
	assert.NotEmpty(t, Version, "Version should not be empty")
	assert.NotEmpty(t, Commit, "Commit should not be empty")
}
