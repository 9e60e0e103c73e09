package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	substituteEnvVars(cfg)

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns in credential and path fields.
func substituteEnvVars(cfg *Config) {
	cfg.Account.APIKey = expandEnvVar(cfg.Account.APIKey)
	cfg.Account.Endpoint = expandEnvVar(cfg.Account.Endpoint)

	db := &cfg.Progress.Database
	db.Host = expandEnvVar(db.Host)
	db.User = expandEnvVar(db.User)
	db.Password = expandEnvVar(db.Password)
	db.Database = expandEnvVar(db.Database)

	cfg.Progress.Directory = expandEnvVar(cfg.Progress.Directory)
	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Unknown variables are left as written
		return match
	})
}

// Overrides holds CLI flag values. Zero values leave the file config untouched.
type Overrides struct {
	LogLevel             string
	LogFormat            string
	AccountID            int
	QueriesPerMinute     int
	MaxConcurrentQueries int
	Budget               float64
	EventTypes           []string
}

// ApplyOverrides applies CLI flag overrides to the configuration.
// Only non-zero/non-empty values are applied.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
	if o.AccountID > 0 {
		c.Account.ID = o.AccountID
	}
	if o.QueriesPerMinute > 0 {
		c.RateLimit.QueriesPerMinute = o.QueriesPerMinute
	}
	if o.MaxConcurrentQueries > 0 {
		c.RateLimit.MaxConcurrentQueries = o.MaxConcurrentQueries
	}
	if o.Budget > 0 {
		c.Cost.Ceiling = o.Budget
	}
	if len(o.EventTypes) > 0 {
		c.Discovery.EventTypes = append([]string(nil), o.EventTypes...)
	}
}
