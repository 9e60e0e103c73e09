// Package config provides configuration structures and loading for nrdiscovery.
package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	Account   AccountConfig   `yaml:"account" mapstructure:"account"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Cost      CostConfig      `yaml:"cost" mapstructure:"cost"`
	Router    RouterConfig    `yaml:"router" mapstructure:"router"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Progress  ProgressConfig  `yaml:"progress" mapstructure:"progress"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// AccountConfig identifies the New Relic account and API credentials.
type AccountConfig struct {
	ID       int    `yaml:"id" mapstructure:"id"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
	Region   string `yaml:"region" mapstructure:"region"`     // us or eu
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"` // overrides the region endpoint
}

// RateLimitConfig bounds query throughput and concurrency.
type RateLimitConfig struct {
	QueriesPerMinute     int `yaml:"queries_per_minute" mapstructure:"queries_per_minute"`
	Burst                int `yaml:"burst" mapstructure:"burst"`
	MaxConcurrentQueries int `yaml:"max_concurrent_queries" mapstructure:"max_concurrent_queries"`
}

// CacheConfig configures the query result cache.
type CacheConfig struct {
	Capacity int           `yaml:"capacity" mapstructure:"capacity"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// CostConfig configures cost estimation and the session budget.
type CostConfig struct {
	Ceiling                float64 `yaml:"ceiling" mapstructure:"ceiling"`               // 0 disables the budget
	WarnThreshold          float64 `yaml:"warn_threshold" mapstructure:"warn_threshold"` // fraction of ceiling
	PerRowCost             float64 `yaml:"per_row_cost" mapstructure:"per_row_cost"`
	DefaultVolumePerMinute float64 `yaml:"default_volume_per_minute" mapstructure:"default_volume_per_minute"`
	ScanRowsPerSecond      float64 `yaml:"scan_rows_per_second" mapstructure:"scan_rows_per_second"`
}

// RouterConfig configures execution path selection and the retry ladder.
type RouterConfig struct {
	ShortThreshold       time.Duration `yaml:"short_threshold" mapstructure:"short_threshold"`
	StandardTimeout      time.Duration `yaml:"standard_timeout" mapstructure:"standard_timeout"`
	LongRunningTimeout   time.Duration `yaml:"long_running_timeout" mapstructure:"long_running_timeout"`
	SplitWindows         int           `yaml:"split_windows" mapstructure:"split_windows"`
	MaxLadderTraversals  int           `yaml:"max_ladder_traversals" mapstructure:"max_ladder_traversals"`
	AsyncPollInterval    time.Duration `yaml:"async_poll_interval" mapstructure:"async_poll_interval"`
	AsyncPollTimeout     time.Duration `yaml:"async_poll_timeout" mapstructure:"async_poll_timeout"`
	AsyncResultThreshold int           `yaml:"async_result_threshold" mapstructure:"async_result_threshold"`
}

// DiscoveryConfig configures what the orchestrator explores.
type DiscoveryConfig struct {
	Since                   time.Duration `yaml:"since" mapstructure:"since"`
	EventTypes              []string      `yaml:"event_types" mapstructure:"event_types"` // explicit list skips SHOW EVENT TYPES
	Include                 []string      `yaml:"include" mapstructure:"include"`         // glob patterns
	Exclude                 []string      `yaml:"exclude" mapstructure:"exclude"`         // glob patterns
	MaxEventTypes           int           `yaml:"max_event_types" mapstructure:"max_event_types"`
	DenyList                []string      `yaml:"deny_list" mapstructure:"deny_list"` // attribute glob patterns
	LowCardinalityThreshold int64         `yaml:"low_cardinality_threshold" mapstructure:"low_cardinality_threshold"`
	SampleLimit             int           `yaml:"sample_limit" mapstructure:"sample_limit"`
	JoinKeys                []string      `yaml:"join_keys" mapstructure:"join_keys"`
	Metrics                 bool          `yaml:"metrics" mapstructure:"metrics"`
	MetricLimit             int           `yaml:"metric_limit" mapstructure:"metric_limit"`
	SessionTimeout          time.Duration `yaml:"session_timeout" mapstructure:"session_timeout"`
	EventBuffer             int           `yaml:"event_buffer" mapstructure:"event_buffer"`
}

// ProgressConfig selects where resumable checkpoints are stored.
type ProgressConfig struct {
	Backend   string         `yaml:"backend" mapstructure:"backend"` // file or mysql
	Directory string         `yaml:"directory" mapstructure:"directory"`
	Database  DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig represents a MySQL connection used by the checkpoint store.
type DatabaseConfig struct {
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// DefaultDenyList holds attribute patterns that are never probed: internal
// identifiers, raw epoch fields and payload blobs.
var DefaultDenyList = []string{
	"nr.*",
	"*Id",
	"*.id",
	"guid",
	"*Timestamp",
	"*.timestamp",
	"payload",
	"*.payload",
	"rawPayload",
	"message",
	"stackTrace",
}

// DefaultJoinKeys are attributes that link event types to each other.
var DefaultJoinKeys = []string{
	"entity.guid",
	"entityGuid",
	"traceId",
	"appName",
	"hostname",
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			Region: "us",
		},
		RateLimit: RateLimitConfig{
			QueriesPerMinute:     2500,
			Burst:                10,
			MaxConcurrentQueries: 10,
		},
		Cache: CacheConfig{
			Capacity: 1000,
			TTL:      time.Hour,
		},
		Cost: CostConfig{
			Ceiling:                0,
			WarnThreshold:          0.8,
			PerRowCost:             0.000001,
			DefaultVolumePerMinute: 1000,
			ScanRowsPerSecond:      5_000_000,
		},
		Router: RouterConfig{
			ShortThreshold:       30 * time.Second,
			StandardTimeout:      30 * time.Second,
			LongRunningTimeout:   10 * time.Minute,
			SplitWindows:         4,
			MaxLadderTraversals:  2,
			AsyncPollInterval:    5 * time.Second,
			AsyncPollTimeout:     10 * time.Minute,
			AsyncResultThreshold: 5000,
		},
		Discovery: DiscoveryConfig{
			Since:                   24 * time.Hour,
			DenyList:                append([]string(nil), DefaultDenyList...),
			LowCardinalityThreshold: 100,
			SampleLimit:             10,
			JoinKeys:                append([]string(nil), DefaultJoinKeys...),
			Metrics:                 true,
			MetricLimit:             1000,
			SessionTimeout:          30 * time.Minute,
			EventBuffer:             256,
		},
		Progress: ProgressConfig{
			Backend:   "file",
			Directory: ".nrdiscovery/checkpoints",
			Database: DatabaseConfig{
				Port:               3306,
				TLS:                "preferred",
				MaxConnections:     4,
				MaxIdleConnections: 2,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// GraphQLEndpoint returns the NerdGraph URL for the configured region.
func (a AccountConfig) GraphQLEndpoint() string {
	if a.Endpoint != "" {
		return a.Endpoint
	}
	if a.Region == "eu" {
		return "https://api.eu.newrelic.com/graphql"
	}
	return "https://api.newrelic.com/graphql"
}
