package config

import (
	"fmt"
	"path"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateAccount()...)
	errors = append(errors, c.validateRateLimit()...)
	errors = append(errors, c.validateCache()...)
	errors = append(errors, c.validateCost()...)
	errors = append(errors, c.validateRouter()...)
	errors = append(errors, c.validateDiscovery()...)
	errors = append(errors, c.validateProgress()...)
	errors = append(errors, c.validateLogging()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateAccount() ValidationErrors {
	var errors ValidationErrors

	if c.Account.ID <= 0 {
		errors = append(errors, ValidationError{
			Field:   "account.id",
			Message: "account id must be positive",
		})
	}

	if c.Account.APIKey == "" || strings.HasPrefix(c.Account.APIKey, "$") {
		errors = append(errors, ValidationError{
			Field:   "account.api_key",
			Message: "api_key is required (unresolved environment variables count as missing)",
		})
	}

	validRegions := map[string]bool{"us": true, "eu": true, "": true}
	if !validRegions[c.Account.Region] {
		errors = append(errors, ValidationError{
			Field:   "account.region",
			Message: "region must be 'us' or 'eu'",
		})
	}

	return errors
}

func (c *Config) validateRateLimit() ValidationErrors {
	var errors ValidationErrors

	if c.RateLimit.QueriesPerMinute <= 0 {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.queries_per_minute",
			Message: "queries_per_minute must be positive",
		})
	}

	if c.RateLimit.Burst < 0 {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.burst",
			Message: "burst cannot be negative",
		})
	}

	if c.RateLimit.MaxConcurrentQueries <= 0 {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.max_concurrent_queries",
			Message: "max_concurrent_queries must be positive",
		})
	}

	return errors
}

func (c *Config) validateCache() ValidationErrors {
	var errors ValidationErrors

	if c.Cache.Capacity <= 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.capacity",
			Message: "capacity must be positive",
		})
	}

	if c.Cache.TTL < 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.ttl",
			Message: "ttl cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateCost() ValidationErrors {
	var errors ValidationErrors

	if c.Cost.Ceiling < 0 {
		errors = append(errors, ValidationError{
			Field:   "cost.ceiling",
			Message: "ceiling cannot be negative",
		})
	}

	if c.Cost.WarnThreshold < 0 || c.Cost.WarnThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "cost.warn_threshold",
			Message: "warn_threshold must be between 0 and 1",
		})
	}

	if c.Cost.PerRowCost < 0 {
		errors = append(errors, ValidationError{
			Field:   "cost.per_row_cost",
			Message: "per_row_cost cannot be negative",
		})
	}

	if c.Cost.ScanRowsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "cost.scan_rows_per_second",
			Message: "scan_rows_per_second must be positive",
		})
	}

	return errors
}

func (c *Config) validateRouter() ValidationErrors {
	var errors ValidationErrors
	r := c.Router

	if r.StandardTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "router.standard_timeout",
			Message: "standard_timeout must be positive",
		})
	}

	if r.LongRunningTimeout < r.StandardTimeout {
		errors = append(errors, ValidationError{
			Field:   "router.long_running_timeout",
			Message: "long_running_timeout must not be shorter than standard_timeout",
		})
	}

	if r.SplitWindows < 2 {
		errors = append(errors, ValidationError{
			Field:   "router.split_windows",
			Message: "split_windows must be at least 2",
		})
	}

	if r.MaxLadderTraversals <= 0 {
		errors = append(errors, ValidationError{
			Field:   "router.max_ladder_traversals",
			Message: "max_ladder_traversals must be positive",
		})
	}

	if r.AsyncPollInterval <= 0 || r.AsyncPollTimeout < r.AsyncPollInterval {
		errors = append(errors, ValidationError{
			Field:   "router.async_poll_interval",
			Message: "async_poll_interval must be positive and not exceed async_poll_timeout",
		})
	}

	return errors
}

func (c *Config) validateDiscovery() ValidationErrors {
	var errors ValidationErrors
	d := c.Discovery

	if d.Since <= 0 {
		errors = append(errors, ValidationError{
			Field:   "discovery.since",
			Message: "since must be positive",
		})
	}

	patterns := map[string][]string{
		"discovery.include":   d.Include,
		"discovery.exclude":   d.Exclude,
		"discovery.deny_list": d.DenyList,
	}
	for field, list := range patterns {
		for i, p := range list {
			if _, err := path.Match(p, ""); err != nil {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", field, i),
					Message: fmt.Sprintf("invalid glob pattern %q", p),
				})
			}
		}
	}

	if d.LowCardinalityThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "discovery.low_cardinality_threshold",
			Message: "low_cardinality_threshold must be positive",
		})
	}

	if d.SampleLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "discovery.sample_limit",
			Message: "sample_limit must be positive",
		})
	}

	if d.SessionTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "discovery.session_timeout",
			Message: "session_timeout cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateProgress() ValidationErrors {
	var errors ValidationErrors
	p := c.Progress

	switch p.Backend {
	case "file", "":
		if p.Directory == "" {
			errors = append(errors, ValidationError{
				Field:   "progress.directory",
				Message: "directory is required for the file backend",
			})
		}
	case "mysql":
		errors = append(errors, validateDatabase("progress.database", &p.Database)...)
	default:
		errors = append(errors, ValidationError{
			Field:   "progress.backend",
			Message: "backend must be 'file' or 'mysql'",
		})
	}

	return errors
}

func validateDatabase(prefix string, db *DatabaseConfig) ValidationErrors {
	var errors ValidationErrors

	if db.Host == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".host",
			Message: "host is required",
		})
	}

	if db.Port <= 0 || db.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".port",
			Message: "port must be between 1 and 65535",
		})
	}

	if db.User == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".user",
			Message: "user is required",
		})
	}

	if db.Database == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".database",
			Message: "database name is required",
		})
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[db.TLS] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
