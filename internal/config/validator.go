package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateEndpoint validates a collector URL
func (v *Validator) ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("upload endpoint cannot be empty")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid upload endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid upload endpoint scheme: %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upload endpoint %q has no host", endpoint)
	}

	return nil
}

// ValidateCompression validates the upload body encoding
func (v *Validator) ValidateCompression(compression string) error {
	if compression == "" {
		return nil // Use default
	}

	valid := []string{"none", "gzip", "zstd"}
	for _, c := range valid {
		if compression == c {
			return nil
		}
	}
	return fmt.Errorf("invalid compression: %s (must be one of: %s)", compression, strings.Join(valid, ", "))
}

// ValidateDuration validates a Go duration string such as "10m"
func (v *Validator) ValidateDuration(field, value string) error {
	if value == "" {
		return nil // Use default
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %s", field, value)
	}
	return nil
}

// ValidateSchedule validates a standard five-field cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil // Schedule policy disabled
	}

	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid flush schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateStorageDriver validates the durable storage driver
func (v *Validator) ValidateStorageDriver(driver string) error {
	if driver == "" {
		return nil // Use default
	}

	valid := []string{"sqlite", "memory"}
	for _, d := range valid {
		if driver == d {
			return nil
		}
	}
	return fmt.Errorf("invalid storage driver: %s (must be one of: %s)", driver, strings.Join(valid, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and reports every problem
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Upload.Endpoint == "" {
		errors = append(errors, fmt.Errorf("upload.endpoint is not set; uploads will fail until it is configured"))
	} else if err := v.ValidateEndpoint(cfg.Upload.Endpoint); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateCompression(cfg.Upload.Compression); err != nil {
		errors = append(errors, err)
	}
	for name := range cfg.Upload.Headers {
		if strings.TrimSpace(name) == "" {
			errors = append(errors, fmt.Errorf("upload.headers: header name cannot be empty"))
		}
	}

	for field, value := range map[string]string{
		"upload.timeout":          cfg.Upload.Timeout,
		"storage.sweep_age":       cfg.Storage.SweepAge,
		"flush.time_window":       cfg.Flush.TimeWindow,
		"flush.breaker_cooldown":  cfg.Flush.BreakerCooldown,
		"flush.snapshot_debounce": cfg.Flush.SnapshotDebounce,
		"flush.drain_debounce":    cfg.Flush.DrainDebounce,
	} {
		if err := v.ValidateDuration(field, value); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateSchedule(cfg.Flush.Schedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Flush.BatchLimit < 0 {
		errors = append(errors, fmt.Errorf("flush.batch_limit must be >= 0"))
	}
	if cfg.Flush.CapacityThreshold < 0 {
		errors = append(errors, fmt.Errorf("flush.capacity_threshold must be >= 0"))
	}
	if cfg.Flush.BreakerCeiling < 0 {
		errors = append(errors, fmt.Errorf("flush.breaker_ceiling must be >= 0"))
	}
	if cfg.Flush.MaxPending < 0 {
		errors = append(errors, fmt.Errorf("flush.max_pending must be >= 0"))
	}

	if err := v.ValidateStorageDriver(cfg.Storage.Driver); err != nil {
		errors = append(errors, err)
	}

	if cfg.Server.Enabled {
		if err := v.ValidatePort(cfg.Server.Port); err != nil {
			errors = append(errors, err)
		}
		if cfg.Server.MaxBodyBytes < 0 {
			errors = append(errors, fmt.Errorf("server.max_body_bytes must be >= 0"))
		}
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
