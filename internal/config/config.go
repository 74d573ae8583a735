package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Beacon configuration
type Config struct {
	// Application name stamped on every session record
	Application string `json:"application" mapstructure:"application"`

	// Upload transport
	Upload UploadConfig `json:"upload" mapstructure:"upload"`

	// Extra metadata merged into every session record
	Metadata map[string]string `json:"metadata" mapstructure:"metadata"`

	// Durable storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Flush policies and delivery
	Flush FlushConfig `json:"flush" mapstructure:"flush"`

	// Ingest server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Audit log
	Audit AuditConfig `json:"audit" mapstructure:"audit"`
}

// UploadConfig holds collector settings
type UploadConfig struct {
	Endpoint    string            `json:"endpoint" mapstructure:"endpoint"`
	Timeout     string            `json:"timeout" mapstructure:"timeout"`
	Compression string            `json:"compression" mapstructure:"compression"` // none, gzip, zstd
	Headers     map[string]string `json:"headers" mapstructure:"headers"`
}

// StorageConfig holds durable storage settings
type StorageConfig struct {
	Driver    string `json:"driver" mapstructure:"driver"` // sqlite, memory
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
	SweepAge  string `json:"sweep_age" mapstructure:"sweep_age"`
}

// FlushConfig holds flush policy, queue and breaker settings
type FlushConfig struct {
	TimeWindow        string `json:"time_window" mapstructure:"time_window"`
	CapacityThreshold int    `json:"capacity_threshold" mapstructure:"capacity_threshold"`
	BatchLimit        int    `json:"batch_limit" mapstructure:"batch_limit"`
	Schedule          string `json:"schedule" mapstructure:"schedule"` // cron expression, empty disables
	BreakerCeiling    int    `json:"breaker_ceiling" mapstructure:"breaker_ceiling"`
	BreakerCooldown   string `json:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	MaxPending        int    `json:"max_pending" mapstructure:"max_pending"`
	SnapshotDebounce  string `json:"snapshot_debounce" mapstructure:"snapshot_debounce"`
	DrainDebounce     string `json:"drain_debounce" mapstructure:"drain_debounce"`
}

// ServerConfig holds ingest server settings
type ServerConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimit    int    `json:"rate_limit" mapstructure:"rate_limit"` // requests per minute per IP
	MaxBodyBytes int64  `json:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// AuditConfig holds audit log settings
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	File    string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Application: "beacon",
		Upload: UploadConfig{
			Timeout:     "30s",
			Compression: "none",
			Headers:     map[string]string{},
		},
		Metadata: map[string]string{},
		Storage: StorageConfig{
			Driver:    "sqlite",
			Namespace: "beacon",
			SweepAge:  "168h",
		},
		Flush: FlushConfig{
			TimeWindow:        "10m",
			CapacityThreshold: 100,
			BatchLimit:        500,
			BreakerCeiling:    10,
			BreakerCooldown:   "1m",
			MaxPending:        1000,
			SnapshotDebounce:  "16ms",
			DrainDebounce:     "200ms",
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         7410,
			RateLimit:    6000,
			MaxBodyBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1.0,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if c.Upload.Endpoint != "" {
		if err := v.ValidateEndpoint(c.Upload.Endpoint); err != nil {
			return err
		}
	}
	if err := v.ValidateCompression(c.Upload.Compression); err != nil {
		return err
	}

	durations := []struct {
		field string
		value string
	}{
		{"upload.timeout", c.Upload.Timeout},
		{"storage.sweep_age", c.Storage.SweepAge},
		{"flush.time_window", c.Flush.TimeWindow},
		{"flush.breaker_cooldown", c.Flush.BreakerCooldown},
		{"flush.snapshot_debounce", c.Flush.SnapshotDebounce},
		{"flush.drain_debounce", c.Flush.DrainDebounce},
	}
	for _, d := range durations {
		if err := v.ValidateDuration(d.field, d.value); err != nil {
			return err
		}
	}

	if c.Flush.CapacityThreshold < 0 {
		return fmt.Errorf("flush.capacity_threshold must not be negative, got %d", c.Flush.CapacityThreshold)
	}
	if c.Flush.BatchLimit < 0 {
		return fmt.Errorf("flush.batch_limit must not be negative, got %d", c.Flush.BatchLimit)
	}
	if c.Flush.BreakerCeiling < 0 {
		return fmt.Errorf("flush.breaker_ceiling must not be negative, got %d", c.Flush.BreakerCeiling)
	}
	if c.Flush.MaxPending < 0 {
		return fmt.Errorf("flush.max_pending must not be negative, got %d", c.Flush.MaxPending)
	}
	if err := v.ValidateSchedule(c.Flush.Schedule); err != nil {
		return err
	}

	if err := v.ValidateStorageDriver(c.Storage.Driver); err != nil {
		return err
	}

	if c.Server.Enabled {
		if err := v.ValidatePort(c.Server.Port); err != nil {
			return err
		}
	}

	if c.Logging.Level != "" {
		if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
			return err
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %f", c.Tracing.SampleRatio)
	}

	return nil
}

// Duration parses value, returning def when it is empty or malformed.
// Validate reports malformed values; callers read through this afterwards.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
