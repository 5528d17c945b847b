// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Source    SourceConfig    `mapstructure:"source"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SourceConfig locates the remote file listing endpoint.
type SourceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DownloadsConfig governs the download job's filters and target directory.
type DownloadsConfig struct {
	Dir            string `mapstructure:"dir"`
	MaxFileSizeMB  int    `mapstructure:"max_file_size_mb"`
	MaxFileAgeDays int    `mapstructure:"max_file_age_days"`
}

// SearchConfig governs search job worker pools and the results directory.
type SearchConfig struct {
	ResultsDir     string `mapstructure:"results_dir"`
	DefaultWorkers int    `mapstructure:"default_workers"`
	MaxWorkers     int    `mapstructure:"max_workers"`
	MaxConcurrent  int    `mapstructure:"max_concurrent"`
}

// FetchConfig configures remote fetch retry behavior.
type FetchConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// JobsConfig bounds the job manager's retained history.
type JobsConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

// DBConfig controls access to the ledger database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects the blob store provider for artifacts.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job lifecycle event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TXTDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("source.timeout_seconds", 60)
	v.SetDefault("downloads.dir", "output/downloaded_dir")
	v.SetDefault("downloads.max_file_size_mb", 500)
	v.SetDefault("downloads.max_file_age_days", 0)
	v.SetDefault("search.results_dir", "output/searched_dir")
	v.SetDefault("search.default_workers", 4)
	v.SetDefault("search.max_workers", 32)
	v.SetDefault("search.max_concurrent", 2)
	v.SetDefault("fetch.max_attempts", 5)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 30000)
	v.SetDefault("jobs.history_limit", 50)
	v.SetDefault("db.table", "files")
	v.SetDefault("storage.provider", "local")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Downloads.Dir == "" {
		return fmt.Errorf("downloads.dir is required")
	}
	if c.Downloads.MaxFileSizeMB <= 0 {
		return fmt.Errorf("downloads.max_file_size_mb must be > 0")
	}
	if c.Search.DefaultWorkers <= 0 {
		return fmt.Errorf("search.default_workers must be > 0")
	}
	if c.Search.MaxWorkers < c.Search.DefaultWorkers {
		return fmt.Errorf("search.max_workers must be >= search.default_workers")
	}
	if c.Search.MaxConcurrent <= 0 {
		return fmt.Errorf("search.max_concurrent must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Jobs.HistoryLimit <= 0 {
		return fmt.Errorf("jobs.history_limit must be > 0")
	}
	if c.Storage.Provider != "local" && c.Storage.Provider != "gcs" {
		return fmt.Errorf("storage.provider must be local or gcs")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when provider is gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// MaxFileSizeBytes converts the configured megabyte limit into bytes.
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.Downloads.MaxFileSizeMB) * 1024 * 1024
}

// SourceTimeout returns the per-request timeout for the remote listing.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first transient-error retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the transient-error retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}
