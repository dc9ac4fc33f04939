package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	CatalogBaseURL string        `envconfig:"CATALOG_BASE_URL" required:"true"`
	CatalogToken   string        `envconfig:"CATALOG_TOKEN"`
	ResolveTimeout time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"5m"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	AppsDir     string `envconfig:"APPS_DIR" required:"true"`
	StagingDir  string `envconfig:"STAGING_DIR"`
	DBPath      string `envconfig:"DB_PATH" default:"jobs.db"`

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	CancelGracePeriod time.Duration `envconfig:"CANCEL_GRACE_PERIOD" default:"2s"`
	CancelDebounce    time.Duration `envconfig:"CANCEL_DEBOUNCE" default:"3s"`

	LogLevel         string `envconfig:"LOG_LEVEL" default:"INFO"`
	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
