package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for all pipeline stages. It is built once in
// main and passed to each component's constructor.
type Config struct {
	// Object store
	StoreDriver string `yaml:"store_driver" validate:"oneof=fs pebble"`
	StoreRoot   string `yaml:"store_root" validate:"required"`
	Prefix      string `yaml:"prefix" validate:"required"`

	// Feed scrape
	FeedURL   string `yaml:"feed_url" validate:"required,url"`
	WorkDir   string `yaml:"work_dir" validate:"required"`
	StatePath string `yaml:"state_path" validate:"required"` // sqlite ledger

	// Index build
	ScratchDir       string        `yaml:"scratch_dir"` // empty means os.TempDir()
	ShardPrefixLen   int           `yaml:"shard_prefix_len" validate:"min=1,max=32"`
	ProgressEvery    int           `yaml:"progress_every" validate:"min=1"`
	ConcurrentPasses bool          `yaml:"concurrent_passes"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"min=0"`
	WriteRetries     int           `yaml:"write_retries" validate:"min=0,max=20"`
	LeaseTTL         time.Duration `yaml:"lease_ttl" validate:"min=0"`

	// Observability
	LogLevel        string `yaml:"log_level" validate:"oneof=debug info warn error"`
	MetricsTextfile string `yaml:"metrics_textfile"`
	NATSURL         string `yaml:"nats_url"`
	NATSSubject     string `yaml:"nats_subject" validate:"required"`

	// Live arrivals
	ArrivalsSource string `yaml:"arrivals_source" validate:"oneof=thebus gtfsrt"`
	ArrivalsURL    string `yaml:"arrivals_url" validate:"required,url"`
	ArrivalsAPIKey string `yaml:"arrivals_api_key"`
	ArrivalsStopID string `yaml:"arrivals_stop_id"`
	ArrivalsOutput string `yaml:"arrivals_output"`
}

// Load reads configuration from .env, environment variables and an
// optional YAML file named by BUSINDEX_CONFIG, in that order of precedence
// (later wins), then validates the result.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		StoreDriver: envStr("BUSINDEX_STORE_DRIVER", "fs"),
		StoreRoot:   envStr("BUSINDEX_STORE_ROOT", "./gtfs-bus-bucket"),
		Prefix:      strings.Trim(envStr("BUSINDEX_PREFIX", "gtfs_latest/json"), "/"),

		FeedURL:   envStr("BUSINDEX_FEED_URL", "https://www.thebus.org/transitdata/production/google_transit.zip"),
		WorkDir:   envStr("BUSINDEX_WORK_DIR", "./gtfs_latest"),
		StatePath: envStr("BUSINDEX_STATE_PATH", "./busindex.db"),

		ScratchDir:       envStr("BUSINDEX_SCRATCH_DIR", ""),
		ShardPrefixLen:   envInt("BUSINDEX_SHARD_PREFIX_LEN", 3),
		ProgressEvery:    envInt("BUSINDEX_PROGRESS_EVERY", 500000),
		ConcurrentPasses: envBool("BUSINDEX_CONCURRENT_PASSES", false),
		WriteTimeout:     envDuration("BUSINDEX_WRITE_TIMEOUT", 30*time.Second),
		WriteRetries:     envInt("BUSINDEX_WRITE_RETRIES", 4),
		LeaseTTL:         envDuration("BUSINDEX_LEASE_TTL", 2*time.Hour),

		LogLevel:        strings.ToLower(envStr("BUSINDEX_LOG_LEVEL", "info")),
		MetricsTextfile: envStr("BUSINDEX_METRICS_TEXTFILE", ""),
		NATSURL:         envStr("NATS_URL", ""),
		NATSSubject:     envStr("BUSINDEX_NATS_SUBJECT", "busindex.builds"),

		ArrivalsSource: envStr("BUSINDEX_ARRIVALS_SOURCE", "thebus"),
		ArrivalsURL:    envStr("BUSINDEX_ARRIVALS_URL", "http://api.thebus.org/arrivalsJSON/"),
		ArrivalsAPIKey: envStr("BUSINDEX_ARRIVALS_API_KEY", ""),
		ArrivalsStopID: envStr("BUSINDEX_ARRIVALS_STOP_ID", ""),
		ArrivalsOutput: envStr("BUSINDEX_ARRIVALS_OUTPUT", ""),
	}

	if path := os.Getenv("BUSINDEX_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Logger builds the stderr text logger at the configured level.
func (c *Config) Logger() *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
