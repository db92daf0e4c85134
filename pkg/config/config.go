// Package config loads routeledger settings from an optional YAML file overlaid by
// ROUTELEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/routeledger/pkg/archive"
)

const envPrefix = "ROUTELEDGER_"

// Config holds the full process configuration.
type Config struct {
	Server     ServerConfig       `yaml:"server" json:"server"`
	Log        LogConfig          `yaml:"log" json:"log"`
	Store      StoreConfig        `yaml:"store" json:"store"`
	Lock       LockConfig         `yaml:"lock" json:"lock"`
	Annotator  AnnotatorConfig    `yaml:"annotator" json:"annotator"`
	Archive    archive.SinkConfig `yaml:"archive" json:"archive"`
	Checkpoint CheckpointConfig   `yaml:"checkpoint" json:"checkpoint"`
	Telemetry  TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LogConfig controls the slog handler installed by the CLI.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" | "json"
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "file" | "sqlite" | "postgres" | "memory"
	Path    string `yaml:"path" json:"path"`
	DSN     string `yaml:"dsn" json:"-"`
}

// Location returns the path or DSN the backend opens.
func (s StoreConfig) Location() string {
	if s.Backend == "postgres" {
		return s.DSN
	}
	return s.Path
}

// LockConfig selects the writer lock.
type LockConfig struct {
	Backend       string        `yaml:"backend" json:"backend"` // "local" | "redis"
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" json:"-"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db"`
	Key           string        `yaml:"key" json:"key"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
}

// AnnotatorConfig configures the decision summarizer.
type AnnotatorConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	APIKey   string        `yaml:"api_key" json:"-"`
	Model    string        `yaml:"model" json:"model"`
	Region   string        `yaml:"region" json:"region"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	RPS      float64       `yaml:"rps" json:"rps"`
	Burst    int           `yaml:"burst" json:"burst"`
}

// CheckpointConfig points at the checkpoint signing key.
type CheckpointConfig struct {
	KeyPath string `yaml:"key_path" json:"key_path"`
	Issuer  string `yaml:"issuer" json:"issuer"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:    LogConfig{Level: "INFO", Format: "text"},
		Store:  StoreConfig{Backend: "file", Path: "audit_ledger.json"},
		Lock: LockConfig{
			Backend:   "local",
			RedisAddr: "localhost:6379",
			Key:       "routeledger:writer",
			TTL:       30 * time.Second,
		},
		Annotator: AnnotatorConfig{
			Endpoint: "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
			Timeout:  10 * time.Second,
			RPS:      2,
			Burst:    1,
		},
		Archive:    archive.SinkConfig{Type: archive.SinkTypeFS, Dir: "archive"},
		Checkpoint: CheckpointConfig{Issuer: "routeledger"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "routeledger",
			Insecure:    true,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies the environment.
// The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_PATH", &c.Store.Path)
	str("DATABASE_URL", &c.Store.DSN)

	str("LOCK_BACKEND", &c.Lock.Backend)
	str("REDIS_ADDR", &c.Lock.RedisAddr)
	str("REDIS_PASSWORD", &c.Lock.RedisPassword)
	integer("REDIS_DB", &c.Lock.RedisDB)
	duration("LOCK_TTL", &c.Lock.TTL)

	boolean("ANNOTATOR_ENABLED", &c.Annotator.Enabled)
	str("ANNOTATOR_ENDPOINT", &c.Annotator.Endpoint)
	str("ANNOTATOR_API_KEY", &c.Annotator.APIKey)
	str("ANNOTATOR_MODEL", &c.Annotator.Model)
	str("ANNOTATOR_REGION", &c.Annotator.Region)
	duration("ANNOTATOR_TIMEOUT", &c.Annotator.Timeout)
	float("ANNOTATOR_RPS", &c.Annotator.RPS)

	var sinkType string
	str("ARCHIVE_TYPE", &sinkType)
	if sinkType != "" {
		c.Archive.Type = archive.SinkType(sinkType)
	}
	str("ARCHIVE_DIR", &c.Archive.Dir)
	str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("ARCHIVE_REGION", &c.Archive.Region)
	str("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("ARCHIVE_PREFIX", &c.Archive.Prefix)

	str("CHECKPOINT_KEY", &c.Checkpoint.KeyPath)

	boolean("OTEL_ENABLED", &c.Telemetry.Enabled)
	str("OTEL_ENDPOINT", &c.Telemetry.Endpoint)

	return errors.Join(errs...)
}

// Validate rejects combinations the process cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "file", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.Lock.Backend {
	case "local", "":
	case "redis":
		// A shared lock only helps when every writer shares the same database.
		if c.Store.Backend != "sqlite" && c.Store.Backend != "postgres" {
			errs = append(errs, fmt.Errorf("lock.backend redis requires a sql store, not %q", c.Store.Backend))
		}
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for the redis lock"))
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, errors.New("lock.ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q", c.Lock.Backend))
	}

	if c.Annotator.Enabled {
		if c.Annotator.Endpoint == "" || c.Annotator.Model == "" {
			errs = append(errs, errors.New("annotator.endpoint and annotator.model are required when the annotator is enabled"))
		}
		if c.Annotator.Timeout <= 0 {
			errs = append(errs, errors.New("annotator.timeout must be positive"))
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level ("DEBUG", "info", "WARN+2", ...).
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}
	return level, nil
}
