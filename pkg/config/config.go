// Package config loads yarawesome settings from an optional YAML file and
// YARAWESOME_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. YARAWESOME_DATABASE_DSN.
const EnvPrefix = "YARAWESOME"

type Database struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

type Search struct {
	URI           string        `mapstructure:"uri"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	BulkChunkSize int           `mapstructure:"bulk_chunk_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Paths struct {
	UploadDir string `mapstructure:"upload_dir"`
	BinaryDir string `mapstructure:"binary_dir"`
}

type Collections struct {
	IconCount int `mapstructure:"icon_count"`
}

type Match struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type Jobs struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxRetries    int           `mapstructure:"max_retries"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`
	RetentionDays int           `mapstructure:"retention_days"`
	Enabled       bool          `mapstructure:"enabled"`
}

type Git struct {
	Token string `mapstructure:"token"`
}

// Config is the full runtime configuration.
type Config struct {
	Database    Database    `mapstructure:"database"`
	Search      Search      `mapstructure:"search"`
	Paths       Paths       `mapstructure:"paths"`
	Collections Collections `mapstructure:"collections"`
	Match       Match       `mapstructure:"match"`
	Jobs        Jobs        `mapstructure:"jobs"`
	Git         Git         `mapstructure:"git"`
	LogLevel    string      `mapstructure:"log_level"`
	Listen      string      `mapstructure:"listen"`
	// Watch starts the upload directory watcher in serve.
	Watch bool `mapstructure:"watch"`
	// CORSOrigins are the browser origins allowed to call the HTTP API.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "yarawesome.db")
	v.SetDefault("search.uri", "http://localhost:4080")
	v.SetDefault("search.user", "admin")
	v.SetDefault("search.password", "admin")
	v.SetDefault("search.bulk_chunk_size", 600)
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("paths.upload_dir", "uploads")
	v.SetDefault("paths.binary_dir", "binaries")
	v.SetDefault("collections.icon_count", 16)
	v.SetDefault("match.cache_size", 64)
	v.SetDefault("match.cache_ttl", 10*time.Minute)
	v.SetDefault("jobs.concurrency", 3)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.poll_interval", 5*time.Second)
	v.SetDefault("jobs.claim_timeout", 10*time.Minute)
	v.SetDefault("jobs.retention_days", 7)
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("git.token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("listen", ":8080")
	v.SetDefault("watch", true)
	v.SetDefault("cors_origins", []string{"https://*", "http://*"})
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) into v and decodes the result. Without a
// path it looks for yarawesome.yaml in the working directory and
// /etc/yarawesome, and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("yarawesome")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/yarawesome")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database type %q (expected sqlite, postgres or mysql)", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Search.BulkChunkSize <= 0 {
		return fmt.Errorf("search.bulk_chunk_size must be positive, got %d", c.Search.BulkChunkSize)
	}
	if c.Collections.IconCount <= 0 {
		return fmt.Errorf("collections.icon_count must be positive, got %d", c.Collections.IconCount)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}
