// Package config builds the relay configuration from defaults, an optional
// YAML file and command-line flags, in that order of precedence.
package config

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	Listen     string        `yaml:"listen"`
	Upstream   string        `yaml:"upstream"`
	BufferSize int           `yaml:"buffer_size"`
	Metrics    string        `yaml:"metrics"`
	Logging    LoggingConfig `yaml:"logging"`
	Redis      RedisConfig   `yaml:"redis"`
	RateLimit  RateConfig    `yaml:"rate_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// RedisConfig enables the NAT mirror when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// RateConfig values are new connections per second; zero disables.
type RateConfig struct {
	Global  int `yaml:"global"`
	PerHost int `yaml:"per_host"`
	Burst   int `yaml:"burst"`
}

// Default mirrors the addresses the file server and proxy have always used.
func Default() Config {
	return Config{
		Listen:     "127.0.0.1:8000",
		Upstream:   "127.0.0.1:9000",
		BufferSize: 4096,
		Metrics:    ":9100",
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Redis:      RedisConfig{Prefix: "natrelay", TTL: 24 * time.Hour},
		RateLimit:  RateConfig{Burst: 16},
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// Parse reads flags from args. When -config is given the file is applied
// first and only flags present in args override it.
func Parse(name string, args []string, stderr io.Writer) (Config, error) {
	cfg := Default()
	var (
		path      string
		debug     bool
		fromFlags = cfg
	)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&path, "config", "", "path to a YAML config file")
	fs.StringVar(&fromFlags.Listen, "listen", cfg.Listen, "inbound address clients connect to")
	fs.StringVar(&fromFlags.Upstream, "upstream", cfg.Upstream, "upstream address every session is relayed to")
	fs.IntVar(&fromFlags.BufferSize, "buffer-size", cfg.BufferSize, "relay transfer buffer size in bytes")
	fs.StringVar(&fromFlags.Metrics, "metrics", cfg.Metrics, "metrics and health listen address (empty disables)")
	fs.StringVar(&fromFlags.Logging.Level, "log-level", cfg.Logging.Level, "log level: debug, info, warn, error")
	fs.StringVar(&fromFlags.Logging.Format, "log-format", cfg.Logging.Format, "log format: json or text")
	fs.BoolVar(&debug, "debug", false, "shorthand for -log-level debug")
	fs.StringVar(&fromFlags.Redis.Addr, "redis-addr", cfg.Redis.Addr, "redis address for the NAT mirror (empty disables)")
	fs.StringVar(&fromFlags.Redis.Password, "redis-password", cfg.Redis.Password, "redis password")
	fs.IntVar(&fromFlags.Redis.DB, "redis-db", cfg.Redis.DB, "redis database")
	fs.StringVar(&fromFlags.Redis.Prefix, "redis-prefix", cfg.Redis.Prefix, "redis key prefix")
	fs.IntVar(&fromFlags.RateLimit.Global, "rate-global", cfg.RateLimit.Global, "accepted connections per second across all clients (0 = unlimited)")
	fs.IntVar(&fromFlags.RateLimit.PerHost, "rate-per-host", cfg.RateLimit.PerHost, "accepted connections per second per client host (0 = unlimited)")
	fs.IntVar(&fromFlags.RateLimit.Burst, "rate-burst", cfg.RateLimit.Burst, "rate limiter burst size")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = fromFlags.Listen
		case "upstream":
			cfg.Upstream = fromFlags.Upstream
		case "buffer-size":
			cfg.BufferSize = fromFlags.BufferSize
		case "metrics":
			cfg.Metrics = fromFlags.Metrics
		case "log-level":
			cfg.Logging.Level = fromFlags.Logging.Level
		case "log-format":
			cfg.Logging.Format = fromFlags.Logging.Format
		case "redis-addr":
			cfg.Redis.Addr = fromFlags.Redis.Addr
		case "redis-password":
			cfg.Redis.Password = fromFlags.Redis.Password
		case "redis-db":
			cfg.Redis.DB = fromFlags.Redis.DB
		case "redis-prefix":
			cfg.Redis.Prefix = fromFlags.Redis.Prefix
		case "rate-global":
			cfg.RateLimit.Global = fromFlags.RateLimit.Global
		case "rate-per-host":
			cfg.RateLimit.PerHost = fromFlags.RateLimit.PerHost
		case "rate-burst":
			cfg.RateLimit.Burst = fromFlags.RateLimit.Burst
		}
	})
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Upstream == "" {
		return errors.New("upstream address is required")
	}
	if c.BufferSize <= 0 {
		return errors.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.RateLimit.Global < 0 || c.RateLimit.PerHost < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}
