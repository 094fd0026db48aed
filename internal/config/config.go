package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all feedcal configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Lock        LockConfig        `yaml:"lock"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Trust       TrustConfig       `yaml:"trust"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "pgx"
	Path   string `yaml:"path"`   // sqlite file; empty = ~/.feedcal/feedcal.db
	DSN    string `yaml:"dsn"`    // postgres connection string
}

type LockConfig struct {
	Backend  string        `yaml:"backend"` // "local" or "redis"
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// CalibrationConfig are the defaults for per-source calibration updates.
type CalibrationConfig struct {
	MinSamples int64   `yaml:"min_samples"`
	MaxOffset  float64 `yaml:"max_offset"`
	WindowDays int     `yaml:"window_days"`
}

// TrustConfig tunes account trust decay and the auto-mode decision.
type TrustConfig struct {
	HalfLife          time.Duration `yaml:"half_life"`
	FeedbackDelta     float64       `yaml:"feedback_delta"`
	AutoExcludeMargin float64       `yaml:"auto_exclude_margin"`
}

type LogConfig struct {
	Mode string `yaml:"mode"` // "dev" or "prod"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "", // resolved at runtime via store.DefaultDBPath()
		},
		Lock: LockConfig{
			Backend: "local",
			TTL:     10 * time.Second,
		},
		Calibration: CalibrationConfig{
			MinSamples: 10,
			MaxOffset:  0.2,
			WindowDays: 30,
		},
		Trust: TrustConfig{
			HalfLife:          14 * 24 * time.Hour,
			FeedbackDelta:     1.0,
			AutoExcludeMargin: 2.0,
		},
		Log: LogConfig{
			Mode: "dev",
		},
	}
}

// Load reads a YAML file over Default(). An empty path skips the file.
// Environment overrides are applied last, then the result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FEEDCAL_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("FEEDCAL_DB"); v != "" {
		if c.Database.Driver == "pgx" {
			c.Database.DSN = v
		} else {
			c.Database.Path = v
		}
	}
	if v := os.Getenv("FEEDCAL_REDIS_URL"); v != "" {
		c.Lock.Backend = "redis"
		c.Lock.RedisURL = v
	}
	if v := os.Getenv("FEEDCAL_LOG_MODE"); v != "" {
		c.Log.Mode = v
	}
	if v := os.Getenv("FEEDCAL_ADDR"); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				c.Server.Bind, c.Server.Port = host, p
			}
		}
	}
}

// Validate checks that values are present and sane.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver pgx")
		}
	default:
		return fmt.Errorf("database.driver %q unsupported (use sqlite or pgx)", c.Database.Driver)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required for backend redis")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be > 0")
		}
	default:
		return fmt.Errorf("lock.backend %q unsupported (use local or redis)", c.Lock.Backend)
	}
	if c.Calibration.MinSamples < 1 {
		return fmt.Errorf("calibration.min_samples must be >= 1")
	}
	if c.Calibration.MaxOffset <= 0 || c.Calibration.MaxOffset > 1 {
		return fmt.Errorf("calibration.max_offset must be in (0, 1]")
	}
	if c.Calibration.WindowDays < 1 {
		return fmt.Errorf("calibration.window_days must be >= 1")
	}
	if c.Trust.HalfLife <= 0 {
		return fmt.Errorf("trust.half_life must be > 0")
	}
	if c.Trust.FeedbackDelta <= 0 {
		return fmt.Errorf("trust.feedback_delta must be > 0")
	}
	if c.Trust.AutoExcludeMargin < 0 {
		return fmt.Errorf("trust.auto_exclude_margin must be >= 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
