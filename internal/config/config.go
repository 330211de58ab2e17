package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/intensity/internal/behavior"
)

// Config holds all intensity configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Engine   EngineConfig   `yaml:"engine"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`   // sqlite file, resolved via store.DefaultDBPath() when empty
	DSN    string `yaml:"dsn"`    // postgres
}

type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr"` // empty disables the cache
	TTL       time.Duration `yaml:"ttl"`
}

type EngineConfig struct {
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
}

// DefaultsConfig seeds new profiles. Behaviors overrides individual rates
// per behavior type.
type DefaultsConfig struct {
	behavior.Params `yaml:",inline"`
	Behaviors       map[string]ParamsOverride `yaml:"behaviors"`
}

// ParamsOverride replaces only the rates that are set.
type ParamsOverride struct {
	BaseIntensity       *float64 `yaml:"base_intensity"`
	Volatility          *float64 `yaml:"volatility"`
	EscalationRate      *float64 `yaml:"escalation_rate"`
	DeEscalationRate    *float64 `yaml:"de_escalation_rate"`
	ThresholdForDisplay *float64 `yaml:"threshold_for_display"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		Cache: CacheConfig{
			TTL: 10 * time.Minute,
		},
		Engine: EngineConfig{
			StoreTimeout:       5 * time.Second,
			IdleTimeout:        5 * time.Minute,
			MaxConflictRetries: 3,
		},
		Defaults: DefaultsConfig{
			Params: behavior.DefaultParams(),
		},
	}
}

// DefaultPath returns ~/.intensity/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".intensity", "config.yaml"), nil
}

// Load overlays the YAML file at path onto the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("INTENSITY_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("INTENSITY_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("INTENSITY_POSTGRES_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("INTENSITY_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("INTENSITY_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("INTENSITY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INTENSITY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid database.driver %q, must be sqlite or postgres", c.Database.Driver)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be >= 0, got %v", c.Cache.TTL)
	}
	if c.Engine.StoreTimeout < 0 || c.Engine.IdleTimeout < 0 {
		return fmt.Errorf("engine timeouts must be >= 0")
	}
	if c.Engine.MaxConflictRetries < 0 {
		return fmt.Errorf("engine.max_conflict_retries must be >= 0, got %d", c.Engine.MaxConflictRetries)
	}
	if err := c.Defaults.Params.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for name := range c.Defaults.Behaviors {
		t, err := behavior.ParseType(name)
		if err != nil {
			return fmt.Errorf("defaults.behaviors: %w", err)
		}
		if err := c.ParamsFor(t).Validate(); err != nil {
			return fmt.Errorf("defaults.behaviors.%s: %w", name, err)
		}
	}
	return nil
}

// ParamsFor returns the seed parameters for a behavior type: the global
// defaults with any per-behavior override applied.
func (c *Config) ParamsFor(t behavior.Type) behavior.Params {
	p := c.Defaults.Params
	for name, o := range c.Defaults.Behaviors {
		if bt, err := behavior.ParseType(name); err != nil || bt != t {
			continue
		}
		set := func(dst *float64, v *float64) {
			if v != nil {
				*dst = *v
			}
		}
		set(&p.BaseIntensity, o.BaseIntensity)
		set(&p.Volatility, o.Volatility)
		set(&p.EscalationRate, o.EscalationRate)
		set(&p.DeEscalationRate, o.DeEscalationRate)
		set(&p.ThresholdForDisplay, o.ThresholdForDisplay)
	}
	return p
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
