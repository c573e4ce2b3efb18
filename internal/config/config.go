// Package config loads the callsqld configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
	"github.com/koustreak/callsql/internal/filestore"
	"github.com/koustreak/callsql/internal/logger"
)

// ErrNotFound is returned by Load when the file does not exist.
var ErrNotFound = errors.New("config not found")

// Environment variables that override the file.
const (
	EnvDriver   = "CALLSQL_DRIVER"
	EnvDSN      = "CALLSQL_DSN"
	EnvListen   = "CALLSQL_LISTEN"
	EnvLogLevel = "CALLSQL_LOG_LEVEL"
)

// Config is the whole daemon configuration.
type Config struct {
	Log      logger.Config   `yaml:"log"`
	Database database.Config `yaml:"database"`
	Server   ServerConfig    `yaml:"server"`

	// Archive is optional; results are only archived when it has an endpoint.
	Archive filestore.Config `yaml:"archive"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
}

// Default returns a configuration that only lacks a DSN.
func Default() Config {
	return Config{
		Log:      *logger.DefaultConfig(),
		Database: *database.DefaultConfig(database.DriverPostgres, ""),
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
	}
}

// Load reads the YAML file at path over Default and applies environment
// overrides. The result is not validated.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, ErrNotFound
		}
		return Config{}, err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default plus environment overrides
// when the file does not exist.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, ErrNotFound) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, nil
	}
	return Config{}, err
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDriver)); v != "" {
		c.Database.Driver = database.Driver(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDSN)); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Server.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if !logger.ValidLevel(c.Log.Level) {
		return errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		return errs.New(errs.ErrKindInvalidInput, "server.listen is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errs.New(errs.ErrKindInvalidInput, "server.maxBodyBytes must be positive")
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	return c.Database.Validate()
}
