// Package config loads the serve configuration from a TOML file, a .env
// file and the process environment, in that order of precedence (later
// wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/organic-programming/go-wsrpc/pkg/transport"
)

// Environment variables that override the file.
const (
	EnvListen   = "WSRPC_LISTEN"
	EnvLogLevel = "WSRPC_LOG_LEVEL"
)

// ServerConfig defines the listening endpoint.
type ServerConfig struct {
	Listen     string   `toml:"listen"`
	Path       string   `toml:"path"`
	ReadLimit  int64    `toml:"read_limit"`
	Origins    []string `toml:"origins"`
	BinaryCBOR bool     `toml:"binary_cbor"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// MethodConfig tunes one registered method.
type MethodConfig struct {
	Concurrency int `toml:"concurrency"`
}

// Config aggregates the serve configuration.
type Config struct {
	Server  ServerConfig            `toml:"server"`
	Logging LoggingConfig           `toml:"logging"`
	Methods map[string]MethodConfig `toml:"methods"`
}

// Default returns the configuration used when no file is given. Path is
// left empty and derived from Listen by Validate.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    transport.DefaultURI,
			ReadLimit: transport.DefaultReadLimit,
		},
		Logging: LoggingConfig{Level: zerolog.LevelInfoValue},
		Methods: map[string]MethodConfig{},
	}
}

// Load reads the TOML file at path over the defaults, then applies .env
// files and environment overrides. An empty path skips the file. With no
// envFiles, ./.env is loaded when present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	// godotenv never overrides variables already set in the process.
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults and validates the result. It
// does not consult the environment.
func Parse(text string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListen); ok && strings.TrimSpace(v) != "" {
		cfg.Server.Listen = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		cfg.Logging.Level = strings.TrimSpace(v)
	}
}

// Level returns the parsed logging level.
func (cfg *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Validate checks the configuration and fills derived fields.
func (cfg *Config) Validate() error {
	switch transport.Scheme(cfg.Server.Listen) {
	case "tcp", "ws", "unix", "mem":
	default:
		return fmt.Errorf("server.listen %q: unsupported scheme", cfg.Server.Listen)
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = transport.Path(cfg.Server.Listen)
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", cfg.Server.Path)
	}
	if cfg.Server.ReadLimit < 0 {
		return fmt.Errorf("server.read_limit must not be negative")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = zerolog.LevelInfoValue
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Methods == nil {
		cfg.Methods = map[string]MethodConfig{}
	}
	for name, m := range cfg.Methods {
		if m.Concurrency < 0 {
			return fmt.Errorf("methods.%s.concurrency must not be negative", name)
		}
	}
	return nil
}
