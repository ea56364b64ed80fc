// Copyright 2024-2026 Aiku AI

// Package config loads the service configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiku/statuswatch/pkg/logging"
	"github.com/aiku/statuswatch/pkg/watcher"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

var ErrInvalid = errors.New("invalid config")

// Config holds the statuswatch service configuration.
type Config struct {
	API          APIConfig `yaml:"api"`
	DataDir      string    `yaml:"data_dir"`
	SettingsFile string    `yaml:"settings_file"`
	DeviceName   string    `yaml:"device_name"`
	// Sessions are started at boot. Others are created on first API use.
	Sessions []string `yaml:"sessions"`

	Reconnect      ReconnectConfig `yaml:"reconnect"`
	RemovalDelay   time.Duration   `yaml:"removal_delay"`
	ResetOnRelogin bool            `yaml:"reset_on_relogin"`

	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Logging   logging.Config  `yaml:"logging"`
}

type APIConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type ReconnectConfig struct {
	Strategy    string        `yaml:"strategy"`
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// KeepaliveConfig enables a self-ping loop when URL is set.
type KeepaliveConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		API:        APIConfig{Addr: ":3000"},
		DataDir:    "./data",
		DeviceName: "statuswatch",
		Sessions:   []string{"default"},
		Reconnect: ReconnectConfig{
			Strategy: StrategyFixed,
			Delay:    5 * time.Second,
			MaxDelay: 5 * time.Minute,
		},
		RemovalDelay:   2 * time.Second,
		ResetOnRelogin: true,
		Keepalive:      KeepaliveConfig{Interval: 5 * time.Minute},
		Logging:        logging.DefaultConfig(),
	}
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		c.API.Addr = ":" + port
	}
	if addr := getenv("STATUSWATCH_API_ADDR"); addr != "" {
		c.API.Addr = addr
	}
	if token := getenv("STATUSWATCH_API_TOKEN"); token != "" {
		c.API.Token = token
	}
	if dir := getenv("STATUSWATCH_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// PostProcess fills derived fields and validates the config.
func (c *Config) PostProcess() error {
	if c.SettingsFile == "" {
		c.SettingsFile = filepath.Join(c.DataDir, "settings.json")
	}
	c.Reconnect.Strategy = strings.ToLower(strings.TrimSpace(c.Reconnect.Strategy))
	return c.Validate()
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	switch {
	case c.API.Addr == "":
		return fmt.Errorf("%w: api.addr is required", ErrInvalid)
	case c.DataDir == "":
		return fmt.Errorf("%w: data_dir is required", ErrInvalid)
	case c.Reconnect.Strategy != StrategyFixed && c.Reconnect.Strategy != StrategyExponential:
		return fmt.Errorf("%w: unknown reconnect strategy %q", ErrInvalid, c.Reconnect.Strategy)
	case c.Reconnect.Delay <= 0:
		return fmt.Errorf("%w: reconnect.delay must be positive", ErrInvalid)
	case c.Reconnect.MaxDelay < 0, c.RemovalDelay < 0, c.Keepalive.Interval < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	case c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1:
		return fmt.Errorf("%w: reconnect.jitter must be within [0, 1]", ErrInvalid)
	case c.Reconnect.MaxAttempts < 0:
		return fmt.Errorf("%w: reconnect.max_attempts must not be negative", ErrInvalid)
	case c.Keepalive.URL != "" && c.Keepalive.Interval == 0:
		return fmt.Errorf("%w: keepalive.interval is required with keepalive.url", ErrInvalid)
	}
	for i, id := range c.Sessions {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: sessions[%d] is empty", ErrInvalid, i)
		}
		if slices.Contains(c.Sessions[:i], id) {
			return fmt.Errorf("%w: duplicate session %q", ErrInvalid, id)
		}
	}
	return nil
}

// Policy converts the reconnect and teardown settings.
func (c *Config) Policy() watcher.Policy {
	p := watcher.DefaultPolicy()
	switch c.Reconnect.Strategy {
	case StrategyExponential:
		p.Backoff = watcher.ExponentialBackoff(c.Reconnect.Delay, c.Reconnect.MaxDelay, c.Reconnect.Jitter)
	default:
		p.Backoff = watcher.FixedBackoff(c.Reconnect.Delay)
	}
	p.MaxAttempts = c.Reconnect.MaxAttempts
	p.RemovalDelay = c.RemovalDelay
	p.ResetOnRelogin = c.ResetOnRelogin
	return p
}
