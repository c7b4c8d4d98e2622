// Package config loads the service configuration from an optional YAML file
// and environment variables.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 32146
	DefaultLogBuffer    = 1000
	DefaultPollInterval = 500 * time.Millisecond
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Readers ReadersConfig `yaml:"readers"`
	Sentry  SentryConfig  `yaml:"sentry"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Buffer int    `yaml:"buffer"`
}

type ReadersConfig struct {
	// PollInterval bounds how long the monitor waits for a status change
	// before re-enumerating readers.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Ignore lists case-insensitive substrings of reader names to skip.
	Ignore []string `yaml:"ignore"`
	// AID is the default hex application identifier for ISO 14443-4 cards.
	AID string `yaml:"aid"`
	// AutoProcessing enables UID/SELECT handling on card insertion.
	AutoProcessing *bool `yaml:"auto_processing"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Log:    LogConfig{Level: "info", Buffer: DefaultLogBuffer},
		Readers: ReadersConfig{
			PollInterval: DefaultPollInterval,
			Ignore:       []string{"SAM"},
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("NFC_PCSC_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := getenv("NFC_PCSC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NFC_PCSC_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("NFC_PCSC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("NFC_PCSC_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NFC_PCSC_POLL_INTERVAL: %w", err)
		}
		c.Readers.PollInterval = d
	}
	if v := getenv("NFC_PCSC_AID"); v != "" {
		c.Readers.AID = v
	}
	if v := getenv("NFC_PCSC_SENTRY_DSN"); v != "" {
		c.Sentry.DSN = v
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("config.server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be 1..65535")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	if c.Log.Buffer <= 0 {
		return fmt.Errorf("config.log.buffer must be > 0")
	}
	if c.Readers.PollInterval <= 0 {
		return fmt.Errorf("config.readers.poll_interval must be > 0")
	}
	if c.Readers.AID != "" {
		aid, err := hex.DecodeString(c.Readers.AID)
		if err != nil {
			return fmt.Errorf("config.readers.aid must be hex: %w", err)
		}
		if len(aid) < 5 || len(aid) > 16 {
			return fmt.Errorf("config.readers.aid must be 5..16 bytes")
		}
	}
	return nil
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	lvl, _ := logging.ParseLevel(c.Log.Level)
	return lvl
}

// AutoProcessing returns the configured default, true when unset.
func (c *Config) AutoProcessing() bool {
	if c.Readers.AutoProcessing == nil {
		return true
	}
	return *c.Readers.AutoProcessing
}

// Ignored reports whether a reader name matches an ignore entry.
func (c *Config) Ignored(reader string) bool {
	name := strings.ToUpper(reader)
	for _, s := range c.Readers.Ignore {
		if s != "" && strings.Contains(name, strings.ToUpper(s)) {
			return true
		}
	}
	return false
}
