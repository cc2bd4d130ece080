// Package config loads relay configuration from YAML and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RELAY"

// Config is the relay configuration
type Config struct {
	Transports             map[string]contracts.TransportInfo       `yaml:"transports" ignored:"true"`
	Endpoints              map[string]contracts.Endpoint            `yaml:"endpoints" ignored:"true"`
	ProcessingGroups       map[string]contracts.ProcessingGroupInfo `yaml:"processingGroups" ignored:"true"`
	ResubscriptionInterval time.Duration                            `yaml:"resubscriptionInterval" envconfig:"RESUBSCRIPTION_INTERVAL"`
	Logging                LoggingConfig                            `yaml:"logging" envconfig:"LOGGING"`
	Metrics                MetricsConfig                            `yaml:"metrics" envconfig:"METRICS"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"` // json or text
}

// MetricsConfig configures the Prometheus collector
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
	Address   string `yaml:"address" envconfig:"ADDRESS"`
}

// transportSecrets are read from RELAY_TRANSPORT_<ID>_*
type transportSecrets struct {
	Broker   string `envconfig:"BROKER"`
	Login    string `envconfig:"LOGIN"`
	Password string `envconfig:"PASSWORD"`
}

// Default returns a configuration with defaults and no transports
func Default() *Config {
	return &Config{
		Transports:       make(map[string]contracts.TransportInfo),
		Endpoints:        make(map[string]contracts.Endpoint),
		ProcessingGroups: make(map[string]contracts.ProcessingGroupInfo),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Namespace: "relay",
			Address:   ":9090",
		},
	}
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	return finish(cfg)
}

// Parse loads configuration from YAML data and environment variables
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvironment(cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return decode(f, cfg)
}

func decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvironment(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return err
	}

	for id, info := range cfg.Transports {
		var secrets transportSecrets
		if err := envconfig.Process(transportEnvPrefix(id), &secrets); err != nil {
			return fmt.Errorf("transport %s: %w", id, err)
		}
		if secrets.Broker != "" {
			info.Broker = secrets.Broker
		}
		if secrets.Login != "" {
			info.Login = secrets.Login
		}
		if secrets.Password != "" {
			info.Password = secrets.Password
		}
		cfg.Transports[id] = info
	}
	return nil
}

// transportEnvPrefix maps a transport id to its environment prefix, e.g.
// "main-bus" to RELAY_TRANSPORT_MAIN_BUS
func transportEnvPrefix(id string) string {
	id = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, id)
	return EnvPrefix + "_TRANSPORT_" + strings.ToUpper(id)
}

func (c *Config) normalize() {
	if c.Transports == nil {
		c.Transports = make(map[string]contracts.TransportInfo)
	}
	if c.Endpoints == nil {
		c.Endpoints = make(map[string]contracts.Endpoint)
	}
	if c.ProcessingGroups == nil {
		c.ProcessingGroups = make(map[string]contracts.ProcessingGroupInfo)
	}
	for name, endpoint := range c.Endpoints {
		endpoint.SerializationFormat = endpoint.Format()
		c.Endpoints[name] = endpoint
	}
}

// Validate validates the configuration. Driver names are checked later by the
// transport registry.
func (c *Config) Validate() error {
	if c.ResubscriptionInterval <= 0 {
		return fmt.Errorf("resubscriptionInterval is required and must be positive")
	}

	for _, id := range sortedKeys(c.Transports) {
		info := c.Transports[id]
		if info.Broker == "" {
			return fmt.Errorf("transport %s: broker is required", id)
		}
		if info.Driver == "" {
			return fmt.Errorf("transport %s: driver is required", id)
		}
	}

	for _, name := range sortedKeys(c.Endpoints) {
		endpoint := c.Endpoints[name]
		if endpoint.Destination == "" {
			return fmt.Errorf("endpoint %s: destination is required", name)
		}
		if _, ok := c.Transports[endpoint.TransportID]; !ok {
			return fmt.Errorf("endpoint %s: unknown transport %q", name, endpoint.TransportID)
		}
	}

	for _, name := range sortedKeys(c.ProcessingGroups) {
		info := c.ProcessingGroups[name]
		if info.ConcurrencyLevel < 0 {
			return fmt.Errorf("processing group %s: concurrencyLevel cannot be negative", name)
		}
		if info.QueueLength < 0 {
			return fmt.Errorf("processing group %s: queueLength cannot be negative", name)
		}
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	return nil
}

// GetTransport implements messaging.TransportResolver
func (c *Config) GetTransport(transportID string) (contracts.TransportInfo, bool) {
	info, ok := c.Transports[transportID]
	return info, ok
}

// ResolveEndpoint implements messaging.EndpointResolver
func (c *Config) ResolveEndpoint(name string) (contracts.Endpoint, error) {
	endpoint, ok := c.Endpoints[name]
	if !ok {
		return contracts.Endpoint{}, contracts.NewConfigurationError(name, contracts.ErrUnknownEndpoint)
	}
	return endpoint, nil
}

// NewLogger builds the process logger writing to w
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level: %q", level)
	}
	return l, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
