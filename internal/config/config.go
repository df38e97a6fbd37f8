package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"casedesk/internal/domain"
)

// Config models casedesk.yml.
type Config struct {
	Assignment struct {
		DefaultStrategy domain.StrategyKind `yaml:"default_strategy" json:"default_strategy"`
	} `yaml:"assignment" json:"assignment"`
	Balancer BalancerConfig `yaml:"balancer" json:"balancer"`
	Relay    RelayConfig    `yaml:"relay" json:"relay"`
	Server   struct {
		Addr           string   `yaml:"addr" json:"addr"`
		BasePath       string   `yaml:"base_path" json:"base_path"`
		AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	} `yaml:"server" json:"server"`
}

type BalancerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Interval is a Go duration string such as "1h".
	Interval             string  `yaml:"interval" json:"interval"`
	OverloadedThreshold  float64 `yaml:"overloaded_threshold" json:"overloaded_threshold"`
	UnderloadedThreshold float64 `yaml:"underloaded_threshold" json:"underloaded_threshold"`
	BatchSize            int     `yaml:"batch_size" json:"batch_size"`
}

type RelayConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Interval string   `yaml:"interval" json:"interval"`
	Batch    int      `yaml:"batch" json:"batch"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	Topic    string   `yaml:"topic" json:"topic"`
}

// BalanceInterval parses the balancer interval.
func (b BalancerConfig) BalanceInterval() time.Duration {
	d, err := time.ParseDuration(b.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// PollInterval parses the relay interval.
func (r RelayConfig) PollInterval() time.Duration {
	d, err := time.ParseDuration(r.Interval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with cdesk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !c.Assignment.DefaultStrategy.Valid() {
		return fmt.Errorf("config.assignment.default_strategy %q is invalid", c.Assignment.DefaultStrategy)
	}
	b := c.Balancer
	if b.Interval != "" {
		if d, err := time.ParseDuration(b.Interval); err != nil || d <= 0 {
			return fmt.Errorf("config.balancer.interval %q is invalid", b.Interval)
		}
	}
	if b.OverloadedThreshold <= 0 || b.OverloadedThreshold > 100 {
		return fmt.Errorf("config.balancer.overloaded_threshold must be in (0,100]")
	}
	if b.UnderloadedThreshold < 0 || b.UnderloadedThreshold >= b.OverloadedThreshold {
		return fmt.Errorf("config.balancer.underloaded_threshold must be below overloaded_threshold")
	}
	if b.BatchSize <= 0 {
		return fmt.Errorf("config.balancer.batch_size must be positive")
	}
	if c.Relay.Enabled {
		if len(c.Relay.Brokers) == 0 {
			return fmt.Errorf("config.relay.brokers is required when relay is enabled")
		}
		if strings.TrimSpace(c.Relay.Topic) == "" {
			return fmt.Errorf("config.relay.topic is required when relay is enabled")
		}
	}
	if c.Relay.Interval != "" {
		if d, err := time.ParseDuration(c.Relay.Interval); err != nil || d <= 0 {
			return fmt.Errorf("config.relay.interval %q is invalid", c.Relay.Interval)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "casedesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `assignment:
  default_strategy: LEAST_LOADED

balancer:
  enabled: true
  interval: 1h
  overloaded_threshold: 90
  underloaded_threshold: 50
  batch_size: 5

relay:
  enabled: false
  interval: 2s
  batch: 100
  brokers: []
  topic: casedesk.events

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allowed_origins: ["http://localhost:5173"]
`
