package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"
)

// Config models custodia.yml.
type Config struct {
	Scheduling struct {
		Timezone            string `yaml:"timezone" json:"timezone"`
		ConflictWindowHours int    `yaml:"conflict_window_hours" json:"conflict_window_hours"`
	} `yaml:"scheduling" json:"scheduling"`
	Conflicts struct {
		FailPolicy       string `yaml:"fail_policy" json:"fail_policy"`
		CheckArmedGuards bool   `yaml:"check_armed_guards" json:"check_armed_guards"`
	} `yaml:"conflicts" json:"conflicts"`
	Cancellation struct {
		ClientReasonPatterns []string `yaml:"client_reason_patterns" json:"client_reason_patterns"`
	} `yaml:"cancellation" json:"cancellation"`
	Leases struct {
		DefaultTTLSeconds int `yaml:"default_ttl_seconds" json:"default_ttl_seconds"`
	} `yaml:"leases" json:"leases"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	} `yaml:"notifications" json:"notifications"`
	Cache struct {
		RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
		Channel   string `yaml:"channel" json:"channel"`
	} `yaml:"cache" json:"cache"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cst config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduling.Timezone == "" {
		return fmt.Errorf("config.scheduling.timezone is required")
	}
	if _, err := time.LoadLocation(c.Scheduling.Timezone); err != nil {
		return fmt.Errorf("config.scheduling.timezone %q: %w", c.Scheduling.Timezone, err)
	}
	if c.Scheduling.ConflictWindowHours <= 0 {
		return fmt.Errorf("config.scheduling.conflict_window_hours must be positive")
	}
	switch c.Conflicts.FailPolicy {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("config.conflicts.fail_policy must be %s or %s", FailOpen, FailClosed)
	}
	for _, p := range c.Cancellation.ClientReasonPatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.cancellation.client_reason_patterns contains an empty pattern")
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("cancellation pattern %q: %w", p, err)
		}
	}
	if c.Leases.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config.leases.default_ttl_seconds must not be negative")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("notifications.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Cache.RedisAddr != "" && c.Cache.Channel == "" {
		return fmt.Errorf("config.cache.channel is required when redis_addr is set")
	}
	return nil
}

// Location returns the scheduling timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduling.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConflictWindow returns the half-width of the conflict scan window.
func (c *Config) ConflictWindow() time.Duration {
	return time.Duration(c.Scheduling.ConflictWindowHours) * time.Hour
}

// ClientReasonMatchers compiles the client-initiated cancellation patterns.
func (c *Config) ClientReasonMatchers() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(c.Cancellation.ClientReasonPatterns))
	for _, p := range c.Cancellation.ClientReasonPatterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// LeaseTTL returns the default advisory lease duration.
func (c *Config) LeaseTTL() time.Duration {
	if c.Leases.DefaultTTLSeconds == 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Leases.DefaultTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "custodia.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Cancellation.ClientReasonPatterns = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Cancellation.ClientReasonPatterns == nil {
		cfg.Cancellation.ClientReasonPatterns = Default().Cancellation.ClientReasonPatterns
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

const defaultTemplate = `scheduling:
  timezone: America/Mexico_City
  conflict_window_hours: 8

conflicts:
  # fail_open keeps the console usable when a read fails; write-time checks are always strict
  fail_policy: fail_open
  check_armed_guards: false

cancellation:
  client_reason_patterns:
    - '(?i)\bcliente\b'
    - '(?i)\bclient\b'

leases:
  default_ttl_seconds: 300

notifications:
  webhooks: []

cache:
  redis_addr: ""
  channel: custodia:services:invalidate
`
