package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "/etc/hetzner-vrrp/config.yaml"

	defaultLogLevel      = "INFO"
	defaultLogFormat     = "json"
	defaultTimeout       = 30 * time.Second
	defaultRetries       = 3
	defaultJournalRetain = 100
)

var ErrInvalidConfig = errors.New("invalid configuration")

var validLogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

type Config struct {
	APIToken         string            `yaml:"hetzner_api_token"`
	FloatingIPLabels map[string]string `yaml:"floating_ip_labels"`
	AliasIPs         []string          `yaml:"alias_ips"`

	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`

	APIEndpoint      string        `yaml:"api_endpoint"`
	MetadataEndpoint string        `yaml:"metadata_endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`

	MetricsTextfile string `yaml:"metrics_textfile"`
	JournalPath     string `yaml:"journal_path"`
	JournalRetain   int    `yaml:"journal_retain"`
}

// Load reads the configuration at path and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the YAML file at path and applies defaults and environment
// overrides without validating. Commands that never reach the API use it.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: config file not found: %s", ErrInvalidConfig, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read config file %s: %w", ErrInvalidConfig, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: config file is empty: %s", ErrInvalidConfig, path)
	}

	// zero is meaningful for these, so they are seeded before decoding and
	// only replaced when the key is present
	cfg := Config{
		Retries:       defaultRetries,
		JournalRetain: defaultJournalRetain,
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML in config file: %w", ErrInvalidConfig, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.FloatingIPLabels == nil {
		c.FloatingIPLabels = map[string]string{}
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// Override from environment if set
func (c *Config) applyEnv() {
	if token := os.Getenv("HCLOUD_TOKEN"); token != "" && c.APIToken == "" {
		c.APIToken = token
	}
	if token := os.Getenv("VRRP_FAILOVER_HCLOUD_TOKEN"); token != "" {
		c.APIToken = token
	}
	if level := os.Getenv("VRRP_FAILOVER_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if format := os.Getenv("VRRP_FAILOVER_LOG_FORMAT"); format != "" {
		c.LogFormat = format
	}
	if file := os.Getenv("VRRP_FAILOVER_LOG_FILE"); file != "" {
		c.LogFile = file
	}
	if textfile := os.Getenv("VRRP_FAILOVER_METRICS_TEXTFILE"); textfile != "" {
		c.MetricsTextfile = textfile
	}
	if journal := os.Getenv("VRRP_FAILOVER_JOURNAL_PATH"); journal != "" {
		c.JournalPath = journal
	}
	if timeout := os.Getenv("VRRP_FAILOVER_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Timeout = d
		} else {
			slog.Default().Warn("fail parse timeout to duration from string", "timeout", timeout, "error", err)
		}
	}
	c.LogLevel = strings.ToUpper(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

func (c *Config) Validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("%w: required field 'hetzner_api_token' missing in config", ErrInvalidConfig)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("%w: invalid log_level %q, must be one of: %s",
			ErrInvalidConfig, c.LogLevel, strings.Join(validLogLevels, ", "))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: invalid log_format %q, must be json or text", ErrInvalidConfig, c.LogFormat)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalidConfig)
	}
	if c.JournalRetain < 0 {
		return fmt.Errorf("%w: journal_retain must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Redacted returns the configuration as a map without the API token, for
// logging.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"floating_ip_labels": c.FloatingIPLabels,
		"alias_ips":          c.AliasIPs,
		"log_level":          c.LogLevel,
		"log_file":           c.LogFile,
		"log_format":         c.LogFormat,
		"timeout":            c.Timeout.String(),
		"retries":            c.Retries,
		"metrics_textfile":   c.MetricsTextfile,
		"journal_path":       c.JournalPath,
		"has_api_token":      c.APIToken != "",
	}
}

func isValidLogLevel(level string) bool {
	for _, l := range validLogLevels {
		if l == level {
			return true
		}
	}
	return false
}
