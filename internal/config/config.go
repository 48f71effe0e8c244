// Package config handles YAML configuration for vigil.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vigil/types"
)

// Channel types
const (
	ChannelWebhook = "webhook"
	ChannelSQS     = "sqs"
	ChannelLog     = "log"
)

// maxNACLRuleNumber is the highest rule number AWS accepts in a network ACL
const maxNACLRuleNumber = 32766

// Config is the root configuration structure.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	OTEL       OTELConfig       `yaml:"otel"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Detectors  DetectorsConfig  `yaml:"detectors"`
	Store      StoreConfig      `yaml:"store"`
	Watch      WatchConfig      `yaml:"watch"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json"
	Format string `yaml:"format"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// Enabled pushes metrics over OTLP
	Enabled bool `yaml:"enabled"`
	// Prometheus exposes metrics for scraping on watch.listen_addr
	Prometheus bool `yaml:"prometheus"`
}

// DispatcherConfig holds worker pool settings.
type DispatcherConfig struct {
	Workers        int           `yaml:"workers"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// NotifierConfig holds alerting settings.
type NotifierConfig struct {
	Timeout       time.Duration   `yaml:"timeout"`
	SensitiveKeys []string        `yaml:"sensitive_keys"`
	Channels      []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one alert channel. Endpoints are never written
// in the file; URLEnv and QueueURLEnv name the environment variables that
// hold them.
type ChannelConfig struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	URLEnv      string            `yaml:"url_env"`
	QueueURLEnv string            `yaml:"queue_url_env"`
	Region      string            `yaml:"region"`
	Reliability ReliabilityConfig `yaml:"reliability"`
}

// ReliabilityConfig tunes webhook delivery.
type ReliabilityConfig struct {
	Attempts        uint          `yaml:"attempts"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// ExecutorConfig holds remediation settings.
type ExecutorConfig struct {
	DryRun              bool          `yaml:"dry_run"`
	Timeout             time.Duration `yaml:"timeout"`
	AllowedActions      []string      `yaml:"allowed_actions"`
	ProtectedPrincipals []string      `yaml:"protected_principals"`
	// MinIPv4Prefix and MinIPv6Prefix bound how wide a blocked CIDR may be
	MinIPv4Prefix int       `yaml:"min_ipv4_prefix"`
	MinIPv6Prefix int       `yaml:"min_ipv6_prefix"`
	AWS           AWSConfig `yaml:"aws"`
}

// AWSConfig holds the AWS remediation backend settings.
type AWSConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	Region                  string `yaml:"region"`
	NetworkACLID            string `yaml:"network_acl_id"`
	QuarantineSecurityGroup string `yaml:"quarantine_security_group"`
	// Deny entries are numbered from DenyRuleMin..DenyRuleMax. NACLs stop at
	// the first matching rule, so the range must sit below every allow rule.
	DenyRuleMin int32 `yaml:"deny_rule_min"`
	DenyRuleMax int32 `yaml:"deny_rule_max"`
}

// ComplianceConfig holds compliance policy settings.
type ComplianceConfig struct {
	PolicyFiles       []string `yaml:"policy_files"`
	SkipDefaultPolicy bool     `yaml:"skip_default_policy"`
	DefaultSeverity   string   `yaml:"default_severity"`
	// Catalog adds or overrides rules: standard -> rule id -> title
	Catalog map[string]map[string]string `yaml:"catalog"`
}

// DetectorsConfig lists the detector outputs to ingest.
type DetectorsConfig struct {
	Findings   []string       `yaml:"findings"`
	Compliance []string       `yaml:"compliance"`
	Timeout    time.Duration  `yaml:"timeout"`
	Suppress   SuppressConfig `yaml:"suppress"`
}

// SuppressConfig drops findings before dispatch.
type SuppressConfig struct {
	Categories []string `yaml:"categories"`
	// IncludeAttributes must all match for a finding to be dispatched
	IncludeAttributes map[string]string `yaml:"include_attributes"`
	// ExcludeAttributes suppress a finding when any one matches
	ExcludeAttributes map[string]string `yaml:"exclude_attributes"`
}

// StoreConfig holds the run archive location. Empty disables archiving.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WatchConfig holds daemon settings.
type WatchConfig struct {
	Interval   time.Duration `yaml:"interval"`
	ListenAddr string        `yaml:"listen_addr"`
}

// Load reads and parses a YAML config file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "vigil"
	}
	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher.Workers = 4
	}
	if cfg.Dispatcher.HandlerTimeout == 0 {
		cfg.Dispatcher.HandlerTimeout = 30 * time.Second
	}
	if cfg.Notifier.Timeout == 0 {
		cfg.Notifier.Timeout = 10 * time.Second
	}
	if len(cfg.Notifier.Channels) == 0 {
		cfg.Notifier.Channels = []ChannelConfig{{Name: "log", Type: ChannelLog}}
	}
	for i := range cfg.Notifier.Channels {
		applyReliabilityDefaults(&cfg.Notifier.Channels[i].Reliability)
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = 15 * time.Second
	}
	if len(cfg.Executor.ProtectedPrincipals) == 0 {
		cfg.Executor.ProtectedPrincipals = []string{"root", "admin", "administrator"}
	}
	if cfg.Executor.MinIPv4Prefix == 0 {
		cfg.Executor.MinIPv4Prefix = 24
	}
	if cfg.Executor.MinIPv6Prefix == 0 {
		cfg.Executor.MinIPv6Prefix = 64
	}
	if cfg.Executor.AWS.DenyRuleMin == 0 {
		cfg.Executor.AWS.DenyRuleMin = 1
	}
	if cfg.Executor.AWS.DenyRuleMax == 0 {
		cfg.Executor.AWS.DenyRuleMax = 99
	}
	if cfg.Compliance.DefaultSeverity == "" {
		cfg.Compliance.DefaultSeverity = string(types.SeverityMedium)
	}
	if cfg.Detectors.Timeout == 0 {
		cfg.Detectors.Timeout = time.Minute
	}
	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = 5 * time.Minute
	}
	if cfg.Watch.ListenAddr == "" {
		cfg.Watch.ListenAddr = ":9090"
	}
}

func applyReliabilityDefaults(r *ReliabilityConfig) {
	if r.Attempts == 0 {
		r.Attempts = 3
	}
	if r.RatePerSecond == 0 {
		r.RatePerSecond = 1
	}
	if r.Burst == 0 {
		r.Burst = 5
	}
	if r.BreakerFailures == 0 {
		r.BreakerFailures = 5
	}
	if r.BreakerTimeout == 0 {
		r.BreakerTimeout = 30 * time.Second
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher: workers must be at least 1 (got %d)", c.Dispatcher.Workers)
	}
	if c.Dispatcher.HandlerTimeout < 0 || c.Notifier.Timeout < 0 || c.Executor.Timeout < 0 || c.Detectors.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	if c.Executor.AWS.Enabled && c.Executor.AWS.NetworkACLID == "" && c.Executor.AWS.QuarantineSecurityGroup == "" {
		return fmt.Errorf("executor: aws needs network_acl_id or quarantine_security_group")
	}
	if lo, hi := c.Executor.AWS.DenyRuleMin, c.Executor.AWS.DenyRuleMax; lo < 1 || lo > hi || hi > maxNACLRuleNumber {
		return fmt.Errorf("executor: aws deny rule range must satisfy 1 <= deny_rule_min <= deny_rule_max <= %d (got %d-%d)", maxNACLRuleNumber, lo, hi)
	}
	if c.Executor.MinIPv4Prefix < 1 || c.Executor.MinIPv4Prefix > 32 {
		return fmt.Errorf("executor: min_ipv4_prefix must be between 1 and 32 (got %d)", c.Executor.MinIPv4Prefix)
	}
	if c.Executor.MinIPv6Prefix < 1 || c.Executor.MinIPv6Prefix > 128 {
		return fmt.Errorf("executor: min_ipv6_prefix must be between 1 and 128 (got %d)", c.Executor.MinIPv6Prefix)
	}
	if _, err := types.ParseSeverity(c.Compliance.DefaultSeverity); err != nil {
		return fmt.Errorf("compliance: default_severity: %w", err)
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch: interval must be positive")
	}
	return nil
}

func (c *Config) validateChannels() error {
	seen := make(map[string]bool, len(c.Notifier.Channels))
	for i, ch := range c.Notifier.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			return fmt.Errorf("notifier: channel %d: name required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("notifier: duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true

		switch ch.Type {
		case ChannelWebhook:
			if ch.URLEnv == "" {
				return fmt.Errorf("notifier: channel %q: url_env required", ch.Name)
			}
		case ChannelSQS:
			if ch.QueueURLEnv == "" {
				return fmt.Errorf("notifier: channel %q: queue_url_env required", ch.Name)
			}
		case ChannelLog:
		default:
			return fmt.Errorf("notifier: channel %q: unknown type %q", ch.Name, ch.Type)
		}
	}
	return nil
}

// Endpoint resolves the channel's secret endpoint from the environment
func (ch ChannelConfig) Endpoint() (string, error) {
	env := ch.URLEnv
	if ch.Type == ChannelSQS {
		env = ch.QueueURLEnv
	}
	if env == "" {
		return "", nil
	}
	value := strings.TrimSpace(os.Getenv(env))
	if value == "" {
		return "", fmt.Errorf("channel %s: environment variable %s is not set", ch.Name, env)
	}
	return value, nil
}

// ParsedSeverity returns the compliance default severity
func (c ComplianceConfig) ParsedSeverity() types.Severity {
	sev, err := types.ParseSeverity(c.DefaultSeverity)
	if err != nil {
		return types.SeverityMedium
	}
	return sev
}
