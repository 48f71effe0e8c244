package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
log:
  level: debug
  format: json

otel:
  endpoint: localhost:4317
  insecure: true
  service_name: vigil-prod
  traces:
    enabled: true
    sample_rate: 0.5
  metrics:
    enabled: true
    prometheus: true

dispatcher:
  workers: 8
  handler_timeout: 45s

notifier:
  timeout: 5s
  sensitive_keys: [password, bearer]
  channels:
    - name: slack
      type: webhook
      url_env: VIGIL_SLACK_WEBHOOK
      reliability:
        attempts: 5
        rate_per_second: 2
    - name: tickets
      type: sqs
      queue_url_env: VIGIL_TICKET_QUEUE
      region: eu-west-1

executor:
  dry_run: true
  timeout: 20s
  protected_principals: [root, breakglass]
  min_ipv4_prefix: 28
  aws:
    enabled: true
    region: eu-west-1
    network_acl_id: acl-0abc
    quarantine_security_group: sg-quarantine
    deny_rule_min: 10
    deny_rule_max: 40

compliance:
  policy_files: [/etc/vigil/policies]
  default_severity: HIGH
  catalog:
    SOC2:
      CC6.1: Logical access security

detectors:
  findings: [/var/lib/vigil/incidents.json]
  compliance: [/var/lib/vigil/compliance.yaml]
  timeout: 2m
  suppress:
    categories: [port_scan]
    exclude_attributes:
      env: sandbox

store:
  path: /var/lib/vigil/runs.db

watch:
  interval: 10m
  listen_addr: 127.0.0.1:9191
`
	cfg, err := Load(writeTempConfig(t, content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "vigil-prod", cfg.OTEL.ServiceName)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.True(t, cfg.OTEL.Metrics.Prometheus)

	assert.Equal(t, 8, cfg.Dispatcher.Workers)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.HandlerTimeout)

	assert.Equal(t, 5*time.Second, cfg.Notifier.Timeout)
	assert.Equal(t, []string{"password", "bearer"}, cfg.Notifier.SensitiveKeys)
	require.Len(t, cfg.Notifier.Channels, 2)
	slack := cfg.Notifier.Channels[0]
	assert.Equal(t, "VIGIL_SLACK_WEBHOOK", slack.URLEnv)
	assert.Equal(t, uint(5), slack.Reliability.Attempts)
	assert.Equal(t, 2.0, slack.Reliability.RatePerSecond)
	assert.Equal(t, 5, slack.Reliability.Burst)
	assert.Equal(t, 30*time.Second, slack.Reliability.BreakerTimeout)
	assert.Equal(t, "eu-west-1", cfg.Notifier.Channels[1].Region)

	assert.True(t, cfg.Executor.DryRun)
	assert.Equal(t, []string{"root", "breakglass"}, cfg.Executor.ProtectedPrincipals)
	assert.Equal(t, "acl-0abc", cfg.Executor.AWS.NetworkACLID)
	assert.Equal(t, int32(10), cfg.Executor.AWS.DenyRuleMin)
	assert.Equal(t, int32(40), cfg.Executor.AWS.DenyRuleMax)
	assert.Equal(t, 28, cfg.Executor.MinIPv4Prefix)
	assert.Equal(t, 64, cfg.Executor.MinIPv6Prefix)

	assert.Equal(t, types.SeverityHigh, cfg.Compliance.ParsedSeverity())
	assert.Equal(t, "Logical access security", cfg.Compliance.Catalog["SOC2"]["CC6.1"])

	assert.Equal(t, []string{"/var/lib/vigil/incidents.json"}, cfg.Detectors.Findings)
	assert.Equal(t, 2*time.Minute, cfg.Detectors.Timeout)
	assert.Equal(t, []string{"port_scan"}, cfg.Detectors.Suppress.Categories)
	assert.Equal(t, map[string]string{"env": "sandbox"}, cfg.Detectors.Suppress.ExcludeAttributes)
	assert.Equal(t, "/var/lib/vigil/runs.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Minute, cfg.Watch.Interval)
	assert.Equal(t, "127.0.0.1:9191", cfg.Watch.ListenAddr)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "store:\n  path: runs.db\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "vigil", cfg.OTEL.ServiceName)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.HandlerTimeout)
	assert.Equal(t, 10*time.Second, cfg.Notifier.Timeout)
	assert.Equal(t, []ChannelConfig{{
		Name: "log",
		Type: ChannelLog,
		Reliability: ReliabilityConfig{
			Attempts:        3,
			RatePerSecond:   1,
			Burst:           5,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
	}}, cfg.Notifier.Channels)
	assert.Equal(t, 15*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, []string{"root", "admin", "administrator"}, cfg.Executor.ProtectedPrincipals)
	assert.Equal(t, 24, cfg.Executor.MinIPv4Prefix)
	assert.Equal(t, 64, cfg.Executor.MinIPv6Prefix)
	// deny entries default below the conventional allow rule 100
	assert.Equal(t, int32(1), cfg.Executor.AWS.DenyRuleMin)
	assert.Equal(t, int32(99), cfg.Executor.AWS.DenyRuleMax)
	assert.Equal(t, types.SeverityMedium, cfg.Compliance.ParsedSeverity())
	assert.Equal(t, time.Minute, cfg.Detectors.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Watch.Interval)
	assert.Equal(t, ":9090", cfg.Watch.ListenAddr)
}

func TestLoad_EmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	cfg, err = Load(writeTempConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	_, err = Load(writeTempConfig(t, "dispatcher: [not, a, map]\n"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeTempConfig(t, "dispatcher:\n  wrokers: 3\n"))
	assert.ErrorContains(t, err, "wrokers")

	_, err = Load(writeTempConfig(t, "dispatcher:\n  handler_timeout: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "format"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
		{"workers", func(c *Config) { c.Dispatcher.Workers = -1 }, "workers"},
		{"negative timeout", func(c *Config) { c.Executor.Timeout = -time.Second }, "negative"},
		{"unnamed channel", func(c *Config) { c.Notifier.Channels = []ChannelConfig{{Type: ChannelLog}} }, "name required"},
		{"duplicate channel", func(c *Config) {
			c.Notifier.Channels = []ChannelConfig{{Name: "a", Type: ChannelLog}, {Name: "a", Type: ChannelLog}}
		}, "duplicate"},
		{"unknown type", func(c *Config) { c.Notifier.Channels = []ChannelConfig{{Name: "a", Type: "pager"}} }, "unknown type"},
		{"webhook without env", func(c *Config) { c.Notifier.Channels = []ChannelConfig{{Name: "a", Type: ChannelWebhook}} }, "url_env"},
		{"sqs without env", func(c *Config) { c.Notifier.Channels = []ChannelConfig{{Name: "a", Type: ChannelSQS}} }, "queue_url_env"},
		{"aws without targets", func(c *Config) { c.Executor.AWS.Enabled = true }, "network_acl_id"},
		{"deny range inverted", func(c *Config) {
			c.Executor.AWS.DenyRuleMin = 50
			c.Executor.AWS.DenyRuleMax = 20
		}, "deny_rule_min"},
		{"deny range too high", func(c *Config) { c.Executor.AWS.DenyRuleMax = 40000 }, "deny_rule_max"},
		{"deny range negative", func(c *Config) { c.Executor.AWS.DenyRuleMin = -1 }, "deny_rule_min"},
		{"ipv4 prefix", func(c *Config) { c.Executor.MinIPv4Prefix = 33 }, "min_ipv4_prefix"},
		{"ipv6 prefix", func(c *Config) { c.Executor.MinIPv6Prefix = -8 }, "min_ipv6_prefix"},
		{"severity", func(c *Config) { c.Compliance.DefaultSeverity = "severe" }, "default_severity"},
		{"interval", func(c *Config) { c.Watch.Interval = -time.Minute }, "interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestChannelConfig_Endpoint(t *testing.T) {
	t.Setenv("VIGIL_TEST_HOOK", " https://hooks.example.com/T000/B000/XXXX ")

	url, err := ChannelConfig{Name: "slack", Type: ChannelWebhook, URLEnv: "VIGIL_TEST_HOOK"}.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/T000/B000/XXXX", url)

	_, err = ChannelConfig{Name: "q", Type: ChannelSQS, QueueURLEnv: "VIGIL_TEST_UNSET_QUEUE"}.Endpoint()
	assert.ErrorContains(t, err, "VIGIL_TEST_UNSET_QUEUE is not set")

	url, err = ChannelConfig{Name: "log", Type: ChannelLog}.Endpoint()
	require.NoError(t, err)
	assert.Empty(t, url)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
