package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration consumed by the core services.
type Config struct {
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Session      SessionConfig      `yaml:"session"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	Events       EventsConfig       `yaml:"events"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// SchedulerConfig controls the fire loop.
type SchedulerConfig struct {
	MaxConcurrentJobRuns int `yaml:"max_concurrent_job_runs"`
	// ImmediateFirstFire makes an interval definition without a recorded
	// last fire run immediately at startup instead of one period later.
	ImmediateFirstFire bool `yaml:"immediate_first_fire"`
}

// DispatcherConfig controls per-run fan-out.
type DispatcherConfig struct {
	MaxConcurrentDevices int `yaml:"max_concurrent_devices"`
}

// SessionConfig controls device session timeouts.
type SessionConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
}

// ReachabilityConfig controls the pre-auth probe.
type ReachabilityConfig struct {
	ICMPTimeoutMS int `yaml:"icmp_timeout_ms"`
}

// CredentialsConfig carries the symmetric encryption key material.
type CredentialsConfig struct {
	// EncryptionKey is required. It is hashed with SHA-256 to derive the
	// 32-byte AES key, so any non-empty passphrase works.
	EncryptionKey string `yaml:"encryption_key"`
}

// LogConfig controls logging and redaction.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	// RedactionPatterns are extra regexes appended to the built-in
	// password/token/secret set.
	RedactionPatterns []string `yaml:"redaction_patterns"`
}

// StorageConfig locates the durable state database.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ArtifactsConfig locates the content-addressed blob store.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// EventsConfig controls the live log stream.
type EventsConfig struct {
	// RedisAddr enables publishing log entries to a Redis channel when
	// non-empty. The in-process hub is always active.
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentJobRuns: 8,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentDevices: 3,
		},
		Session: SessionConfig{
			ConnectTimeoutSeconds: 30,
			CommandTimeoutSeconds: 30,
		},
		Reachability: ReachabilityConfig{
			ICMPTimeoutMS: 1000,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Storage: StorageConfig{
			DataDir: "./netraven-data",
		},
		Artifacts: ArtifactsConfig{
			Dir: "./netraven-data/artifacts",
		},
		Events: EventsConfig{
			Channel: "netraven-logs",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Credentials.EncryptionKey == "" {
		return fmt.Errorf("credentials.encryption_key must be set")
	}
	if c.Scheduler.MaxConcurrentJobRuns < 1 {
		return fmt.Errorf("scheduler.max_concurrent_job_runs must be at least 1")
	}
	if c.Dispatcher.MaxConcurrentDevices < 1 {
		return fmt.Errorf("dispatcher.max_concurrent_devices must be at least 1")
	}
	if c.Session.ConnectTimeoutSeconds < 1 || c.Session.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("session timeouts must be at least 1 second")
	}
	return nil
}

// ConnectTimeout returns the session connect timeout as a duration.
func (c *SessionConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// CommandTimeout returns the per-command timeout as a duration.
func (c *SessionConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// ICMPTimeout returns the ICMP probe timeout as a duration.
func (c *ReachabilityConfig) ICMPTimeout() time.Duration {
	return time.Duration(c.ICMPTimeoutMS) * time.Millisecond
}
