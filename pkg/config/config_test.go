package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentJobRuns)
	assert.Equal(t, 3, cfg.Dispatcher.MaxConcurrentDevices)
	assert.Equal(t, 30, cfg.Session.ConnectTimeoutSeconds)
	assert.Equal(t, 30, cfg.Session.CommandTimeoutSeconds)
	assert.Equal(t, 1000, cfg.Reachability.ICMPTimeoutMS)
	assert.Equal(t, "netraven-logs", cfg.Events.Channel)
	assert.Equal(t, 30*time.Second, cfg.Session.ConnectTimeout())
	assert.Equal(t, time.Second, cfg.Reachability.ICMPTimeout())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netraven.yaml")
	content := `
scheduler:
  max_concurrent_job_runs: 2
dispatcher:
  max_concurrent_devices: 10
session:
  connect_timeout_seconds: 5
credentials:
  encryption_key: test-key
log:
  redaction_patterns:
    - 'community\s+\S+'
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentJobRuns)
	assert.Equal(t, 10, cfg.Dispatcher.MaxConcurrentDevices)
	assert.Equal(t, 5, cfg.Session.ConnectTimeoutSeconds)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30, cfg.Session.CommandTimeoutSeconds)
	assert.Equal(t, 1000, cfg.Reachability.ICMPTimeoutMS)
	assert.Equal(t, []string{`community\s+\S+`}, cfg.Log.RedactionPatterns)

	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/netraven.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) { c.Credentials.EncryptionKey = "k" },
		},
		{
			name:    "missing encryption key",
			mutate:  func(c *Config) {},
			wantErr: true,
		},
		{
			name: "zero job run cap",
			mutate: func(c *Config) {
				c.Credentials.EncryptionKey = "k"
				c.Scheduler.MaxConcurrentJobRuns = 0
			},
			wantErr: true,
		},
		{
			name: "zero device cap",
			mutate: func(c *Config) {
				c.Credentials.EncryptionKey = "k"
				c.Dispatcher.MaxConcurrentDevices = 0
			},
			wantErr: true,
		},
		{
			name: "zero connect timeout",
			mutate: func(c *Config) {
				c.Credentials.EncryptionKey = "k"
				c.Session.ConnectTimeoutSeconds = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
