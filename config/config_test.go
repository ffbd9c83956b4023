package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Minute, cfg.Periodicity())
	assert.Equal(t, cfg.Buckets.Work, cfg.DeliveryBucket())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hpatrol.toml")
	body := `
[system]
periodicity = 5
safetymargin = "45s"

[store]
backend = "file"
root = "/tmp/hp"

[buckets]
work = "wrk"
delivery = "dst"

[health]
disablerlookback = "1h"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.System.Periodicity)
	assert.Equal(t, 45*time.Second, cfg.System.SafetyMargin.Duration)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "dst", cfg.DeliveryBucket())
	assert.Equal(t, time.Hour, cfg.Health.DisablerLookBack.Duration)
	// untouched settings keep their defaults
	assert.Equal(t, 300*time.Second, cfg.Health.EnablerLookBack.Duration)
	assert.Equal(t, "hashfiles", cfg.Prefixes.Hash)
	assert.Equal(t, 10*time.Second, cfg.Health.HistorianPoll.Duration)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HPATROL_PERIODICITY":    "20",
		"HPATROL_WRK_BUCKET":     "other",
		"HPATROL_QUEUE_BACKEND":  "redis",
		"HPATROL_REDIS_ADDR":     "localhost:6379",
		"HPATROL_SAFETY_MARGIN":  "1m",
		"HPATROL_STORE_ENDPOINT": "  ",
		"HPATROL_HISTORIAN_POLL": "20s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.System.Periodicity)
	assert.Equal(t, "other", cfg.Buckets.Work)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, time.Minute, cfg.System.SafetyMargin.Duration)
	assert.Equal(t, "", cfg.Store.Endpoint)
	assert.Equal(t, 20*time.Second, cfg.Health.HistorianPoll.Duration)
}

func TestApplyEnvBadValue(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "HPATROL_PERIODICITY" {
			return "ten", true
		}
		return "", false
	}
	err := Default().ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HPATROL_PERIODICITY")
}

func TestValidate(t *testing.T) {
	var tests = []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero periodicity", func(c *Config) { c.System.Periodicity = 0 }},
		{"no workers", func(c *Config) { c.System.UploadWorkers = 0 }},
		{"bad store", func(c *Config) { c.Store.Backend = "ftp" }},
		{"bad queue", func(c *Config) { c.Queue.Backend = "kafka" }},
		{"no work bucket", func(c *Config) { c.Buckets.Work = "" }},
		{"file without root", func(c *Config) { c.Store.Backend = "file" }},
		{"redis without addr", func(c *Config) { c.Queue.Backend = "redis" }},
	}
	for _, test := range tests {
		cfg := Default()
		test.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", test.name)
		}
	}
}
