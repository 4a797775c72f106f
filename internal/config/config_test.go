package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
ai:
  enabled: false
assets:
  - symbol: btcusdt
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.Broker.Mode)
	assert.Equal(t, 30, cfg.Engine.ReconcileIntervalSeconds)
	assert.Equal(t, 60, cfg.Engine.FailureBackoffSeconds)
	assert.Equal(t, 10, cfg.Engine.ReflectionThreshold)
	assert.Equal(t, 2.0, cfg.Engine.LeaseFactor)
	assert.Equal(t, "1h", cfg.Market.Timeframe)
	require.Len(t, cfg.Assets, 1)
	assert.Equal(t, "BTCUSDT", cfg.Assets[0].Symbol)
	assert.Equal(t, 300, cfg.Assets[0].IntervalSeconds)
	assert.False(t, cfg.AI.Enabled)
}

func TestLoadExplicitZeroLeaseFactorKept(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
ai:
  enabled: false
engine:
  lease_factor: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Engine.LeaseFactor)
}

func TestLoadIncludeOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
app:
  http_addr: ":8000"
  log_level: debug
ai:
  enabled: false
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml
app:
  http_addr: ":9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.App.HTTPAddr)
	assert.Equal(t, "debug", cfg.App.LogLevel)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TL_TEST_KEY", "sk-test")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
ai:
  api_key: ${TL_TEST_KEY}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing ai key", "ai:\n  enabled: true\n", "ai.api_key"},
		{"bad broker", "ai:\n  enabled: false\nbroker:\n  mode: ftx\n", "broker.mode"},
		{"alpaca creds", "ai:\n  enabled: false\nbroker:\n  mode: alpaca\n", "key_id"},
		{"bad timeframe", "ai:\n  enabled: false\nmarket:\n  timeframe: 7x\n", "market.timeframe"},
		{"dup asset", "ai:\n  enabled: false\nassets:\n  - symbol: ETH\n  - symbol: eth\n", "duplicated"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tc.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath, ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/tl.yaml")
	assert.Equal(t, "/etc/tl.yaml", ResolvePath(""))
	assert.Equal(t, "x.yaml", ResolvePath("x.yaml"))
}
