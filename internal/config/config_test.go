package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardPolicyString(t *testing.T) {
	tests := []struct {
		name string
		p    ForwardPolicy
		want string
	}{
		{"none", ForwardNone, "none"},
		{"first", ForwardFirst, "first"},
		{"only", ForwardOnly, "only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.String())
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		envValue string
		want     string
	}{
		{"flag takes precedence", "/path/from/flag", "/path/from/env", "/path/from/flag"},
		{"env when no flag", "", "/path/from/env", "/path/from/env"},
		{"empty when neither", "", "", ""},
		{"whitespace flag", "  ", "/path/from/env", "/path/from/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HYDRARESOLVE_CONFIG", tt.envValue)
			got := ResolveConfigPath(tt.flag)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Resolver.Buckets)
	assert.Equal(t, ForwardNone, cfg.Resolver.ForwardPolicy)
	assert.Equal(t, 90*time.Second, cfg.Resolver.Lifetime)
	assert.Equal(t, 5353, cfg.Resolver.UDPPortsLow)
	assert.Equal(t, 5399, cfg.Resolver.UDPPortsHigh)
	assert.Equal(t, 2048, cfg.Resolver.EDNSUDPSize)
	assert.Equal(t, 600*time.Second, cfg.ADB.LameTTL)
	assert.Equal(t, 100000, cfg.Cache.MaxEntries)
}

func TestLoadFromFile(t *testing.T) {
	content := `
resolver:
  buckets: 4
  forwarders:
    - "1.1.1.1"
    - "9.9.9.9"
  forward_policy: "first"
  lifetime: "30s"
  udp_ports_low: 6000
  udp_ports_high: 6010
  edns_udp_size: 4096

adb:
  lame_ttl: "120s"

cache:
  max_entries: 500

logging:
  level: "DEBUG"
  structured: true
  structured_format: "keyvalue"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Resolver.Buckets)
	assert.Equal(t, ForwardFirst, cfg.Resolver.ForwardPolicy)
	assert.Equal(t, 30*time.Second, cfg.Resolver.Lifetime)
	assert.Equal(t, 6000, cfg.Resolver.UDPPortsLow)
	assert.Equal(t, 6010, cfg.Resolver.UDPPortsHigh)
	assert.Equal(t, 4096, cfg.Resolver.EDNSUDPSize)
	assert.Len(t, cfg.Resolver.Forwarders, 2)
	assert.Equal(t, 120*time.Second, cfg.ADB.LameTTL)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Structured)
	assert.Equal(t, "keyvalue", cfg.Logging.StructuredFormat)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver:\n  buckets: [invalid"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidPortRange(t *testing.T) {
	content := `
resolver:
  udp_ports_low: 6010
  udp_ports_high: 6000
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidLifetimeFallsBackToDefault(t *testing.T) {
	content := `
resolver:
  lifetime: "not-a-duration"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Resolver.Lifetime)
}

func TestForwardPolicyRequiresForwarders(t *testing.T) {
	content := `
resolver:
  forward_policy: "only"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HYDRARESOLVE_RESOLVER_BUCKETS", "32")
	t.Setenv("HYDRARESOLVE_RESOLVER_FORWARDERS", "1.1.1.1, 8.8.8.8")
	t.Setenv("HYDRARESOLVE_RESOLVER_FORWARD_POLICY", "only")
	t.Setenv("HYDRARESOLVE_CACHE_MAX_ENTRIES", "250")
	t.Setenv("HYDRARESOLVE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Resolver.Buckets)
	assert.Len(t, cfg.Resolver.Forwarders, 2)
	assert.Equal(t, ForwardOnly, cfg.Resolver.ForwardPolicy)
	assert.Equal(t, 250, cfg.Cache.MaxEntries)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}
