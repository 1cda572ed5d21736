package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4318, cfg.OTLP.Port)
	assert.Equal(t, "/v1", cfg.OTLP.PathBase)
	assert.Equal(t, 64, cfg.Queue.MaxItems)
	assert.EqualValues(t, 10_000, cfg.Queue.MaxWaitMs)
	assert.EqualValues(t, 2<<20, cfg.Queue.MaxBodyBytes)
	assert.EqualValues(t, 30_000, cfg.Proxy.TimeoutMs)
	assert.Equal(t, "x-request-id", cfg.Logging.RequestIDHeader)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 9100, cfg.BasePort)
	assert.Equal(t, "deno", cfg.Runtime.Command)
	assert.Equal(t, 1, cfg.Proxy.MaxAutoHealRetries)
}

func TestDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Port: 9999}}
	cfg.Defaults()
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestSpawnReadinessTimeout_ClampsUpToFiveMinutes(t *testing.T) {
	cfg := Config{Proxy: ProxyConfig{TimeoutMs: 5000}}
	assert.Equal(t, "5m0s", cfg.SpawnReadinessTimeout().String())
}

func TestSpawnReadinessTimeout_UsesLargerTimeoutWhenConfigured(t *testing.T) {
	cfg := Config{Proxy: ProxyConfig{TimeoutMs: 600_000}}
	assert.Equal(t, "10m0s", cfg.SpawnReadinessTimeout().String())
}

func TestLoad_ParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oxian.yaml")
	yamlDoc := `
server:
  port: 8088
basePort: 9200
select:
  - when:
      pathPrefix: /api
    project: main
  - default: true
    project: default
projects:
  main:
    source: ./main-project
    stickyHeader: x-session
    strategy: sticky
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 9200, cfg.BasePort)
	require.Len(t, cfg.Select, 2)
	assert.Equal(t, "main", cfg.Select[0].Project)
	assert.True(t, cfg.Select[1].Default)
	require.Contains(t, cfg.Projects, "main")
	assert.Equal(t, "sticky", cfg.Projects["main"].Strategy)
	// Defaults still apply for fields the document left unset.
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [this is not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_FailsValidationOnOutOfRangePort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "incomplete.yaml")
	// Defaults() fills every required field, so validation is broken with
	// an out-of-range server port instead.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
