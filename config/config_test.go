package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/ptyhost/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(""), "yaml")
	require.NoError(t, err)

	assert.Equal(t, BackendAuto, cfg.Backend.Mode)
	assert.Equal(t, DefaultRegistryURL, cfg.Registry.URL)
	assert.Equal(t, DefaultTrustEndpoints, cfg.Registry.TrustEndpoints)
	assert.Equal(t, "desktop", cfg.Registry.Source)
	assert.Equal(t, 2, cfg.Registry.RegisterAttempts)
	assert.Equal(t, 3, cfg.Registry.UnregisterAttempts)
	assert.Equal(t, 10, cfg.Registry.ResetAttempts)

	assert.Equal(t, 5*time.Second, cfg.Registry.HeartbeatIntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.Backend.ReconnectWaitDuration())
	assert.Equal(t, 100*time.Millisecond, cfg.Backend.ReconnectPollDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.Backend.ConnectTimeoutDuration())
	assert.Equal(t, time.Second, cfg.Registry.ResetIntervalDuration())
}

func TestLoadFromBytesYAML(t *testing.T) {
	t.Setenv("PTYHOST_TEST_REGISTRY", "http://registry.test:9000")

	data := []byte(`
backend:
  mode: embedded
  reconnect_wait: 2s
registry:
  url: ${PTYHOST_TEST_REGISTRY}
  desktop_url: ${PTYHOST_TEST_UNSET:-http://desk.test}
  heartbeat_interval: 250ms
  source: local
logging:
  level: debug
`)
	cfg, err := LoadFromBytes(data, "yaml")
	require.NoError(t, err)

	assert.Equal(t, BackendEmbedded, cfg.Backend.Mode)
	assert.Equal(t, 2*time.Second, cfg.Backend.ReconnectWaitDuration())
	assert.Equal(t, "http://registry.test:9000", cfg.Registry.URL)
	assert.Equal(t, "http://desk.test", cfg.Registry.DesktopURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Registry.HeartbeatIntervalDuration())
	assert.Equal(t, "local", cfg.Registry.Source)

	var logCfg struct {
		Level string `yaml:"level"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "debug", logCfg.Level)
}

func TestLoadFromBytesTOML(t *testing.T) {
	data := []byte(`
[backend]
mode = "external"
socket_path = "/tmp/ptyd.sock"

[registry]
unregister_attempts = 5

[logging]
level = "warn"
`)
	cfg, err := LoadFromBytes(data, "toml")
	require.NoError(t, err)

	assert.Equal(t, BackendExternal, cfg.Backend.Mode)
	assert.Equal(t, "/tmp/ptyd.sock", cfg.Backend.SocketPath)
	assert.Equal(t, 5, cfg.Registry.UnregisterAttempts)

	var logCfg struct {
		Level string `yaml:"level"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "warn", logCfg.Level)
}

func TestSchemaRejectsBadEnums(t *testing.T) {
	_, err := LoadFromBytes([]byte("backend:\n  mode: remote\n"), "yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))

	_, err = LoadFromBytes([]byte("registry:\n  source: cloud\n"), "yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
}

func TestValidateRejectsBadDuration(t *testing.T) {
	_, err := LoadFromBytes([]byte("registry:\n  heartbeat_interval: soon\n"), "yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "ptyhost.yml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
}

func TestLoadFromFallsBackToDefaults(t *testing.T) {
	t.Setenv("PTYHOST_HOME", t.TempDir())

	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, BackendAuto, cfg.Backend.Mode)
}

func TestFindConfigFileWalksUp(t *testing.T) {
	t.Setenv("PTYHOST_HOME", t.TempDir())

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	path := filepath.Join(root, "ptyhost.toml")
	require.NoError(t, os.WriteFile(path, []byte("[backend]\nmode = \"embedded\"\n"), 0644))

	found, err := FindConfigFile(nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	cfg, err := LoadFrom(nested)
	require.NoError(t, err)
	assert.Equal(t, BackendEmbedded, cfg.Backend.Mode)
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "heartbeat_interval")
	assert.Contains(t, string(data), `"embedded"`)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ptyhost.yml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  heartbeat_interval: 5s\n"), 0644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(cfg *Config) { reloaded <- cfg }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("registry:\n  heartbeat_interval: 1s\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, time.Second, cfg.Registry.HeartbeatIntervalDuration())
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
}
