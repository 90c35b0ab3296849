package client

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigPathUsesXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	assert.Equal(t, filepath.Join(dir, "chatdrop", "client.toml"), DefaultConfigPath())
}

func TestDefaultTOMLConfig(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg := DefaultTOMLConfig()
	assert.Equal(t, "localhost:12345", cfg.GetServerAddress())
	assert.Equal(t, DefaultRequestTimeout, cfg.GetRequestTimeout())
	assert.Equal(t, filepath.Join("/data", "chatdrop", "downloads"), cfg.Local.DownloadDir)
	assert.True(t, cfg.UI.ShowTimestamps)
}

func TestLoadClientConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatdrop", "client.toml")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# chatdrop client configuration")
	assert.Contains(t, string(data), "default_server")
}

func TestLoadClientConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	content := `
[connection]
default_server = "ws://chat.example.com"

[local]
last_username = "user3"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example.com", cfg.GetServerAddress())
	assert.Equal(t, "user3", cfg.Local.LastUsername)
	assert.Equal(t, 30*time.Second, cfg.GetRequestTimeout())
	assert.Equal(t, DefaultTOMLConfig().Local.DownloadDir, cfg.Local.DownloadDir)
}

func TestLoadClientConfigParseErrorHasLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\ndefault_server = \n"), 0644))

	_, err := LoadClientConfig(path)
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, path, cfgErr.Path)
	assert.Equal(t, 2, cfgErr.LineNumber)
}

func TestLoadClientConfigValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	content := `
[connection]
default_server = "udp://example.com"
request_timeout_seconds = -1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadClientConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid default server")
	assert.Contains(t, err.Error(), "Request timeout cannot be negative")
}

func TestSaveClientConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")

	cfg := DefaultTOMLConfig()
	cfg.Local.LastUsername = "user2"
	cfg.UI.ShowTimestamps = false
	require.NoError(t, SaveClientConfig(path, cfg))

	loaded, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestResetConfigToDefaultWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("[local]\nlast_username = \"old\"\n"), 0644))

	require.NoError(t, ResetConfigToDefault(path, true))

	backup := path + ".backup-" + time.Now().Format("2006-01-02")
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Contains(t, string(data), "old")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Local.LastUsername)
}

func TestExtractLineNumber(t *testing.T) {
	assert.Equal(t, 12, extractLineNumber("toml: line 12 (last key \"x\"): expected value"))
	assert.Equal(t, 0, extractLineNumber("no line info"))
}
