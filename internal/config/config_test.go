package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCRIBE_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("SCRIBE_CONFIG_PATH", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "info", cfg.Log.Level)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "mp3splt", cfg.Tools.Splitter)
	require.Equal(t, 30*time.Second, cfg.Speech.Timeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "scribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  base_url: http://app.example
storage:
  root: /srv/scribe
speech:
  url: http://speech.example
  timeout: 5s
services:
  recognize:
    name: asr
    subsystems:
      English: en_ZA_16000
categories: [hansard, interview]
languages: [English, Afrikaans]
`), 0o644))
	t.Setenv("SCRIBE_CONFIG_PATH", path)
	t.Setenv("SCRIBE_SERVER_PORT", "9100")
	t.Setenv("SCRIBE_AUTH_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "http://app.example", cfg.Server.BaseURL)
	require.Equal(t, 5*time.Second, cfg.Speech.Timeout)
	require.Equal(t, "asr", cfg.Services.Recognize.Name)
	require.Equal(t, "en_ZA_16000", cfg.Services.Recognize.Subsystems["English"])
	require.Equal(t, "align", cfg.Services.Align.Name)
	require.Equal(t, []string{"hansard", "interview"}, cfg.Categories)
	require.False(t, cfg.Auth.Enabled)
}

func TestLoadEnvFile(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SCRIBE_STORAGE_ROOT=/data/from-env-file\n"), 0o644))
	t.Setenv("SCRIBE_ENV_FILE", envFile)
	t.Setenv("SCRIBE_STORAGE_ROOT", "")
	// godotenv does not override variables that are already set.
	require.NoError(t, os.Unsetenv("SCRIBE_STORAGE_ROOT"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/data/from-env-file", cfg.Storage.Root)
}

func TestLoadRejectsBadValues(t *testing.T) {
	isolate(t)
	t.Setenv("SCRIBE_SERVER_PORT", "eighty")
	_, err := Load()
	require.ErrorContains(t, err, "SCRIBE_SERVER_PORT")

	t.Setenv("SCRIBE_SERVER_PORT", "")
	t.Setenv("SCRIBE_MCP_ENABLED", "maybe")
	_, err = Load()
	require.ErrorContains(t, err, "SCRIBE_MCP_ENABLED")
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.Server.BaseURL = "http://app.example"
	valid.Storage.Root = "/srv/scribe"
	valid.Speech.URL = "http://speech.example"
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"base url", func(c *Config) { c.Server.BaseURL = "" }, "server.base_url"},
		{"storage root", func(c *Config) { c.Storage.Root = "" }, "storage.root"},
		{"speech url", func(c *Config) { c.Speech.URL = "" }, "speech.url"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"mcp mode", func(c *Config) { c.MCP.Mode = "grpc" }, "mcp.mode"},
		{"static user", func(c *Config) { c.Auth.Enabled = false }, "auth.user"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
