package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8089", cfg.Listen)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
database: /var/lib/colloquy/colloquy.db
guidanceDeadline: 5m
origins:
  - example.com
log:
  level: debug
  format: text
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/ws", cfg.Path, "unset keys keep defaults")
	assert.Equal(t, "/var/lib/colloquy/colloquy.db", cfg.Database)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.GuidanceDeadline))
	assert.Equal(t, []string{"example.com"}, cfg.Origins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad level", content: "log:\n  level: verbose\n"},
		{name: "bad format", content: "log:\n  format: xml\n"},
		{name: "empty listen", content: `listen: ""` + "\n"},
		{name: "malformed yaml", content: "listen: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
