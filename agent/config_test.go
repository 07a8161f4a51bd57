package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("listen_addr: 127.0.0.1:9999\nheartbeat_timeout: 30s\n"), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)

	d, err := cfg.ParsedHeartbeatTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	// unset fields fall back to defaults
	assert.Equal(t, DefaultConfig().Shell, cfg.Shell)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [broken"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
