package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9010", cfg.Port)
	assert.Equal(t, filepath.Join(".data", "mediaqueue.db"), cfg.DBPath)
	assert.Equal(t, ".data", cfg.DataDir)
	assert.Equal(t, "*", cfg.CORSAllowOrigins)
	assert.Equal(t, 300*time.Millisecond, cfg.IdlePoll)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, "ffmpeg", cfg.FFBin)
	assert.Equal(t, 15*time.Minute, cfg.FFTimeout)
	assert.Equal(t, 0.0, cfg.ThrottleCPU)
	assert.Equal(t, int64(0), cfg.ThrottleFreeMem)
	assert.Equal(t, int64(0), cfg.ThrottleFreeDisk)
	assert.False(t, cfg.AuthEnable)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEDIAQUEUE_PORT", "8123")
	t.Setenv("MEDIAQUEUE_WORKERS", "4")
	t.Setenv("MEDIAQUEUE_IDLE_POLL", "50ms")
	t.Setenv("MEDIAQUEUE_FF_TIMEOUT", "2h")
	t.Setenv("MEDIAQUEUE_THROTTLE_FREEMEM", "1GB")
	t.Setenv("MEDIAQUEUE_AUTH_ENABLE", "true")
	t.Setenv("MEDIAQUEUE_AUTH_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8123", cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.IdlePoll)
	assert.Equal(t, 2*time.Hour, cfg.FFTimeout)
	assert.Equal(t, int64(1<<30), cfg.ThrottleFreeMem)
	assert.True(t, cfg.AuthEnable)
	assert.Equal(t, "secret", cfg.AuthKey)
}

func TestOrigins(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"*", []string{"*"}},
		{"", []string{"*"}},
		{"http://a.example", []string{"http://a.example"}},
		{"http://a.example, http://b.example", []string{"http://a.example", "http://b.example"}},
		{" , ", []string{"*"}},
	}
	for _, tt := range tests {
		cfg := &Config{CORSAllowOrigins: tt.raw}
		assert.Equal(t, tt.want, cfg.Origins(), "raw %q", tt.raw)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		DataDir: filepath.Join(dir, "data"),
		DBPath:  filepath.Join(dir, "data", "queue.db"),
	}
	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, filepath.Join(dir, "data"))
	assert.DirExists(t, filepath.Join(dir, "data", "outputs"))
}
