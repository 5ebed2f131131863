package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, slog.Disabled, func(c *Config) { changes <- c }))

	updated := DefaultConfig()
	updated.Recording.EnableSystemAudioMixing = true
	require.NoError(t, updated.Save(path))

	select {
	case c := <-changes:
		assert.True(t, c.Recording.EnableSystemAudioMixing)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after save")
	}
}

func TestWatchIgnoresInvalidEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, slog.Disabled, func(c *Config) { changes <- c }))

	require.NoError(t, os.WriteFile(path, []byte(`{"recording":{"mixed_channels":9}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.json"), []byte("{}"), 0644))

	select {
	case c := <-changes:
		t.Fatalf("unexpected reload: %+v", c.Recording)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "config.json"), slog.Disabled, func(*Config) {})
	assert.Error(t, err)
}
