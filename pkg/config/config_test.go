package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gegl-go/tilestore/internal/bytesize"
	"github.com/gegl-go/tilestore/pkg/config"
)

func TestDefaultSettingsMatchesSpecTable(t *testing.T) {
	s := config.DefaultSettings()
	config.ApplyDefaults(s)

	assert.Equal(t, 128, s.TileWidth)
	assert.Equal(t, 128, s.TileHeight)
	assert.Equal(t, 512*bytesize.MiB, s.TileCacheSize)
	assert.Equal(t, "fast", s.SwapCompression)
	assert.Equal(t, 50*bytesize.MiB, s.QueueSize)
	assert.Greater(t, s.Threads, 0)
	require.NoError(t, config.Validate(s))
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	s, err := config.Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 128, s.TileWidth)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tile_width: 64
tile_height: 64
tile_cache_size: "256Mi"
swap_compression: none
`), 0o600))

	s, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, s.TileWidth)
	assert.Equal(t, 64, s.TileHeight)
	assert.Equal(t, 256*bytesize.MiB, s.TileCacheSize)
	assert.Equal(t, "none", s.SwapCompression)
	// QueueSize wasn't set explicitly, so it's derived from the cache size.
	assert.Equal(t, s.TileCacheSize/10, s.QueueSize)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tile_width: 128\n"), 0o600))

	t.Setenv("GEGL_CACHE_SIZE", "64")
	t.Setenv("GEGL_SWAP_COMPRESSION", "none")

	s, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64*bytesize.MiB, s.TileCacheSize)
	assert.Equal(t, "none", s.SwapCompression)
}

func TestValidateRejectsZeroTileWidth(t *testing.T) {
	s := config.DefaultSettings()
	s.TileWidth = 0
	assert.Error(t, config.Validate(s))
}

func TestValidateRejectsUnknownCompressionCodec(t *testing.T) {
	s := config.DefaultSettings()
	s.SwapCompression = "bogus"
	assert.Error(t, config.Validate(s))
}

func TestReconfigureRecomputesQueueSize(t *testing.T) {
	s := config.DefaultSettings()
	config.Reconfigure(s, 1000*bytesize.MiB)

	assert.Equal(t, 1000*bytesize.MiB, s.TileCacheSize)
	assert.Equal(t, 100*bytesize.MiB, s.QueueSize)
}

func TestSaveConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	s := config.DefaultSettings()
	s.TileWidth = 64
	require.NoError(t, config.SaveConfig(s, path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, loaded.TileWidth)
}
