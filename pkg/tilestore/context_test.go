package tilestore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gegl-go/tilestore/internal/bytesize"
	"github.com/gegl-go/tilestore/pkg/config"
	"github.com/gegl-go/tilestore/pkg/tilestore"
	"github.com/gegl-go/tilestore/pkg/zoom"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s := config.DefaultSettings()
	s.TileWidth = 16
	s.TileHeight = 16
	s.TileCacheSize = 1 * bytesize.MiB
	s.Swap = ""
	s.Metrics.Enabled = false
	return s
}

func TestNewContextWithoutSwapOrMetrics(t *testing.T) {
	ctx, err := tilestore.NewContext(testSettings(t))
	require.NoError(t, err)
	defer ctx.Close()

	assert.Nil(t, ctx.Swap)
	assert.Nil(t, ctx.SwapDir)
	assert.Nil(t, ctx.Registry)
	assert.NotNil(t, ctx.Alloc)
	assert.NotNil(t, ctx.CacheCtx)
}

func TestNewContextWithSwapDirectory(t *testing.T) {
	settings := testSettings(t)
	settings.Swap = t.TempDir()

	ctx, err := tilestore.NewContext(settings)
	require.NoError(t, err)
	defer ctx.Close()

	assert.NotNil(t, ctx.SwapDir)
}

func TestNewContextStartsStatsServerWhenMetricsEnabled(t *testing.T) {
	settings := testSettings(t)
	settings.Metrics.Enabled = true
	settings.Metrics.Port = 0 // ":0" binds an OS-assigned ephemeral port

	ctx, err := tilestore.NewContext(settings)
	require.NoError(t, err)
	defer ctx.Close()

	assert.NotNil(t, ctx.Registry)
}

// TestStatsServerWaitsForSwapBackend checks that enabling both swap and
// metrics doesn't start the introspection server against a swap backend
// that doesn't exist yet: Context.Swap is only resolved once a Storage
// opens, so the server must come up then, not inside NewContext.
func TestStatsServerWaitsForSwapBackend(t *testing.T) {
	settings := testSettings(t)
	settings.Swap = t.TempDir()
	settings.Metrics.Enabled = true
	settings.Metrics.Port = 0

	ctx, err := tilestore.NewContext(settings)
	require.NoError(t, err)
	defer ctx.Close()

	assert.Nil(t, ctx.Swap, "swap backend should not exist before any Storage is opened")

	storage, err := ctx.NewStorage(4, zoom.FormatRGBAU8)
	require.NoError(t, err)
	defer storage.Close()

	assert.NotNil(t, ctx.Swap, "opening a Storage should resolve the swap backend")
}
