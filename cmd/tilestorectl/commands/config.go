package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gegl-go/tilestore/cmd/tilestorectl/cmdutil"
	"github.com/gegl-go/tilestore/pkg/config"
)

var configFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print effective settings",
	Long: `Print the settings tilestorectl itself would load from this machine:
GEGL_* environment variables override the config file, which overrides
the defaults. No setting is read from a CLI flag.

This does not query a running process — it shows what "tilestore.NewContext"
would resolve to if started here with the same --config flag and
environment. Use "tilestorectl cache stats" to see what a running process
actually has loaded.

Examples:
  tilestorectl config show
  tilestorectl config show --config /etc/tilestore/config.yaml -o json`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().StringVar(&configFile, "config", "", "Config file path (default: search standard locations)")
}

// settingsTable renders config.Settings as a key/value table.
type settingsTable struct {
	settings *config.Settings
}

func (s settingsTable) Headers() []string {
	return []string{"KEY", "VALUE"}
}

func (s settingsTable) Rows() [][]string {
	return [][]string{
		{"tile_width", fmt.Sprintf("%d", s.settings.TileWidth)},
		{"tile_height", fmt.Sprintf("%d", s.settings.TileHeight)},
		{"tile_cache_size", s.settings.TileCacheSize.String()},
		{"swap", cmdutil.EmptyOr(s.settings.Swap, "(disabled)")},
		{"swap_compression", s.settings.SwapCompression},
		{"queue_size", s.settings.QueueSize.String()},
		{"threads", fmt.Sprintf("%d", s.settings.Threads)},
		{"logging.level", s.settings.Logging.Level},
		{"logging.format", s.settings.Logging.Format},
		{"logging.output", s.settings.Logging.Output},
		{"metrics.enabled", fmt.Sprintf("%t", s.settings.Metrics.Enabled)},
		{"metrics.port", fmt.Sprintf("%d", s.settings.Metrics.Port)},
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, settings, false, "", settingsTable{settings: settings})
}
