package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gegl-go/tilestore/cmd/tilestorectl/cmdutil"
	"github.com/gegl-go/tilestore/pkg/statsclient"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the process-wide tile cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache occupancy and hit ratio",
	Long: `Fetch the current cache_total, cache_total_max, hit/miss counters, and
per-cache item counts from a running tile storage process.

Examples:
  tilestorectl cache stats
  tilestorectl cache stats --server http://localhost:9090 -o json`,
	RunE: runCacheStats,
}

var cacheTrimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Force one cache trim pass",
	Long: `Trigger a cache trim pass immediately, rather than waiting for the
process-wide total to exceed its budget on its own. A no-op if the cache
is already at or under budget.

Examples:
  tilestorectl cache trim`,
	RunE: runCacheTrim,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheTrimCmd)
}

type cacheStatsTable struct {
	stats *statsclient.CacheStats
}

func (t cacheStatsTable) Headers() []string {
	return []string{"METRIC", "VALUE"}
}

func (t cacheStatsTable) Rows() [][]string {
	hitRatio := 0.0
	if total := t.stats.Hits + t.stats.Misses; total > 0 {
		hitRatio = float64(t.stats.Hits) / float64(total)
	}

	return [][]string{
		{"total_bytes", fmt.Sprintf("%d", t.stats.Total)},
		{"target_size_bytes", fmt.Sprintf("%d", t.stats.TargetSize)},
		{"total_max_bytes", fmt.Sprintf("%d", t.stats.TotalMax)},
		{"total_uncloned_bytes", fmt.Sprintf("%d", t.stats.TotalUncloned)},
		{"hits", fmt.Sprintf("%d", t.stats.Hits)},
		{"misses", fmt.Sprintf("%d", t.stats.Misses)},
		{"hit_ratio", fmt.Sprintf("%.4f", hitRatio)},
		{"cache_count", fmt.Sprintf("%d", len(t.stats.PerCacheSizes))},
		{"per_cache_item_counts", fmt.Sprintf("%v", t.stats.PerCacheSizes)},
	}
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	stats, err := cmdutil.GetClient().CacheStats()
	if err != nil {
		return fmt.Errorf("failed to fetch cache stats: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, stats, false, "", cacheStatsTable{stats: stats})
}

func runCacheTrim(cmd *cobra.Command, args []string) error {
	result, err := cmdutil.GetClient().Trim()
	if err != nil {
		return fmt.Errorf("failed to trigger trim: %w", err)
	}

	if result.UnderBudget {
		cmdutil.PrintSuccess("Cache is at or under budget; no tiles evicted.")
	} else {
		cmdutil.PrintSuccess(fmt.Sprintf("Trim pass ran; cache_total is now %d bytes.", result.Stats.Total))
	}
	return nil
}
