package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gegl-go/tilestore/cmd/tilestorectl/cmdutil"
	"github.com/gegl-go/tilestore/internal/cli/output"
	"github.com/gegl-go/tilestore/internal/cli/prompt"
	"github.com/gegl-go/tilestore/pkg/statsclient"
	"github.com/gegl-go/tilestore/pkg/swapdir"
)

var forceSwapClean bool

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "Inspect and maintain the swap backend",
}

var swapGapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "List the swap gap-list intervals",
	Long: `Fetch the current swap free-space gap list from a running tile storage
process and print each interval plus the total free bytes, for eyeballing
fragmentation (a healthy gap list stays small relative to file size).

Examples:
  tilestorectl swap gaps
  tilestorectl swap gaps -o json`,
	RunE: runSwapGaps,
}

var swapCleanCmd = &cobra.Command{
	Use:   "clean <directory>",
	Short: "Remove a swap directory's stale files",
	Long: `Sweep a swap directory for files left behind by a process that crashed
before it could clean up after itself, and remove them.

This acts directly on the filesystem rather than through the stats
server, since stale files by definition belong to a process that is no
longer running to be asked. Refuses to act without confirmation unless
--force is given, since it is destructive.

Examples:
  tilestorectl swap clean /var/lib/tilestore/swap
  tilestorectl swap clean /var/lib/tilestore/swap --force`,
	Args: cobra.ExactArgs(1),
	RunE: runSwapClean,
}

func init() {
	swapCmd.AddCommand(swapGapsCmd)
	swapCmd.AddCommand(swapCleanCmd)
	swapCleanCmd.Flags().BoolVarP(&forceSwapClean, "force", "f", false, "Skip confirmation prompt")
}

type swapGapsTable struct {
	gaps *statsclient.SwapGaps
}

func (t swapGapsTable) Headers() []string {
	return []string{"START", "END", "SIZE_BYTES"}
}

func (t swapGapsTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.gaps.Gaps))
	for _, g := range t.gaps.Gaps {
		rows = append(rows, []string{
			fmt.Sprintf("%d", g.Start),
			fmt.Sprintf("%d", g.End),
			fmt.Sprintf("%d", g.End-g.Start),
		})
	}
	return rows
}

func runSwapGaps(cmd *cobra.Command, args []string) error {
	gaps, err := cmdutil.GetClient().SwapGaps()
	if err != nil {
		return fmt.Errorf("failed to fetch swap gaps: %w", err)
	}

	err = cmdutil.PrintOutput(os.Stdout, gaps, len(gaps.Gaps) == 0, "No gaps; swap file has no free space to reuse.", swapGapsTable{gaps: gaps})
	if err != nil {
		return err
	}

	format, ferr := cmdutil.GetOutputFormatParsed()
	if ferr == nil && len(gaps.Gaps) > 0 && format == output.FormatTable {
		fmt.Printf("total free bytes: %d\n", gaps.FreeBytes)
	}
	return nil
}

func runSwapClean(cmd *cobra.Command, args []string) error {
	dir := args[0]

	confirmed, err := prompt.ConfirmWithForce(
		fmt.Sprintf("Remove stale swap files under %s?", dir),
		forceSwapClean,
	)
	if err != nil {
		return cmdutil.HandleAbort(err)
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}

	removed, err := swapdir.CleanStale(dir)
	if err != nil {
		return fmt.Errorf("failed to clean swap directory: %w", err)
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Removed %d stale file(s) from %s", removed, dir))
	return nil
}
