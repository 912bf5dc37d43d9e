package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gegl-go/tilestore/cmd/tilestorectl/cmdutil"
	"github.com/gegl-go/tilestore/internal/cli/health"
	"github.com/gegl-go/tilestore/internal/cli/timeutil"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a tile storage process is reachable and alive",
	Long: `Fetch /healthz from a running tile storage process and report its
service name, start time, and uptime.

Examples:
  tilestorectl status
  tilestorectl status --server http://localhost:9090 -o json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusTable renders a health.Response for table output, using
// timeutil to present started_at/uptime the way an operator reads them
// rather than as raw RFC3339/duration strings.
type statusTable struct {
	resp *health.Response
}

func (t statusTable) Headers() []string {
	return []string{"FIELD", "VALUE"}
}

func (t statusTable) Rows() [][]string {
	return [][]string{
		{"status", t.resp.Status},
		{"service", t.resp.Data.Service},
		{"started_at", timeutil.FormatTime(t.resp.Data.StartedAt)},
		{"uptime", timeutil.FormatUptime(t.resp.Data.Uptime)},
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := cmdutil.GetClient().Health()
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, resp, false, "", statusTable{resp: resp})
}
