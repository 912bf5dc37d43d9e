// Package cmdutil provides shared utilities for tilestorectl commands:
// global flags, output-format selection, and confirmation helpers, minus
// anything that depends on stored login credentials, since the stats
// server this CLI talks to has no authentication.
package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/gegl-go/tilestore/internal/cli/output"
	"github.com/gegl-go/tilestore/internal/cli/prompt"
	"github.com/gegl-go/tilestore/pkg/statsclient"
)

// DefaultServerURL is used when --server is not set and GEGL_STATS_SERVER
// is not in the environment.
const DefaultServerURL = "http://localhost:9090"

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ServerURL string
	Output    string
	NoColor   bool
	Verbose   bool
}

// GetClient returns a statsclient configured from the current flags,
// falling back to GEGL_STATS_SERVER and then DefaultServerURL.
func GetClient() *statsclient.Client {
	url := Flags.ServerURL
	if url == "" {
		url = os.Getenv("GEGL_STATS_SERVER")
	}
	if url == "" {
		url = DefaultServerURL
	}
	return statsclient.New(url)
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// IsColorDisabled returns whether color output is disabled.
func IsColorDisabled() bool {
	return Flags.NoColor
}

// PrintOutput prints data in the specified format (JSON, YAML, or table).
// For table format, it displays emptyMsg if data is empty, otherwise uses
// the tableRenderer.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintSuccess prints a success message if the output format is table.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	printer := output.NewPrinter(os.Stdout, format, !IsColorDisabled())
	printer.Success(msg)
}

// EmptyOr returns value if it is non-empty, otherwise fallback. Useful for
// table display where an empty field should show a placeholder.
func EmptyOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// HandleAbort checks if an error is an abort (Ctrl+C) and prints a
// message. Returns nil for abort (user cancelled), otherwise returns the
// original error.
func HandleAbort(err error) error {
	if prompt.IsAborted(err) {
		fmt.Println("\nAborted.")
		return nil
	}
	return err
}
