// Package debug prints client-side diagnostics to stderr when MEND_DEBUG is
// set or --verbose is passed. Server-side logging goes through slog.
package debug

import (
	"fmt"
	"io"
	"os"
)

var (
	enabled     = os.Getenv("MEND_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	stderr io.Writer = os.Stderr
	stdout io.Writer = os.Stdout
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

// Logf writes a diagnostic line to stderr. A trailing newline is added.
func Logf(format string, args ...any) {
	if Enabled() {
		fmt.Fprintf(stderr, "[debug] "+format+"\n", args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
func PrintNormal(format string, args ...any) {
	if !quietMode {
		fmt.Fprintf(stdout, format, args...)
	}
}
