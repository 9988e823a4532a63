package cmdlog

import (
	"time"

	"github.com/spf13/cobra"

	"lookout/internal/logging"
	"lookout/internal/metrics"
)

// Run executes f, counting and logging the outcome under cmd.
func Run(cmd string, f func() error) error {
	metrics.IncCommandRun(cmd)
	start := time.Now()
	err := f()
	fields := map[string]any{"command": cmd, "elapsed_ms": time.Since(start).Milliseconds()}
	if err != nil {
		metrics.IncCommandError(cmd)
		fields["error"] = err.Error()
		logging.Error("command_failed", fields)
	} else {
		logging.Info("command_ok", fields)
	}
	return err
}

// Wrap adapts a cobra RunE so it runs through Run, named by the command path.
func Wrap(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return Run(cmd.CommandPath(), func() error { return fn(cmd, args) })
	}
}
