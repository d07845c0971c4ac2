// Package main is the entry point for the vastctl CLI tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	cfgFile       string
	verbose       bool
	noColor       bool
	correlationID string
	outputFormat  string
	metricsFile   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vastctl",
		Short: "Rent and manage GPU instances on the vast.ai marketplace",
		Long: `vastctl searches the vast.ai marketplace for GPU offers, rents them as
instances, manages their lifecycle and runs commands on them over SSH.

Settings are read from ~/.config/vastctl/config.yaml, VAST_* environment
variables and flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to config file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")
	pf.StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics for this run to a textfile")

	// Bound to config keys; see internal/config.
	pf.String("url", "", "API base URL")
	pf.String("api-key", "", "API key")
	pf.String("api-key-file", "", "File the API key is stored in")
	pf.String("ssh-key-dir", "", "Directory holding SSH keys")
	pf.Duration("request-timeout", 0, "Per-request timeout")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-format", "", "Log format: text or json")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newWhoamiCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newCreateCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newDestroyCmd())
	root.AddCommand(newChangeCmd())
	root.AddCommand(newWaitCmd())
	root.AddCommand(newSSHURLCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newMetricsCmd())

	return root
}

// exitCodeError makes the process exit with a code other than 1, without
// printing an error.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			stop()
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
