// Package cli implements the volley command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/logging"
)

var version = "0.1.0"

// ExitError carries the process exit status of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel  string
	logFormat string
	noColor   bool
}

func (g *globalFlags) logger(w io.Writer) (*zap.Logger, error) {
	l, err := logging.New(logging.Options{Level: g.logLevel, Format: g.logFormat, Output: w, Service: "volley"})
	if err != nil {
		return nil, &ExitError{Code: engine.ExitInvalid, Err: err}
	}
	return l, nil
}

// NewRootCmd builds the volley command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:     "volley",
		Short:   "Synthetic workload driver for the challenge service",
		Version: version,
		Long: `volley drives staged, rate-controlled synthetic traffic against the
challenge API and its event handler, records per-endpoint latency and
failure metrics, and checks them against pass/fail thresholds.

Profiles are YAML files or one of the built-in presets (see volley profiles).
Environment parameters such as TARGET_RPS and DURATION override a profile;
flags override the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", logging.FormatConsole, "log format (console or json)")
	pf.BoolVar(&g.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newValidateCmd(g))
	root.AddCommand(newProfilesCmd())
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	return exitStatus(root.Execute(), stderr)
}

// exitStatus reports err on stderr and maps it to an exit status.
func exitStatus(err error, stderr io.Writer) int {
	if err == nil {
		return engine.ExitPassed
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(stderr, "Error:", exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return engine.ExitInvalid
}

// Main runs volley with the process arguments.
func Main() int {
	return Execute(os.Args[1:], os.Stdout, os.Stderr)
}
