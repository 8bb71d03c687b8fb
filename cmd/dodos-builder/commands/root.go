package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dodos-os/dodos/pkg/engine"
)

var (
	// Global flags
	settingsPath string
	targetPath   string
	verbose      bool
	jsonOutput   bool

	// appVersion is reported to telemetry.
	appVersion = "dev"
)

// DefaultConfigPath is the build configuration read when none is given.
const DefaultConfigPath = "build.cue"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// statusError carries the terminal status of a build out of a command.
type statusError struct {
	status engine.BuildStatus
	err    error
}

func (e *statusError) Error() string {
	if e.err == nil {
		return string(e.status)
	}
	return fmt.Sprintf("%s: %v", e.status, e.err)
}

func (e *statusError) Unwrap() error { return e.err }

// ExitCode returns the process exit code for an error returned by Execute.
// Build failures exit with the code of their status, anything else with 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status.ExitCode()
	}
	if errors.Is(err, context.Canceled) {
		return engine.BuildStatusCancelled.ExitCode()
	}
	return 1
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	appVersion = version
	rootCmd := &cobra.Command{
		Use:   "dodos-builder",
		Short: "dodos-builder - assemble a bootable system root from binary packages",
		Long: `dodos-builder turns a declarative build configuration into a populated,
configured and bootable root filesystem.

A build runs these stages:
  - Index the package repositories
  - Resolve the requested packages into a dependency ordered plan
  - Gate the plan with policies
  - Fetch and verify every artifact into a content addressed cache
  - Stage, verify and atomically promote the new root
  - Apply system settings and install the bootloader`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "builder settings file (default $XDG_CONFIG_HOME/dodos/builder.toml)")
	rootCmd.PersistentFlags().StringVarP(&targetPath, "target", "t", "", "override the target root of the configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newFetchCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newSettingsCommand())
	rootCmd.AddCommand(newRecoverCommand())

	return rootCmd
}
