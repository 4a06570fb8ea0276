package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sphere-lm/cllm/go/cllmerr"
)

var verbose bool

// rootCmd is the base command; train/inspect/version hang
// off it as subcommands, following root.go's PersistentPreRunE-sets-up-
// the-logger shape.
var rootCmd = &cobra.Command{
	Use:   "cllm-train",
	Short: "Run and inspect hierarchical transformer training jobs",
	Long: `cllm-train drives the training runtime coordinator against a YAML
configuration file: it builds the hierarchy, queues, and optimizer
described there, runs the configured number of epochs over a token
stream, and checkpoints model/optimizer state along the way.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

// Execute runs the command tree and maps any returned error to a process
// exit code: 0 on success, non-zero <= 16 otherwise.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// exitCodeFor maps a cllmerr.Kind to the driver-level exit code reserved
// for it; a plain (non-cllmerr) error maps to the generic code.
func exitCodeFor(err error) int {
	switch {
	case cllmerr.Is(err, cllmerr.MalformedInput):
		return 2
	case cllmerr.Is(err, cllmerr.OutOfMemory):
		return 3
	case cllmerr.Is(err, cllmerr.NumericAnomaly), cllmerr.Is(err, cllmerr.DivergenceDetected):
		return 4
	case cllmerr.Is(err, cllmerr.InvariantViolation):
		return 5
	case cllmerr.Is(err, cllmerr.Interrupted):
		return 6
	default:
		return 1
	}
}

// BinName returns the base name of the current executable, used in
// subcommand usage examples.
func BinName() string {
	return filepath.Base(os.Args[0])
}
