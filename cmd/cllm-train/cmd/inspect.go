package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sphere-lm/cllm/go/runstore"
)

var (
	inspectDSN   string
	inspectRunID string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the latest recorded checkpoint for a run from the run store",
	Long: `inspect queries the optional Postgres run store for the most recent
checkpoint recorded against a run id. It is read-only and never touches
the model file or ".state" checkpoint that actually anchor a run's
parameters.`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVar(&inspectDSN, "dsn", "", "Postgres DSN for the run store (required)")
	inspectCmd.Flags().StringVar(&inspectRunID, "run-id", "", "run id to look up (required)")
	inspectCmd.MarkFlagRequired("dsn")
	inspectCmd.MarkFlagRequired("run-id")
}

func runInspect(cmd *cobra.Command, args []string) error {
	store, err := runstore.Open(inspectDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ckpt, found, err := store.LatestCheckpoint(cmd.Context(), inspectRunID)
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("no checkpoints recorded for run %s\n", inspectRunID)
		return nil
	}

	fmt.Printf("run:        %s\n", ckpt.RunID)
	fmt.Printf("epoch:      %d\n", ckpt.Epoch)
	fmt.Printf("mean_loss:  %g\n", ckpt.MeanLoss)
	fmt.Printf("grad_norm:  %g\n", ckpt.GradNorm)
	fmt.Printf("lr:         %g\n", ckpt.LR)
	fmt.Printf("anomalies:  %d\n", ckpt.Anomalies)
	fmt.Printf("model_path: %s\n", ckpt.ModelPath)
	return nil
}
