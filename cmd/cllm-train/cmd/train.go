package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sphere-lm/cllm/go/batch"
	"github.com/sphere-lm/cllm/go/cllmconfig"
	"github.com/sphere-lm/cllm/go/coordinator"
	"github.com/sphere-lm/cllm/go/engine"
	"github.com/sphere-lm/cllm/go/metrics"
	"github.com/sphere-lm/cllm/go/runstore"
	"github.com/sphere-lm/cllm/go/transformerops"
)

var (
	trainConfigPath string
	trainTokensPath string
	trainResumePath string
	trainSeed       int64
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run a training job from a YAML configuration file",
	Example: `  # Train from scratch
  ` + `cllm-train` + ` train -c train.yaml -t corpus.tokens

  # Resume from a checkpoint
  ` + `cllm-train` + ` train -c train.yaml -t corpus.tokens --resume run.cllm.epoch4`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVarP(&trainConfigPath, "config", "c", "", "path to the training YAML config (required)")
	trainCmd.Flags().StringVarP(&trainTokensPath, "tokens", "t", "", "path to a flat little-endian uint32 token file (required)")
	trainCmd.Flags().StringVar(&trainResumePath, "resume", "", "path to a model file checkpoint to resume from")
	trainCmd.Flags().Int64Var(&trainSeed, "seed", 0, "RNG seed for fresh parameter init (0 picks a time-derived seed)")
	trainCmd.MarkFlagRequired("config")
	trainCmd.MarkFlagRequired("tokens")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := cllmconfig.Load(trainConfigPath)
	if err != nil {
		return err
	}

	optCfg, err := cfg.Optimizer.ToOptimizerConfig()
	if err != nil {
		return err
	}

	stream, err := loadTokenFile(trainTokensPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metricsCache := metrics.New(reg, 256)
	broadcaster := metrics.NewBroadcaster()
	broadcaster.Attach(metricsCache)
	metricsCache.Observe(func(s metrics.EpochSnapshot) {
		slog.Info("metrics snapshot", "epoch", s.Epoch, "mean_loss", s.MeanLoss, "grad_norm", s.GradNorm)
	})

	var store *runstore.Store
	if cfg.RunStoreDSN != "" {
		store, err = runstore.Open(cfg.RunStoreDSN)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	runID := uuid.New()
	engineCfg := engine.Config{
		Model: transformerops.Config{
			VocabSize: cfg.Model.VocabSize,
			DModel:    cfg.Model.DModel,
			NumLayers: cfg.Model.NumLayers,
			NumHeads:  cfg.Model.NumHeads,
			FFHidden:  cfg.Model.FFHidden,
			BatchSize: cfg.Runtime.BatchSize,
			SeqLen:    cfg.Model.SeqLen,
		},
		Runtime: coordinator.Config{
			NumWorkers:        cfg.Runtime.NumWorkers,
			SymmetryOrder:     cfg.Runtime.SymmetryOrder,
			PrefetchCapacity:  cfg.Runtime.PrefetchCapacity,
			WorkQueueCapacity: cfg.Runtime.WorkQueueCapacity,
		},
		Optimizer:       optCfg,
		Epochs:          cfg.Epochs,
		CheckpointPath:  cfg.CheckpointPath,
		CheckpointEvery: cfg.CheckpointEvery,
		RunID:           runID,
	}

	seed := trainSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	trainer, startEpoch, err := engine.New(engineCfg, nil, metricsCache, store, trainResumePath, rng)
	if err != nil {
		return err
	}

	if store != nil && startEpoch == 0 {
		if err := store.InsertRun(cmd.Context(), runstore.RunRecord{
			ID:            runID.String(),
			StartedAtUnix: time.Now().Unix(),
			VocabSize:     cfg.Model.VocabSize,
			DModel:        cfg.Model.DModel,
			NumLayers:     cfg.Model.NumLayers,
			SymmetryOrder: cfg.Runtime.SymmetryOrder,
			NumWorkers:    cfg.Runtime.NumWorkers,
		}); err != nil {
			slog.Warn("failed to record run start", "error", err)
		}
	}

	iter, err := batch.NewIterator(batch.Config{
		Stream:    stream,
		BatchSize: cfg.Runtime.BatchSize,
		SeqLen:    cfg.Model.SeqLen,
		DropLast:  true,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", broadcaster.ServeWs)
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received, cutting the current epoch short")
		cancel()
	}()

	runErr := trainer.Run(ctx, iter, startEpoch)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown error", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	fmt.Printf("training complete: %d epoch(s), checkpoints (if any) at %s.epochN\n", cfg.Epochs, cfg.CheckpointPath)
	return nil
}
