package engine

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphere-lm/cllm/go/batch"
	"github.com/sphere-lm/cllm/go/coordinator"
	"github.com/sphere-lm/cllm/go/optimizer"
	"github.com/sphere-lm/cllm/go/transformerops"
)

func tinyConfig(checkpointPath string) Config {
	return Config{
		Model:   transformerops.Config{VocabSize: 8, DModel: 4, NumLayers: 1, NumHeads: 2, FFHidden: 4, BatchSize: 1, SeqLen: 2},
		Runtime: coordinator.Config{NumWorkers: 1, SymmetryOrder: 2, PrefetchCapacity: 4, WorkQueueCapacity: 4},
		Optimizer: optimizer.Config{
			Family: optimizer.Adam, LR: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8,
		},
		Epochs:          2,
		CheckpointPath:  checkpointPath,
		CheckpointEvery: 1,
		RunID:           uuid.New(),
	}
}

func TestTrainerRunsEpochsAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyConfig(filepath.Join(dir, "run.cllm"))

	trainer, startEpoch, err := New(cfg, nil, nil, nil, "", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 0, startEpoch)

	stream := make(batch.SliceStream, 40)
	for i := range stream {
		stream[i] = uint32(i % 8)
	}
	iter, err := batch.NewIterator(batch.Config{Stream: stream, BatchSize: 1, SeqLen: 2, DropLast: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, trainer.Run(ctx, iter, startEpoch))
}
