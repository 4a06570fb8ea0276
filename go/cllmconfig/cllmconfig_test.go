package cllmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphere-lm/cllm/go/optimizer"
)

const sampleYAML = `
model:
  vocab_size: 32000
  d_model: 256
  num_layers: 4
  num_heads: 8
  ff_hidden: 1024
  seq_len: 128
runtime:
  num_workers: 5
  symmetry_order: 4
  batch_size: 16
optimizer:
  family: adam
  lr: 0.0003
  schedule: cosine
  warmup_steps: 100
  total_steps: 10000
epochs: 10
checkpoint_path: /tmp/run.cllm
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32000, cfg.Model.VocabSize)
	assert.Equal(t, 256, cfg.Model.DModel)
	assert.Equal(t, 5, cfg.Runtime.NumWorkers)
	assert.Equal(t, 4, cfg.Runtime.SymmetryOrder)
	assert.Equal(t, 64, cfg.Runtime.PrefetchCapacity) // default, not overridden
	assert.Equal(t, 10, cfg.Epochs)
	assert.Equal(t, "/tmp/run.cllm", cfg.CheckpointPath)
}

func TestToOptimizerConfigResolvesEnums(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	optCfg, err := cfg.Optimizer.ToOptimizerConfig()
	require.NoError(t, err)
	assert.Equal(t, optimizer.Adam, optCfg.Family)
	assert.Equal(t, optimizer.SchedulerCosine, optCfg.Schedule.Kind)
	assert.Equal(t, 100, optCfg.Schedule.WarmupSteps)
}

func TestToOptimizerConfigRejectsUnknownFamily(t *testing.T) {
	c := OptimizerConfig{Family: "not_a_real_optimizer"}
	_, err := c.ToOptimizerConfig()
	assert.Error(t, err)
}
