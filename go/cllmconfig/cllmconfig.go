// Package cllmconfig loads the training run's configuration from a YAML
// file and CLLM_-prefixed environment variables via Viper
// (viper.New, SetConfigFile/SetConfigType/AddConfigPath, ReadInConfig,
// then Unmarshal into a typed struct) rather than hand parsing YAML
// directly.
package cllmconfig

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/sphere-lm/cllm/go/cllmerr"
	"github.com/sphere-lm/cllm/go/optimizer"
)

// ModelConfig fixes the transformer architecture.
type ModelConfig struct {
	VocabSize int `mapstructure:"vocab_size"`
	DModel    int `mapstructure:"d_model"`
	NumLayers int `mapstructure:"num_layers"`
	NumHeads  int `mapstructure:"num_heads"`
	FFHidden  int `mapstructure:"ff_hidden"`
	SeqLen    int `mapstructure:"seq_len"`
}

// RuntimeConfig fixes the hierarchy/queue shape.
type RuntimeConfig struct {
	NumWorkers        int `mapstructure:"num_workers"`
	SymmetryOrder     int `mapstructure:"symmetry_order"`
	BatchSize         int `mapstructure:"batch_size"`
	PrefetchCapacity  int `mapstructure:"prefetch_capacity"`
	WorkQueueCapacity int `mapstructure:"work_queue_capacity"`
}

// OptimizerConfig mirrors optimizer.Config with string/mapstructure tags
// a YAML file or env var can target directly.
type OptimizerConfig struct {
	Family      string  `mapstructure:"family"`
	LR          float64 `mapstructure:"lr"`
	Momentum    float64 `mapstructure:"momentum"`
	Nesterov    bool    `mapstructure:"nesterov"`
	Beta1       float64 `mapstructure:"beta1"`
	Beta2       float64 `mapstructure:"beta2"`
	Epsilon     float64 `mapstructure:"epsilon"`
	AMSGrad     bool    `mapstructure:"amsgrad"`
	WeightDecay float64 `mapstructure:"weight_decay"`
	DecoupledWD bool    `mapstructure:"decoupled_wd"`
	ClipValue   float64 `mapstructure:"clip_value"`
	ClipNorm    float64 `mapstructure:"clip_norm"`

	Schedule    string  `mapstructure:"schedule"`
	WarmupSteps int     `mapstructure:"warmup_steps"`
	TotalSteps  int     `mapstructure:"total_steps"`
	DecayRate   float64 `mapstructure:"decay_rate"`
	DecaySteps  int     `mapstructure:"decay_steps"`
	CycleSteps  int     `mapstructure:"cycle_steps"`
	MinLR       float64 `mapstructure:"min_lr"`
	MaxLR       float64 `mapstructure:"max_lr"`
}

// TrainingConfig is the top-level, file-loadable run configuration.
type TrainingConfig struct {
	Model     ModelConfig     `mapstructure:"model"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`

	Epochs         int           `mapstructure:"epochs"`
	CheckpointPath string        `mapstructure:"checkpoint_path"`
	CheckpointEvery int          `mapstructure:"checkpoint_every"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	RunStoreDSN    string        `mapstructure:"run_store_dsn"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

var familyByName = map[string]optimizer.Family{
	"sgd":          optimizer.SGD,
	"sgd_momentum": optimizer.SGDMomentum,
	"sgd_nesterov": optimizer.SGDNesterov,
	"adam":         optimizer.Adam,
	"adamw":        optimizer.AdamW,
	"rmsprop":      optimizer.RMSProp,
	"adagrad":      optimizer.Adagrad,
}

var scheduleByName = map[string]optimizer.SchedulerKind{
	"none":        optimizer.SchedulerNone,
	"warmup":      optimizer.SchedulerWarmup,
	"linear":      optimizer.SchedulerLinear,
	"cosine":      optimizer.SchedulerCosine,
	"step":        optimizer.SchedulerStep,
	"exponential": optimizer.SchedulerExponential,
	"cyclic":      optimizer.SchedulerCyclic,
}

// ToOptimizerConfig resolves the string-keyed family/schedule names into
// the optimizer package's enums, returning a validation error for an
// unrecognized name instead of silently defaulting.
func (c OptimizerConfig) ToOptimizerConfig() (optimizer.Config, error) {
	family, ok := familyByName[c.Family]
	if !ok {
		return optimizer.Config{}, cllmerr.New(cllmerr.MalformedInput, "unknown optimizer family: "+c.Family)
	}
	kind := optimizer.SchedulerNone
	if c.Schedule != "" {
		kind, ok = scheduleByName[c.Schedule]
		if !ok {
			return optimizer.Config{}, cllmerr.New(cllmerr.MalformedInput, "unknown lr schedule: "+c.Schedule)
		}
	}
	return optimizer.Config{
		Family:      family,
		LR:          c.LR,
		Momentum:    c.Momentum,
		Nesterov:    c.Nesterov,
		Beta1:       c.Beta1,
		Beta2:       c.Beta2,
		Epsilon:     c.Epsilon,
		AMSGrad:     c.AMSGrad,
		WeightDecay: c.WeightDecay,
		DecoupledWD: c.DecoupledWD,
		ClipValue:   c.ClipValue,
		ClipNorm:    c.ClipNorm,
		Schedule: optimizer.ScheduleConfig{
			Kind:        kind,
			WarmupSteps: c.WarmupSteps,
			TotalSteps:  c.TotalSteps,
			DecayRate:   c.DecayRate,
			DecaySteps:  c.DecaySteps,
			CycleSteps:  c.CycleSteps,
			MinLR:       c.MinLR,
			MaxLR:       c.MaxLR,
		},
	}, nil
}

// Load reads path (YAML), overlays CLLM_-prefixed environment variables,
// and unmarshals into a TrainingConfig.
func Load(path string) (*TrainingConfig, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))
	vp.SetEnvPrefix("cllm")
	vp.AutomaticEnv()

	setDefaults(vp)

	if err := vp.ReadInConfig(); err != nil {
		return nil, cllmerr.Wrap(cllmerr.MalformedInput, "read training config", err)
	}

	cfg := &TrainingConfig{}
	if err := vp.Unmarshal(cfg); err != nil {
		return nil, cllmerr.Wrap(cllmerr.MalformedInput, "unmarshal training config", err)
	}
	return cfg, nil
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("runtime.prefetch_capacity", 64)
	vp.SetDefault("runtime.work_queue_capacity", 256)
	vp.SetDefault("optimizer.family", "adamw")
	vp.SetDefault("optimizer.beta1", 0.9)
	vp.SetDefault("optimizer.beta2", 0.999)
	vp.SetDefault("optimizer.epsilon", 1e-8)
	vp.SetDefault("checkpoint_every", 1)
	vp.SetDefault("metrics_addr", ":9090")
	vp.SetDefault("shutdown_grace", 30*time.Second)
}
