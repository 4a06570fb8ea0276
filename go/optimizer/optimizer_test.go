package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScheduleScenario(t *testing.T) {
	sc := ScheduleConfig{
		Kind:        SchedulerCosine,
		WarmupSteps: 10,
		TotalSteps:  100,
		MinLR:       0.001,
	}
	lr := 0.01
	assert.InDelta(t, 0.001, sc.LR(lr, 1), 1e-4)
	assert.InDelta(t, 0.005, sc.LR(lr, 5), 1e-4)
	assert.InDelta(t, 0.01, sc.LR(lr, 10), 1e-4)
	assert.InDelta(t, 0.001, sc.LR(lr, 100), 1e-4)
}

func TestScheduleMonotonicityOutsideWarmup(t *testing.T) {
	for _, kind := range []SchedulerKind{SchedulerCosine, SchedulerLinear} {
		sc := ScheduleConfig{Kind: kind, WarmupSteps: 5, TotalSteps: 50, MinLR: 0.0}
		prev := sc.LR(1.0, 5)
		for s := 6; s <= 50; s++ {
			cur := sc.LR(1.0, s)
			assert.LessOrEqualf(t, cur, prev+1e-9, "kind=%v step=%d: lr increased", kind, s)
			prev = cur
		}
	}
}

func TestClipNormLeavesGradientAtLimitUnchanged(t *testing.T) {
	o := New(Config{Family: SGD, LR: 0.1, ClipNorm: 5}, 2)
	params := []float64{0, 0}
	grad := []float64{3, 4} // norm=5, unchanged
	o.Step(params, grad)
	assert.InDelta(t, 5.0, o.LastGradNorm(), 1e-9)
	assert.InDelta(t, -0.3, params[0], 1e-9)
	assert.InDelta(t, -0.4, params[1], 1e-9)
}

func TestClipNormScalesDown(t *testing.T) {
	o := New(Config{Family: SGD, LR: 1.0, ClipNorm: 5}, 2)
	params := []float64{0, 0}
	grad := []float64{6, 8} // norm=10 -> scaled to [3,4]
	o.Step(params, grad)
	assert.InDelta(t, 5.0, o.LastGradNorm(), 1e-9)
	assert.InDelta(t, -3.0, params[0], 1e-9)
	assert.InDelta(t, -4.0, params[1], 1e-9)
}

func TestZeroGradientLeavesParamsUnchanged(t *testing.T) {
	o := New(DefaultConfig(0.01), 3)
	params := []float64{1, 2, 3}
	grad := []float64{0, 0, 0}
	o.Step(params, grad)
	assert.Equal(t, []float64{1, 2, 3}, params)
}

func TestAdamMatchesClosedForm(t *testing.T) {
	cfg := DefaultConfig(0.1)
	o := New(cfg, 1)
	params := []float64{1.0}
	grad := []float64{0.5}
	o.Step(params, grad)

	b1t := 1 - math.Pow(cfg.Beta1, 1)
	b2t := 1 - math.Pow(cfg.Beta2, 1)
	m := (1 - cfg.Beta1) * 0.5
	v := (1 - cfg.Beta2) * 0.25
	mHat := m / b1t
	vHat := v / b2t
	want := 1.0 - 0.1*mHat/(math.Sqrt(vHat)+cfg.Epsilon)
	assert.InDelta(t, want, params[0], 1e-9)
}

func TestResetRestoresZero(t *testing.T) {
	o := New(DefaultConfig(0.1), 2)
	params := []float64{1, 1}
	grad := []float64{1, 1}
	o.Step(params, grad)
	o.Reset()
	assert.Equal(t, 0, o.step)
	for _, mv := range o.m {
		assert.Equal(t, 0.0, mv)
	}
	for _, vv := range o.v {
		assert.Equal(t, 0.0, vv)
	}
}
