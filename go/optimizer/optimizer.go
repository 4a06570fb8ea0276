// Package optimizer implements the Adam/AdamW/SGD(-momentum/-Nesterov)/
// RMSProp/Adagrad family, schedulers, and gradient clipping, generalizing
// a per-layer Adam/SGD/RMSprop implementation (which keys moment tensors
// by layer) into a single engine over flat parameter/gradient vectors
// with per-index moment buffers, matching the gradient buffer's own
// flat-segment layout.
package optimizer

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/sphere-lm/cllm/go/cllmerr"
)

var errMismatchedState = cllmerr.New(cllmerr.MalformedInput, "optimizer state shape does not match this optimizer's configuration")

// Family selects the update rule.
type Family int

const (
	SGD Family = iota
	SGDMomentum
	SGDNesterov
	Adam
	AdamW
	RMSProp
	Adagrad
)

// Config is the full enumerated option set for one optimizer instance.
type Config struct {
	Family Family

	LR float64

	Momentum float64 // SGD family only
	Nesterov bool    // SGD momentum variant

	Beta1   float64 // Adam/AdamW
	Beta2   float64 // Adam/AdamW/RMSProp
	Epsilon float64

	AMSGrad bool

	WeightDecay float64
	DecoupledWD bool // true => AdamW-style decoupled decay

	ClipValue float64 // elementwise clamp, 0 = off
	ClipNorm  float64 // global L2 norm clamp, 0 = off

	Schedule ScheduleConfig
}

// DefaultConfig returns sane defaults for the Adam family, matching the
// constants go/neuro/network/optimizer.go's NewAdam hardcodes
// (beta1=0.9, beta2=0.999, epsilon=1e-8).
func DefaultConfig(lr float64) Config {
	return Config{
		Family:  Adam,
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
	}
}

// Optimizer updates a flat parameter vector in place from a flat,
// already-reduced gradient vector. It owns its moment buffers;
// coordinator is the only caller that mutates them.
type Optimizer struct {
	cfg  Config
	step int

	m    []float64 // first moment (Adam family) or velocity (SGD momentum)
	v    []float64 // second moment (Adam/RMSProp/Adagrad)
	vMax []float64 // AMSGrad running max of v

	lastNorm float64 // global gradient norm after clipping, most recent Step
}

// New allocates an Optimizer over p parameters.
func New(cfg Config, p int) *Optimizer {
	o := &Optimizer{cfg: cfg}
	switch cfg.Family {
	case SGDMomentum, SGDNesterov:
		o.m = make([]float64, p)
	case Adam, AdamW:
		o.m = make([]float64, p)
		o.v = make([]float64, p)
		if cfg.AMSGrad {
			o.vMax = make([]float64, p)
		}
	case RMSProp, Adagrad:
		o.v = make([]float64, p)
	}
	return o
}

// Reset restores moments to zero and the step counter to zero,
// idempotently.
func (o *Optimizer) Reset() {
	o.step = 0
	for i := range o.m {
		o.m[i] = 0
	}
	for i := range o.v {
		o.v[i] = 0
	}
	for i := range o.vMax {
		o.vMax[i] = 0
	}
}

// Step advances the step counter and applies one update to params using
// grad. It mutates grad in place as part of clipping (value-clip, then
// norm-clip), so callers should not reuse grad after Step unless that's
// the intent (the reduced gradient buffer is re-zeroed every epoch
// regardless).
func (o *Optimizer) Step(params, grad []float64) {
	o.step++
	o.clipValue(grad)
	norm := o.clipNorm(grad)
	lr := o.cfg.Schedule.LR(o.cfg.LR, o.step)

	switch o.cfg.Family {
	case SGD:
		o.stepSGD(params, grad, lr)
	case SGDMomentum, SGDNesterov:
		o.stepSGDMomentum(params, grad, lr)
	case Adam:
		o.stepAdam(params, grad, lr, false)
	case AdamW:
		o.stepAdam(params, grad, lr, true)
	case RMSProp:
		o.stepRMSProp(params, grad, lr)
	case Adagrad:
		o.stepAdagrad(params, grad, lr)
	}

	o.lastNorm = norm
}

// LastGradNorm returns the global gradient ℓ2 norm computed after
// clipping during the most recent Step.
func (o *Optimizer) LastGradNorm() float64 { return o.lastNorm }

// State is the serializable snapshot of an Optimizer's moment buffers
// and step counter, for a resumable ".state" checkpoint alongside a
// model file.
type State struct {
	Step int
	M    []float64
	V    []float64
	VMax []float64
}

// State returns a snapshot of o's current moments. The returned slices
// are copies; mutating them does not affect o.
func (o *Optimizer) State() State {
	return State{
		Step: o.step,
		M:    append([]float64(nil), o.m...),
		V:    append([]float64(nil), o.v...),
		VMax: append([]float64(nil), o.vMax...),
	}
}

// LoadState restores o's moments and step counter from a snapshot
// produced by State, for the same Config and parameter count this
// Optimizer was built with. A snapshot with no VMax (as read back from a
// ".state" file) is accepted by an AMSGrad optimizer, which then restarts
// its running max from V.
func (o *Optimizer) LoadState(s State) error {
	if len(s.M) != len(o.m) || len(s.V) != len(o.v) {
		return errMismatchedState
	}
	if len(s.VMax) != 0 && len(s.VMax) != len(o.vMax) {
		return errMismatchedState
	}
	o.step = s.Step
	copy(o.m, s.M)
	copy(o.v, s.V)
	if len(s.VMax) == 0 {
		copy(o.vMax, s.V)
	} else {
		copy(o.vMax, s.VMax)
	}
	return nil
}

// CurrentLR returns the learning rate that the next Step call will use.
func (o *Optimizer) CurrentLR() float64 {
	return o.cfg.Schedule.LR(o.cfg.LR, o.step+1)
}

func (o *Optimizer) clipValue(grad []float64) {
	if o.cfg.ClipValue <= 0 {
		return
	}
	c := o.cfg.ClipValue
	for i, g := range grad {
		if g > c {
			grad[i] = c
		} else if g < -c {
			grad[i] = -c
		}
	}
}

func (o *Optimizer) clipNorm(grad []float64) float64 {
	norm := floats.Norm(grad, 2)
	if o.cfg.ClipNorm > 0 && norm > o.cfg.ClipNorm {
		scale := o.cfg.ClipNorm / norm
		floats.Scale(scale, grad)
		return o.cfg.ClipNorm
	}
	return norm
}

func (o *Optimizer) applyWeightDecayToGrad(grad, params []float64) {
	if o.cfg.WeightDecay <= 0 || o.cfg.DecoupledWD {
		return
	}
	for i := range grad {
		grad[i] += o.cfg.WeightDecay * params[i]
	}
}

func (o *Optimizer) stepSGD(params, grad []float64, lr float64) {
	o.applyWeightDecayToGrad(grad, params)
	for i, g := range grad {
		params[i] -= lr * g
	}
}

func (o *Optimizer) stepSGDMomentum(params, grad []float64, lr float64) {
	o.applyWeightDecayToGrad(grad, params)
	mu := o.cfg.Momentum
	for i, g := range grad {
		o.m[i] = mu*o.m[i] + g
		if o.cfg.Family == SGDNesterov {
			params[i] -= lr * (mu*o.m[i] + g)
		} else {
			params[i] -= lr * o.m[i]
		}
	}
}

func (o *Optimizer) stepAdam(params, grad []float64, lr float64, decoupled bool) {
	if !decoupled {
		o.applyWeightDecayToGrad(grad, params)
	}
	b1, b2, eps := o.cfg.Beta1, o.cfg.Beta2, o.cfg.Epsilon
	b1t := 1 - math.Pow(b1, float64(o.step))
	b2t := 1 - math.Pow(b2, float64(o.step))

	for i, g := range grad {
		o.m[i] = b1*o.m[i] + (1-b1)*g
		o.v[i] = b2*o.v[i] + (1-b2)*g*g

		mHat := o.m[i] / b1t
		vHat := o.v[i] / b2t

		if o.cfg.AMSGrad {
			if vHat > o.vMax[i] {
				o.vMax[i] = vHat
			}
			vHat = o.vMax[i]
		}

		update := mHat / (math.Sqrt(vHat) + eps)
		if decoupled {
			update += o.cfg.WeightDecay * params[i]
		}
		params[i] -= lr * update
	}
}

func (o *Optimizer) stepRMSProp(params, grad []float64, lr float64) {
	o.applyWeightDecayToGrad(grad, params)
	b2, eps := o.cfg.Beta2, o.cfg.Epsilon
	for i, g := range grad {
		o.v[i] = b2*o.v[i] + (1-b2)*g*g
		params[i] -= lr * g / (math.Sqrt(o.v[i]) + eps)
	}
}

func (o *Optimizer) stepAdagrad(params, grad []float64, lr float64) {
	o.applyWeightDecayToGrad(grad, params)
	eps := o.cfg.Epsilon
	for i, g := range grad {
		o.v[i] += g * g
		params[i] -= lr * g / (math.Sqrt(o.v[i]) + eps)
	}
}
