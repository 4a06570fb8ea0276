// Package gradient implements the flat gradient buffer, its disjoint
// per-worker segments, and the coordinator-side reduction — including
// the NaN/Inf guard and the divergence detector. The global norm of the
// reduced gradient uses gonum/floats; the per-segment norm scan and
// scaling are plain loops over the float32 data.
package gradient

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/sphere-lm/cllm/go/cllmerr"
)

// maxSegmentNorm is the ℓ2-norm ceiling applied to a worker's segment
// before it contributes to reduction.
const maxSegmentNorm = 10.0

// maxConsecutiveAllDropped is the strike count after which the
// coordinator gives up on the epoch, reporting DivergenceDetected.
const maxConsecutiveAllDropped = 3

// Segment is a disjoint, half-open index range [Start, End) into a
// GradientBuffer's flat Data, owned exclusively by one worker during a
// batch.
type Segment struct {
	Start, End int
}

func (s Segment) Len() int { return s.End - s.Start }

// Segments computes the N disjoint segments covering [0, p) for n
// workers: worker i owns [floor(i*P/N), floor((i+1)*P/N)).
func Segments(n, p int) []Segment {
	segs := make([]Segment, n)
	for i := 0; i < n; i++ {
		segs[i] = Segment{
			Start: i * p / n,
			End:   (i + 1) * p / n,
		}
	}
	return segs
}

// Buffer is the flat, contiguous gradient vector shared read/write across
// an epoch's worker segments and, between batches, owned exclusively by
// the coordinator.
type Buffer struct {
	Data     []float32
	Segments []Segment

	consecutiveAllDropped int
}

// New allocates a zeroed buffer of size p partitioned into n segments.
func New(p, n int) (*Buffer, error) {
	if p <= 0 || n <= 0 {
		return nil, cllmerr.New(cllmerr.OutOfMemory, "gradient buffer requires p>0 and n>0")
	}
	return &Buffer{
		Data:     make([]float32, p),
		Segments: Segments(n, p),
	}, nil
}

// View returns the slice of Data belonging to worker i. Writing outside
// this slice from worker i is an InvariantViolation the caller (go/sphere)
// must never trigger.
func (b *Buffer) View(worker int) []float32 {
	s := b.Segments[worker]
	return b.Data[s.Start:s.End]
}

// Zero clears the entire buffer, preparing it for the next epoch (or
// batch, if configured per-batch). Idempotent.
func (b *Buffer) Zero() {
	for i := range b.Data {
		b.Data[i] = 0
	}
}

// segmentNorm returns the ℓ2 norm of a []float32 segment, computed in
// a float64 accumulator for numerical headroom during the sqrt/sum.
func segmentNorm(seg []float32) float64 {
	sumSq := 0.0
	// floats.Dot would need a float64 slice; segments are float32, so we
	// accumulate directly — this is the one spot a generic vector-math
	// helper can't be reused as-is without an extra copy per batch.
	for _, v := range seg {
		sumSq += float64(v) * float64(v)
	}
	return math.Sqrt(sumSq)
}

func hasNaNOrInf(seg []float32) bool {
	for _, v := range seg {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// ReduceResult summarizes one reduction pass for the caller's metrics and
// diagnostics.
type ReduceResult struct {
	ValidWorkers   int
	DroppedWorkers []int
	GlobalNorm     float64
}

// Reduce walks each worker segment, drops any with NaN/Inf,
// scales any segment whose norm exceeds 10 down to norm 10, sums the
// valid segments into out (which must be the same length as the source
// segments concatenated, i.e. len(b.Data)), and divides by the count of
// valid contributors — an in-place average. It returns DivergenceDetected
// if this is the third consecutive reduction where every segment was
// dropped.
func (b *Buffer) Reduce(out []float32) (ReduceResult, error) {
	if len(out) != len(b.Data) {
		return ReduceResult{}, cllmerr.New(cllmerr.InvariantViolation, "reduce output length mismatch")
	}
	for i := range out {
		out[i] = 0
	}

	result := ReduceResult{}
	for i, seg := range b.Segments {
		view := b.Data[seg.Start:seg.End]
		if hasNaNOrInf(view) {
			result.DroppedWorkers = append(result.DroppedWorkers, i)
			continue
		}
		norm := segmentNorm(view)
		scale := float32(1.0)
		if norm > maxSegmentNorm && norm > 0 {
			scale = float32(maxSegmentNorm / norm)
		}
		for j, v := range view {
			out[seg.Start+j] += v * scale
		}
		result.ValidWorkers++
	}

	if result.ValidWorkers == 0 {
		b.consecutiveAllDropped++
		if b.consecutiveAllDropped >= maxConsecutiveAllDropped {
			return result, cllmerr.New(cllmerr.DivergenceDetected,
				"all worker segments dropped for three consecutive reductions")
		}
		return result, nil
	}
	b.consecutiveAllDropped = 0

	invN := float32(1.0 / float64(result.ValidWorkers))
	for i := range out {
		out[i] *= invN
	}
	result.GlobalNorm = globalNormF32(out)
	return result, nil
}

func globalNormF32(v []float32) float64 {
	f64 := make([]float64, len(v))
	for i, x := range v {
		f64[i] = float64(x)
	}
	return floats.Norm(f64, 2)
}
