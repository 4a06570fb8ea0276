package gradient

import (
	"math"
	"testing"

	"github.com/sphere-lm/cllm/go/cllmerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentsDisjointCoverage(t *testing.T) {
	for n := 1; n <= 128; n++ {
		p := 1000
		segs := Segments(n, p)
		covered := make([]bool, p)
		for _, s := range segs {
			for i := s.Start; i < s.End; i++ {
				require.False(t, covered[i], "index %d covered twice for n=%d", i, n)
				covered[i] = true
			}
		}
		for i, c := range covered {
			require.True(t, c, "index %d not covered for n=%d", i, n)
		}
	}
}

func TestReduceNaNSafety(t *testing.T) {
	buf, err := New(4, 2)
	require.NoError(t, err)

	// worker 0 segment [0,2), worker 1 segment [2,4)
	buf.Data[0] = float32(math.NaN())
	buf.Data[1] = 5
	buf.Data[2] = 1
	buf.Data[3] = 2

	out := make([]float32, 4)
	res, err := buf.Reduce(out)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ValidWorkers)
	assert.Equal(t, []int{0}, res.DroppedWorkers)
	assert.Equal(t, float32(0), out[0])
	assert.Equal(t, float32(0), out[1])
	assert.Equal(t, float32(1), out[2])
	assert.Equal(t, float32(2), out[3])
}

func TestReduceDivergence(t *testing.T) {
	buf, err := New(2, 1)
	require.NoError(t, err)
	out := make([]float32, 2)

	for i := 0; i < 2; i++ {
		buf.Data[0] = float32(math.NaN())
		res, err := buf.Reduce(out)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ValidWorkers)
	}

	buf.Data[0] = float32(math.NaN())
	_, err = buf.Reduce(out)
	require.Error(t, err)
	assert.True(t, cllmerr.Is(err, cllmerr.DivergenceDetected))
}

func TestReduceClampsLargeNorm(t *testing.T) {
	buf, err := New(2, 1)
	require.NoError(t, err)
	buf.Data[0] = 6
	buf.Data[1] = 8 // norm=10, at the boundary - unchanged
	out := make([]float32, 2)
	_, err = buf.Reduce(out)
	require.NoError(t, err)
	assert.InDelta(t, 6, out[0], 1e-5)
	assert.InDelta(t, 8, out[1], 1e-5)

	// now norm > 10: [12, 16] has norm 20, should clamp to norm 10 -> [6, 8]
	buf.Data[0] = 12
	buf.Data[1] = 16
	_, err = buf.Reduce(out)
	require.NoError(t, err)
	assert.InDelta(t, 6, out[0], 1e-4)
	assert.InDelta(t, 8, out[1], 1e-4)
}

func TestZeroIdempotent(t *testing.T) {
	buf, err := New(8, 2)
	require.NoError(t, err)
	for i := range buf.Data {
		buf.Data[i] = float32(i + 1)
	}
	buf.Zero()
	buf.Zero()
	for _, v := range buf.Data {
		assert.Equal(t, float32(0), v)
	}
}
