package modelfile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphere-lm/cllm/go/optimizer"
)

const tinyParamCount = 40

func tinyHeader() Header {
	return NewHeader(6, 4, 1, 2, 3, 3, tinyParamCount, 1_700_000_000, "tiny-run", "unit test fixture")
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := tinyHeader()
	params := make([]float32, h.TotalParams)
	for i := range params {
		params[i] = float32(i) * 0.5
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, h, params))

	got, gotParams, err := Read(&buf, 3)
	require.NoError(t, err)
	assert.Equal(t, h.VocabSize, got.VocabSize)
	assert.Equal(t, h.Architecture, got.Architecture)
	assert.Equal(t, h.GoldenRatio, got.GoldenRatio)
	assert.Equal(t, h.Timestamp, got.Timestamp)
	assert.Equal(t, h.ModelName, got.ModelName)
	assert.Equal(t, h.Description, got.Description)
	assert.Equal(t, h.TotalParams, got.TotalParams)
	assert.Equal(t, params, gotParams)
}

func TestReadRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("NOPE")
	_, _, err := Read(&buf, -1)
	assert.Error(t, err)
}

func TestReadRejectsWrongSymmetryOrder(t *testing.T) {
	h := tinyHeader()
	params := make([]float32, h.TotalParams)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, h, params))

	_, _, err := Read(&buf, 7)
	assert.Error(t, err)
}

func TestWriteRejectsMismatchedParamCount(t *testing.T) {
	h := tinyHeader()
	err := Write(&bytes.Buffer{}, h, make([]float32, 3))
	assert.Error(t, err)
}

func TestStateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/run.state"

	opt := optimizer.New(optimizer.DefaultConfig(0.01), 8)
	opt.Step(make([]float64, 8), []float64{1, 2, 3, 4, 5, 6, 7, 8})

	sf := StateFile{
		CurrentEpoch: 5,
		CurrentStep:  int32(opt.State().Step),
		CurrentLoss:  0.42,
		BestLoss:     0.31,
		Optimizer:    opt.State(),
	}
	require.NoError(t, WriteStateFile(path, 8, sf))

	got, err := ReadStateFile(path, 8)
	require.NoError(t, err)
	assert.Equal(t, int32(5), got.CurrentEpoch)
	assert.Equal(t, sf.CurrentStep, got.CurrentStep)
	assert.InDelta(t, 0.42, got.CurrentLoss, 1e-6)
	assert.InDelta(t, 0.31, got.BestLoss, 1e-6)
	assert.Equal(t, opt.State().M, got.Optimizer.M)
	assert.Equal(t, opt.State().V, got.Optimizer.V)
}
