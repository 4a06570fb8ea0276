package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stream(n int) SliceStream {
	s := make(SliceStream, n)
	for i := range s {
		s[i] = uint32(i + 1)
	}
	return s
}

func TestNewIterator_MalformedStream(t *testing.T) {
	_, err := NewIterator(Config{Stream: SliceStream{1}, BatchSize: 2, SeqLen: 4})
	require.Error(t, err)
}

func TestTinyEpoch_DropLast(t *testing.T) {
	// 18 tokens, B=2, S=4, drop_last=true -> 2 batches.
	s := SliceStream{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 1, 2, 3}
	it, err := NewIterator(Config{Stream: s, BatchSize: 2, SeqLen: 4, DropLast: true})
	require.NoError(t, err)
	assert.Equal(t, 2, it.Len())

	b1, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8}, b1.InputIDs)
	assert.Equal(t, []uint32{2, 3, 4, 5, 6, 7, 8, 9}, b1.TargetIDs)
	for _, m := range b1.Mask {
		assert.Equal(t, float32(1), m)
	}

	b2, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, 8, b2.ValidTokenCount)

	_, ok = it.Next()
	assert.False(t, ok)
}

func TestPaddingInvariant(t *testing.T) {
	s := stream(10) // B*S=8, window=9; remaining after 0 full windows: 10, one full batch consumes 8
	it, err := NewIterator(Config{Stream: s, BatchSize: 2, SeqLen: 4, DropLast: false})
	require.NoError(t, err)

	b1, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, 8, b1.ValidTokenCount)

	// 2 tokens remain, enough for exactly one more real (input, target) pair.
	b2, ok := it.Next()
	require.True(t, ok)
	for i, m := range b2.Mask {
		if m == 1 {
			assert.NotEqual(t, PAD, b2.InputIDs[i])
			assert.NotEqual(t, PAD, b2.TargetIDs[i])
		} else {
			assert.Equal(t, PAD, b2.InputIDs[i])
			assert.Equal(t, PAD, b2.TargetIDs[i])
		}
	}

	_, ok = it.Next()
	assert.False(t, ok)
}

func TestResetIdempotentRoundTrip(t *testing.T) {
	s := stream(18)
	it, err := NewIterator(Config{Stream: s, BatchSize: 2, SeqLen: 4, DropLast: true})
	require.NoError(t, err)

	var first [][]uint32
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		first = append(first, append([]uint32{}, b.InputIDs...))
	}

	it.Reset()
	it.Reset() // idempotent

	var second [][]uint32
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		second = append(second, append([]uint32{}, b.InputIDs...))
	}

	assert.Equal(t, first, second)
}

func TestEmptyStream(t *testing.T) {
	_, err := NewIterator(Config{Stream: SliceStream{}, BatchSize: 2, SeqLen: 4})
	require.Error(t, err)
}
