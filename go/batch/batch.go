// Package batch produces the finite, restartable sequence of training
// batches the rest of the runtime pipelines through the prefetch and work
// queues. It has no opinion on where tokens came from; tokenization and
// data-file parsing live outside this module.
package batch

import (
	"github.com/sphere-lm/cllm/go/cllmerr"
)

// Special reserved token ids, per spec.
const (
	PAD uint32 = 0
	BOS uint32 = 2
	EOS uint32 = 3
)

// Batch is an immutable record produced by Iterator. Ownership passes
// iterator -> prefetch queue -> work queue -> worker; the worker destroys
// it (Release) once backward has accumulated into its gradient segment.
type Batch struct {
	InputIDs  []uint32
	TargetIDs []uint32
	Mask      []float32

	BatchSize       int
	SeqLen          int
	ValidTokenCount int
}

// Release returns the batch's backing slices for reuse. Calling it twice,
// or calling it on a batch still referenced elsewhere, is a caller bug:
// exactly one owner holds a batch at a time.
func (b *Batch) Release() {
	b.InputIDs = nil
	b.TargetIDs = nil
	b.Mask = nil
}

// TokenStream is the minimal read interface the iterator needs. Whoever
// builds the stream (tokenizer, file reader) is an external collaborator.
type TokenStream interface {
	Len() int
	At(i int) uint32
}

// SliceStream is a TokenStream backed by an in-memory slice, the form
// used by tests and the reference driver.
type SliceStream []uint32

func (s SliceStream) Len() int          { return len(s) }
func (s SliceStream) At(i int) uint32   { return s[i] }

// Config configures an Iterator.
type Config struct {
	Stream    TokenStream
	BatchSize int
	SeqLen    int
	DropLast  bool
}

// Iterator produces a finite, restartable, forward-only sequence of
// *Batch values.
type Iterator struct {
	cfg  Config
	pos  int
	done bool
}

// NewIterator validates cfg and returns a ready-to-use Iterator.
func NewIterator(cfg Config) (*Iterator, error) {
	if cfg.Stream == nil || cfg.Stream.Len() < 2 {
		return nil, cllmerr.New(cllmerr.MalformedInput, "token stream must have length >= 2")
	}
	if cfg.BatchSize <= 0 || cfg.SeqLen <= 0 {
		return nil, cllmerr.New(cllmerr.MalformedInput, "batch_size and seq_len must be positive")
	}
	return &Iterator{cfg: cfg}, nil
}

// Reset rewinds the iterator to the stream start. Idempotent.
func (it *Iterator) Reset() {
	it.pos = 0
	it.done = false
}

// windowSize is the number of stream positions a full batch consumes: the
// B*S input positions plus the one extra position needed for the last
// target.
func (it *Iterator) windowSize() int {
	return it.cfg.BatchSize*it.cfg.SeqLen + 1
}

// Len returns the exact number of batches this iterator will produce
// under the current configuration, used for progress reporting.
func (it *Iterator) Len() int {
	remaining := it.cfg.Stream.Len() - it.pos
	bs := it.cfg.BatchSize * it.cfg.SeqLen
	if remaining <= 0 {
		return 0
	}

	// A full batch needs B*S+1 positions but advances by only B*S, so
	// consecutive windows share one position.
	full := (remaining - 1) / bs
	leftover := remaining - full*bs

	if it.cfg.DropLast {
		return full
	}
	if leftover > 0 && leftover <= bs {
		return full + 1
	}
	return full
}

// Next returns the next batch, or (nil, false) at end-of-sequence.
func (it *Iterator) Next() (*Batch, bool) {
	if it.done {
		return nil, false
	}

	stream := it.cfg.Stream
	remaining := stream.Len() - it.pos
	win := it.windowSize()
	bs := it.cfg.BatchSize * it.cfg.SeqLen

	if remaining >= win {
		return it.fullBatch(), true
	}

	if it.cfg.DropLast || remaining <= 0 {
		it.done = true
		return nil, false
	}

	if remaining <= bs {
		b := it.paddedBatch(remaining)
		it.done = true
		return b, true
	}

	it.done = true
	return nil, false
}

func (it *Iterator) fullBatch() *Batch {
	B, S := it.cfg.BatchSize, it.cfg.SeqLen
	n := B * S
	b := &Batch{
		InputIDs:  make([]uint32, n),
		TargetIDs: make([]uint32, n),
		Mask:      make([]float32, n),
		BatchSize: B,
		SeqLen:    S,
	}
	stream := it.cfg.Stream
	base := it.pos
	for i := 0; i < n; i++ {
		b.InputIDs[i] = stream.At(base + i)
		b.TargetIDs[i] = stream.At(base + i + 1)
		b.Mask[i] = 1
	}
	b.ValidTokenCount = n
	it.pos += n
	return b
}

// paddedBatch builds the final, partial batch when drop_last=false and
// 0 < remaining <= B*S. remaining counts stream positions left, not
// including the need for one extra target position; real positions get
// mask=1, tail positions get mask=0 with input=target=PAD.
func (it *Iterator) paddedBatch(remaining int) *Batch {
	B, S := it.cfg.BatchSize, it.cfg.SeqLen
	n := B * S
	b := &Batch{
		InputIDs:  make([]uint32, n),
		TargetIDs: make([]uint32, n),
		Mask:      make([]float32, n),
		BatchSize: B,
		SeqLen:    S,
	}
	stream := it.cfg.Stream
	base := it.pos
	streamLen := stream.Len()
	valid := 0
	for i := 0; i < n; i++ {
		pos := base + i
		if pos+1 < streamLen && i < remaining-1 {
			b.InputIDs[i] = stream.At(pos)
			b.TargetIDs[i] = stream.At(pos + 1)
			b.Mask[i] = 1
			valid++
		} else {
			b.InputIDs[i] = PAD
			b.TargetIDs[i] = PAD
			b.Mask[i] = 0
		}
	}
	b.ValidTokenCount = valid
	it.pos = streamLen
	return b
}
