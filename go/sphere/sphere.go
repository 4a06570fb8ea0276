// Package sphere implements the WorkerSphere state machine: a single
// goroutine that owns one gradient segment, one private scratch
// workspace, and one dedicated WorkQueue fed by its parent hierarchy
// node's mailbox — batches only reach a sphere by being routed down
// the tree (go/hierarchy), never by stealing from a sibling's queue.
package sphere

import (
	"context"
	"sync"
	"time"

	"github.com/sphere-lm/cllm/go/batch"
	"github.com/sphere-lm/cllm/go/cllmerr"
	"github.com/sphere-lm/cllm/go/gradient"
	"github.com/sphere-lm/cllm/go/ring"
	"github.com/sphere-lm/cllm/go/transformerops"
)

// State is a WorkerSphere's lifecycle stage:
// INIT -> IDLE -> WORKING -> IDLE -> ... -> TERMINATED.
type State int

const (
	StateInit State = iota
	StateIdle
	StateWorking
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIdle:
		return "IDLE"
	case StateWorking:
		return "WORKING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Stats accumulates one sphere's lifetime batch count and loss sum under
// a mutex; the numbers involved (a handful of adds per batch) don't
// justify a lock-free path the way the hot queues and gradient segment do.
type Stats struct {
	mu         sync.Mutex
	batches    int
	lossSum    float64
	anomalies  int
}

func (s *Stats) record(loss float32) {
	s.mu.Lock()
	s.batches++
	s.lossSum += float64(loss)
	s.mu.Unlock()
}

func (s *Stats) recordAnomaly() {
	s.mu.Lock()
	s.anomalies++
	s.mu.Unlock()
}

// Snapshot returns the batches processed, mean loss across them (0 if
// none), and count of batches skipped because processing them failed
// with an error other than DivergenceDetected.
func (s *Stats) Snapshot() (batches int, meanLoss float64, anomalies int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batches == 0 {
		return 0, 0, s.anomalies
	}
	return s.batches, s.lossSum / float64(s.batches), s.anomalies
}

// WorkerSphere is one leaf of the hierarchy: it owns a private Scratch
// workspace, a disjoint slice of the shared GradientBuffer, and pulls
// batches from its own leaf WorkQueue until the epoch is drained.
type WorkerSphere struct {
	SphereID    int
	WorkerIndex int

	ops        transformerops.Ops
	scratch    *transformerops.Scratch
	gradBuf    *gradient.Buffer
	queue      *ring.WorkQueue[batch.Batch]
	onComplete func()

	state State
	stats Stats
}

// New builds a WorkerSphere bound to gradBuf's segment workerIndex and
// its own dedicated work queue. ops and scratch are the worker's
// private, per-worker transformer arithmetic and workspace. onComplete,
// if non-nil, is invoked once per batch after it is released — the
// coordinator wires this to send a gradient-report message up the
// sphere's parent hierarchy node's mailbox.
func New(sphereID, workerIndex int, ops transformerops.Ops, scratch *transformerops.Scratch, gradBuf *gradient.Buffer, queue *ring.WorkQueue[batch.Batch], onComplete func()) *WorkerSphere {
	return &WorkerSphere{
		SphereID:    sphereID,
		WorkerIndex: workerIndex,
		ops:         ops,
		scratch:     scratch,
		gradBuf:     gradBuf,
		queue:       queue,
		onComplete:  onComplete,
		state:       StateInit,
	}
}

// State returns the sphere's current lifecycle stage. Safe to call from
// another goroutine for diagnostics; it is not synchronized against the
// run loop beyond Go's memory model guarantee of eventual visibility —
// observational only, never a gate on behavior.
func (w *WorkerSphere) State() State { return w.state }

// Stats returns the sphere's running totals.
func (w *WorkerSphere) Stats() *Stats { return &w.stats }

// backoffSchedule mirrors the exponential-then-flat backoff the prefetch
// producer uses, applied here while a worker waits for more work that
// hasn't been pushed yet.
var backoffSchedule = []time.Duration{0, time.Microsecond, 4 * time.Microsecond, 16 * time.Microsecond, 64 * time.Microsecond}

// Run drives the sphere's lifecycle until ctx is cancelled or the work
// queue reports EpochDone with nothing left to claim. params is the
// current flat parameter vector; the caller (go/coordinator) guarantees
// no sphere is running while params is swapped between epochs.
func (w *WorkerSphere) Run(ctx context.Context, params []float32) error {
	w.state = StateIdle
	backoff := 0

	for {
		select {
		case <-ctx.Done():
			w.state = StateTerminated
			return ctx.Err()
		default:
		}

		b, ok := w.queue.Pop()
		if !ok {
			if w.queue.EpochDone() {
				w.state = StateTerminated
				return nil
			}
			if backoff < len(backoffSchedule)-1 {
				backoff++
			}
			if d := backoffSchedule[backoff]; d > 0 {
				time.Sleep(d)
			}
			continue
		}
		backoff = 0

		w.state = StateWorking
		if err := w.processBatch(b, params); err != nil {
			if cllmerr.Is(err, cllmerr.DivergenceDetected) {
				w.state = StateTerminated
				return err
			}
			w.stats.recordAnomaly()
		}
		b.Release()
		if w.onComplete != nil {
			w.onComplete()
		}
		w.state = StateIdle
	}
}

// processBatch zeros the sphere's gradient segment, runs forward and
// backward over b, and records the batch's loss — invoked once per
// batch, matching Ops's forward/backward contract of exactly once per
// batch per worker.
func (w *WorkerSphere) processBatch(b *batch.Batch, params []float32) error {
	seg := w.gradBuf.View(w.WorkerIndex)
	for i := range seg {
		seg[i] = 0
	}

	loss, err := w.ops.Forward(b, params, w.scratch)
	if err != nil {
		return err
	}

	segStart := w.gradBuf.Segments[w.WorkerIndex].Start
	if err := w.ops.Backward(b, params, w.scratch, seg, segStart); err != nil {
		return err
	}

	w.stats.record(loss)
	return nil
}
