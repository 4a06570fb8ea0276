// Package coordinator implements the ControlCoordinator — "Node Zero":
// the root of the hierarchy, which drives an epoch's
// prefetch-dispatch-reduce-step cycle but never executes a batch
// itself. It owns the optimizer's moment buffers exclusively and is the
// only writer of the shared parameter vector, always between epochs
// while every WorkerSphere is idle.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sphere-lm/cllm/go/batch"
	"github.com/sphere-lm/cllm/go/cllmerr"
	"github.com/sphere-lm/cllm/go/gradient"
	"github.com/sphere-lm/cllm/go/groupindex"
	"github.com/sphere-lm/cllm/go/hierarchy"
	"github.com/sphere-lm/cllm/go/optimizer"
	"github.com/sphere-lm/cllm/go/ring"
	"github.com/sphere-lm/cllm/go/sphere"
	"github.com/sphere-lm/cllm/go/transformerops"
)

// dispatchBackoff mirrors the producer/dispatch backoff schedule used
// throughout the pipeline.
var dispatchBackoff = []time.Duration{0, time.Microsecond, 4 * time.Microsecond, 16 * time.Microsecond, 64 * time.Microsecond}

// Config fixes one coordinator's runtime shape.
type Config struct {
	NumWorkers        int
	SymmetryOrder     int // K
	PrefetchCapacity  int
	WorkQueueCapacity int
}

// EpochResult summarizes one RunEpoch call for the caller's logging and
// metrics (go/metrics consumes this shape).
type EpochResult struct {
	BatchesProcessed int
	MeanLoss         float64
	GradNorm         float64
	LR               float64
	Anomalies        int
	DroppedWorkers   []int
}

// ControlCoordinator owns the hierarchy, the shared gradient buffer and
// per-leaf work queues, and the optimizer. It does not own the parameter
// vector's backing array (the caller does, typically go/engine.Trainer)
// but is the only component that mutates it, via Optimizer.Step.
type ControlCoordinator struct {
	cfg      Config
	tree     *hierarchy.Tree
	resolver *groupindex.Resolver
	gradBuf  *gradient.Buffer
	opt      *optimizer.Optimizer

	prefetch     *ring.PrefetchQueue[batch.Batch]
	spheres      []*sphere.WorkerSphere
	controlNodes []*hierarchy.Node

	reduced  []float32 // output of gradBuf.Reduce, distinct storage from gradBuf.Data
	grad64   []float64
	params64 []float64
}

// New builds a ControlCoordinator for p parameters and the given
// Ops/optimizer configuration. cfg.NumWorkers is hierarchy.Build's
// target total node count t: the resulting number of
// WorkerSphere leaves is len(tree.Workers), which for t>1 is t-1 (the
// root is control-only) — callers that want exactly N executing
// workers should pass NumWorkers = N+1 (or N = 1 for the no-hierarchy
// single-worker case). provider may be nil (token_id mod K fallback).
//
// Each leaf gets its own WorkQueue, bound to its hierarchy.Node via
// SetQueue: a batch only reaches a leaf by being routed there through
// the tree's mailboxes (go/hierarchy), never by stealing from a
// sibling's queue.
func New(cfg Config, p int, ops transformerops.Ops, tfCfg transformerops.Config, optCfg optimizer.Config, provider groupindex.Provider) (*ControlCoordinator, error) {
	tree, err := hierarchy.Build(cfg.SymmetryOrder, cfg.NumWorkers)
	if err != nil {
		return nil, err
	}
	gradBuf, err := gradient.New(p, len(tree.Workers))
	if err != nil {
		return nil, err
	}

	spheres := make([]*sphere.WorkerSphere, len(tree.Workers))
	for i, w := range tree.Workers {
		w := w
		queue := ring.NewWorkQueue[batch.Batch](cfg.WorkQueueCapacity)
		w.SetQueue(queue)
		scratch := transformerops.NewScratch(tfCfg)
		onComplete := func() {
			if parent := w.Parent(); parent != nil {
				parent.Deliver(context.Background(), hierarchy.Message{Kind: hierarchy.MsgGradientReport})
			}
		}
		spheres[i] = sphere.New(w.SphereID, i, ops, scratch, gradBuf, queue, onComplete)
	}

	return &ControlCoordinator{
		cfg:          cfg,
		tree:         tree,
		resolver:     groupindex.New(cfg.SymmetryOrder, provider),
		gradBuf:      gradBuf,
		opt:          optimizer.New(optCfg, p),
		prefetch:     ring.NewPrefetchQueue[batch.Batch](cfg.PrefetchCapacity),
		spheres:      spheres,
		controlNodes: tree.ControlNodes(),
		reduced:      make([]float32, p),
		grad64:       make([]float64, p),
		params64:     make([]float64, p),
	}, nil
}

// RunEpoch drains iter exactly once: a producer goroutine feeds the
// prefetch queue, the coordinator's dispatch loop delivers each batch
// to the root hierarchy node (tagged with its dominant symmetry group),
// one RunControl goroutine per control node forwards it down to a
// selected leaf's own work queue, one sphere goroutine per leaf consumes
// its leaf queue and accumulate gradients — reporting completion back
// up the same mailboxes — and once every sphere has observed EpochDone
// the coordinator reduces, steps the optimizer, and returns.
func (c *ControlCoordinator) RunEpoch(ctx context.Context, iter *batch.Iterator, params []float32) (EpochResult, error) {
	iter.Reset()
	for _, w := range c.tree.Workers {
		w.Queue().ResetEpoch()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(c.spheres)+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.produce(ctx, iter)
	}()

	for _, cn := range c.controlNodes {
		cn := cn
		wg.Add(1)
		go func() {
			defer wg.Done()
			cn.RunControl(ctx)
		}()
	}

	for _, s := range c.spheres {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Run(ctx, params); err != nil && err != context.Canceled {
				select {
				case errs <- err:
				default:
				}
				cancel()
			}
		}()
	}

	c.dispatch(ctx, iter)
	wg.Wait()
	close(errs)

	for err := range errs {
		return EpochResult{}, err
	}
	if ctx.Err() != nil && ctx.Err() != context.Canceled {
		return EpochResult{}, ctx.Err()
	}

	result, err := c.reduceAndStep(params)
	if err != nil {
		return EpochResult{}, err
	}
	return result, nil
}

// produce pulls batches out of the iterator and pushes them into the
// prefetch queue, backing off when it's momentarily full, until the
// stream is exhausted or ctx is cancelled.
func (c *ControlCoordinator) produce(ctx context.Context, iter *batch.Iterator) {
	defer c.prefetch.SetProducerDone()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b, ok := iter.Next()
		if !ok {
			return
		}
		backoff := 0
		for !c.prefetch.TryPush(b) {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if backoff < len(dispatchBackoff)-1 {
				backoff++
			}
			if d := dispatchBackoff[backoff]; d > 0 {
				time.Sleep(d)
			}
		}
	}
}

// dispatch is the coordinator's own loop: it never executes a batch, it
// only moves items from the prefetch queue into the hierarchy, tagging
// each with its dominant symmetry group and delivering it to the root
// node. A single-worker tree (Root.Role == RoleWorker) applies the
// message directly to that worker's own queue; otherwise it lands in
// the root's mailbox and is forwarded down by the root's RunControl
// goroutine.
func (c *ControlCoordinator) dispatch(ctx context.Context, iter *batch.Iterator) {
	backoff := 0
	for {
		select {
		case <-ctx.Done():
			c.signalEpochDone(ctx)
			return
		default:
		}

		b, ok := c.prefetch.TryPop()
		if !ok {
			if c.prefetch.ProducerDone() && c.prefetch.Drained() {
				c.signalEpochDone(ctx)
				return
			}
			if backoff < len(dispatchBackoff)-1 {
				backoff++
			}
			if d := dispatchBackoff[backoff]; d > 0 {
				time.Sleep(d)
			}
			continue
		}
		backoff = 0

		validIDs := b.InputIDs[:b.ValidTokenCount]
		group := c.resolver.DominantGroup(validIDs)
		if !c.tree.Root.Deliver(ctx, hierarchy.Message{Kind: hierarchy.MsgDispatch, Batch: b, Group: group}) {
			return
		}
	}
}

// signalEpochDone delivers the epoch-done message to the root, which
// (for a multi-node tree) drains down through every control node's
// mailbox to every leaf queue, or (for the single-worker tree) marks
// that one worker's queue done directly.
func (c *ControlCoordinator) signalEpochDone(ctx context.Context) {
	c.tree.Root.Deliver(ctx, hierarchy.Message{Kind: hierarchy.MsgEpochDone})
}

// reduceAndStep runs the NaN/Inf-guarded reduction over the gradient
// buffer into a scratch output distinct from the buffer's own segments
// (Reduce's output must not alias the segments it is still reading),
// converts to float64 for the optimizer (whose moment buffers are
// float64 for numerical headroom), steps it, and writes the
// updated parameters back into the float32 vector RunEpoch was given —
// this is the only point in an epoch where params change.
func (c *ControlCoordinator) reduceAndStep(params []float32) (EpochResult, error) {
	result, err := c.gradBuf.Reduce(c.reduced)
	if err != nil {
		return EpochResult{}, err
	}

	for i, g := range c.reduced {
		c.grad64[i] = float64(g)
	}
	c.Step(params)

	var totalBatches, totalAnomalies int
	var lossSum float64
	for _, s := range c.spheres {
		b, mean, anomalies := s.Stats().Snapshot()
		totalBatches += b
		totalAnomalies += anomalies
		lossSum += mean * float64(b)
	}
	meanLoss := 0.0
	if totalBatches > 0 {
		meanLoss = lossSum / float64(totalBatches)
	}

	return EpochResult{
		BatchesProcessed: totalBatches,
		MeanLoss:         meanLoss,
		GradNorm:         c.opt.LastGradNorm(),
		Anomalies:        totalAnomalies,
		DroppedWorkers:   result.DroppedWorkers,
		LR:               c.opt.CurrentLR(),
	}, nil
}

// Step applies the optimizer update to params using the buffer's current
// reduced gradient (c.grad64, populated by reduceAndStep). Exposed
// separately from reduceAndStep so go/engine can snapshot before the
// parameters mutate (e.g. for a checkpoint taken mid-step).
func (c *ControlCoordinator) Step(params []float32) {
	for i, p := range params {
		c.params64[i] = float64(p)
	}
	c.opt.Step(c.params64, c.grad64)
	for i, p := range c.params64 {
		params[i] = float32(p)
	}
}

// ResetOptimizer zeros the optimizer's moment buffers and step counter,
// idempotently, matching optimizer.reset()'s own contract.
func (c *ControlCoordinator) ResetOptimizer() { c.opt.Reset() }

// OptimizerState snapshots the optimizer's moments for a ".state"
// checkpoint (go/modelfile.WriteStateFile).
func (c *ControlCoordinator) OptimizerState() optimizer.State { return c.opt.State() }

// LoadOptimizerState restores the optimizer's moments from a checkpoint
// snapshot (go/modelfile.ReadStateFile), for resuming a run.
func (c *ControlCoordinator) LoadOptimizerState(s optimizer.State) error {
	return c.opt.LoadState(s)
}

// Validate checks that p matches the architecture the coordinator was
// built for; go/engine calls this before wiring a loaded model file in.
func Validate(p, numWorkers int) error {
	if numWorkers <= 0 {
		return cllmerr.New(cllmerr.MalformedInput, "numWorkers must be positive")
	}
	if p <= 0 {
		return cllmerr.New(cllmerr.MalformedInput, "parameter count must be positive")
	}
	return nil
}
