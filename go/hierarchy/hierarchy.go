// Package hierarchy builds and routes through the tree of "sphere"
// workers: a root control node, optionally one level-1 control node per
// symmetry group, and leaf workers. Dispatch is mailbox-based: the
// coordinator delivers one message at a time to the root, and each
// control node's RunControl goroutine forwards it to a selected child
// (least-loaded within a symmetry group, exact-group match or
// group-mod fallback across groups) until it reaches a leaf's own work
// queue. Gradient-report messages travel the same mailboxes back up,
// decrementing each ancestor's outstanding count.
package hierarchy

import (
	"context"
	"sync"
	"time"

	"github.com/sphere-lm/cllm/go/batch"
	"github.com/sphere-lm/cllm/go/cllmerr"
	"github.com/sphere-lm/cllm/go/ring"
)

// Role distinguishes control nodes (route + reduce, never compute) from
// worker leaves (execute batches).
type Role int

const (
	RoleWorker Role = iota
	RoleControl
)

// MessageKind tags a mailbox Message.
type MessageKind int

const (
	// MsgDispatch carries one batch down toward a leaf.
	MsgDispatch MessageKind = iota
	// MsgGradientReport signals that a leaf (or, once forwarded, an
	// entire subtree) finished one dispatched batch.
	MsgGradientReport
	// MsgEpochDone marks that no further batches will be dispatched
	// this epoch; it drains down to every leaf and back up to the root.
	MsgEpochDone
)

// Message is the unit of mailbox traffic. Batch and Group are only
// meaningful for MsgDispatch.
type Message struct {
	Kind  MessageKind
	Batch *batch.Batch
	Group int
}

// mailboxBackoff mirrors the producer/dispatch backoff schedule used
// throughout the pipeline, applied when a dispatch message's target
// leaf queue is momentarily full.
var mailboxBackoff = []time.Duration{0, time.Microsecond, 4 * time.Microsecond, 16 * time.Microsecond, 64 * time.Microsecond}

// Mailbox is an unbounded FIFO of Messages, guarded by a mutex and
// condition variable rather than another lock-free ring: control
// traffic is low-frequency bookkeeping (one message per batch per
// level), not the hot batch/gradient path go/ring is built for.
type Mailbox struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       []Message
	interrupted bool
}

func newMailbox() *Mailbox {
	mb := &Mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// Send enqueues msg and wakes one blocked Receive, if any.
func (mb *Mailbox) Send(msg Message) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, msg)
	mb.cond.Signal()
	mb.mu.Unlock()
}

// Receive blocks until a message is queued or the mailbox is
// interrupted (see WatchContext), returning ok=false only in the
// latter case.
func (mb *Mailbox) Receive() (Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.queue) == 0 && !mb.interrupted {
		mb.cond.Wait()
	}
	if len(mb.queue) == 0 {
		return Message{}, false
	}
	msg := mb.queue[0]
	mb.queue = mb.queue[1:]
	return msg, true
}

// WatchContext spawns one goroutine that interrupts a blocked Receive
// once ctx is done. Call once per epoch; ResetEpoch clears the flag so
// the same mailbox can be watched again next epoch.
func (mb *Mailbox) WatchContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		mb.mu.Lock()
		mb.interrupted = true
		mb.cond.Broadcast()
		mb.mu.Unlock()
	}()
}

// ResetEpoch clears the interrupted flag left over from a prior epoch.
func (mb *Mailbox) ResetEpoch() {
	mb.mu.Lock()
	mb.interrupted = false
	mb.mu.Unlock()
}

// Node is one entry in the hierarchy tree. WorkerIndex is only meaningful
// when Role == RoleWorker; it is the index into the coordinator's
// worker/segment tables.
type Node struct {
	SphereID      int
	Level         int
	SymmetryGroup int
	Role          Role
	WorkerIndex   int // valid iff Role == RoleWorker

	parent   *Node
	children []*Node

	// outstanding tracks in-flight batches routed to this subtree, used
	// by the least-loaded-child selection policy.
	outstanding int

	mailbox *Mailbox                     // valid iff Role == RoleControl
	queue   *ring.WorkQueue[batch.Batch] // valid iff Role == RoleWorker
}

// AddChild appends child as a new child of n, returning the child's
// handle (its index within n.children) on success: always
// (handle, nil) on success and (-1, err) on failure — never a bare
// 0/nonzero sentinel.
func (n *Node) AddChild(child *Node) (int, error) {
	if child == nil {
		return -1, cllmerr.New(cllmerr.InvariantViolation, "nil child")
	}
	child.parent = n
	child.Level = n.Level + 1
	n.children = append(n.children, child)
	if len(n.children) > 0 && n.Role != RoleControl {
		n.Role = RoleControl
	}
	return len(n.children) - 1, nil
}

// Children returns n's direct children (empty for a worker leaf).
func (n *Node) Children() []*Node { return n.children }

// Parent returns n's parent, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// LeastLoadedChild returns the direct child with the lowest outstanding
// count, ties broken by lowest SphereID. Returns nil if n has no
// children.
func (n *Node) LeastLoadedChild() *Node {
	var best *Node
	for _, c := range n.children {
		if best == nil || c.outstanding < best.outstanding ||
			(c.outstanding == best.outstanding && c.SphereID < best.SphereID) {
			best = c
		}
	}
	return best
}

// SelectChild picks the child that should receive a dispatch message
// for the given dominant symmetry group: if every direct child shares
// the same group (a level-1 control node choosing among its leaves),
// it defers to LeastLoadedChild; otherwise it matches the group
// exactly, falling back to group mod len(children) — the same
// semantics RouteLevel1 applies at the root, generalized to any level.
func (n *Node) SelectChild(group int) *Node {
	if len(n.children) == 0 {
		return nil
	}
	sameGroup := true
	for _, c := range n.children[1:] {
		if c.SymmetryGroup != n.children[0].SymmetryGroup {
			sameGroup = false
			break
		}
	}
	if sameGroup {
		return n.LeastLoadedChild()
	}
	for _, c := range n.children {
		if c.SymmetryGroup == group {
			return c
		}
	}
	return n.children[group%len(n.children)]
}

// BeginWork marks one more outstanding batch on n (called when a batch is
// dispatched into n's subtree).
func (n *Node) BeginWork() { n.outstanding++ }

// EndWork marks one fewer outstanding batch on n (called when n's
// subtree reports the batch done).
func (n *Node) EndWork() {
	if n.outstanding > 0 {
		n.outstanding--
	}
}

// Mailbox returns n's mailbox, lazily allocating it on first use. Only
// meaningful for control nodes; must be called single-threaded (during
// tree construction) before any RunControl goroutine starts.
func (n *Node) Mailbox() *Mailbox {
	if n.mailbox == nil {
		n.mailbox = newMailbox()
	}
	return n.mailbox
}

// SetQueue binds n's dedicated work queue; only meaningful for worker
// leaves, called once by go/coordinator at construction time.
func (n *Node) SetQueue(q *ring.WorkQueue[batch.Batch]) { n.queue = q }

// Queue returns n's dedicated work queue, or nil if none was bound.
func (n *Node) Queue() *ring.WorkQueue[batch.Batch] { return n.queue }

// Deliver routes msg to n. A worker leaf applies it directly to its own
// queue (pushing a dispatch message's batch, with backoff against a
// momentarily-full queue, or marking the queue epoch-done); a control
// node enqueues it on its mailbox for that node's RunControl goroutine
// to pick up. Deliver only returns false if ctx is cancelled while a
// leaf's queue is full and unable to accept the batch.
func (n *Node) Deliver(ctx context.Context, msg Message) bool {
	if n.Role == RoleWorker {
		switch msg.Kind {
		case MsgEpochDone:
			n.queue.SetEpochDone()
			return true
		default:
			backoff := 0
			for !n.queue.Push(msg.Batch) {
				select {
				case <-ctx.Done():
					return false
				default:
				}
				if backoff < len(mailboxBackoff)-1 {
					backoff++
				}
				if d := mailboxBackoff[backoff]; d > 0 {
					time.Sleep(d)
				}
			}
			return true
		}
	}
	n.Mailbox().Send(msg)
	return true
}

// RunControl drives one control node's mailbox for the duration of an
// epoch. A dispatch message is forwarded to a selected child, bumping
// this node's outstanding count; a gradient report drops the count and
// is forwarded to the parent; an epoch-done message is forwarded to
// every child — guaranteed by FIFO mailbox ordering to arrive after
// every dispatch this node already forwarded to that child — then to
// the parent, after which RunControl returns.
func (n *Node) RunControl(ctx context.Context) {
	mb := n.Mailbox()
	mb.ResetEpoch()
	mb.WatchContext(ctx)

	for {
		msg, ok := mb.Receive()
		if !ok {
			return
		}
		switch msg.Kind {
		case MsgDispatch:
			child := n.SelectChild(msg.Group)
			if child == nil {
				continue
			}
			n.BeginWork()
			if !child.Deliver(ctx, msg) {
				n.EndWork()
			}
		case MsgGradientReport:
			n.EndWork()
			if n.parent != nil {
				n.parent.Deliver(ctx, Message{Kind: MsgGradientReport})
			}
		case MsgEpochDone:
			for _, c := range n.children {
				c.Deliver(ctx, msg)
			}
			if n.parent != nil {
				n.parent.Deliver(ctx, msg)
			}
			return
		}
	}
}

// Tree is the constructed hierarchy plus the flat list of worker leaves
// in sphere-id order, which is what go/sphere and go/gradient index by.
type Tree struct {
	Root    *Node
	Workers []*Node // leaves, ordered by WorkerIndex
	K       int
}

// ControlNodes returns every control node in the tree (root included,
// if it has children), in no particular order — go/coordinator spawns
// one RunControl goroutine per entry.
func (t *Tree) ControlNodes() []*Node {
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Role == RoleControl {
			out = append(out, n)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.Root)
	return out
}

// Build constructs a hierarchy for symmetry order k and target worker
// count t, following three construction rules:
//   - t <= 1: a single worker, no hierarchy (Root is that worker).
//   - t <= k+1: root control + (t-1) leaf workers, leaf i carries group i%k.
//   - otherwise: root + k level-1 nodes (one per group) + (t-1-k) level-2
//     workers distributed round-robin among the k level-1 parents,
//     inheriting the parent's group.
func Build(k, t int) (*Tree, error) {
	if k <= 0 {
		return nil, cllmerr.New(cllmerr.MalformedInput, "symmetry order k must be positive")
	}
	if t <= 0 {
		return nil, cllmerr.New(cllmerr.MalformedInput, "target worker count t must be positive")
	}

	nextID := 0
	newNode := func(role Role, group int) *Node {
		n := &Node{SphereID: nextID, SymmetryGroup: group, Role: role}
		nextID++
		return n
	}

	if t == 1 {
		w := newNode(RoleWorker, 0)
		w.WorkerIndex = 0
		return &Tree{Root: w, Workers: []*Node{w}, K: k}, nil
	}

	root := newNode(RoleControl, -1)

	if t <= k+1 {
		workers := make([]*Node, 0, t-1)
		for i := 0; i < t-1; i++ {
			w := newNode(RoleWorker, i%k)
			w.WorkerIndex = i
			if _, err := root.AddChild(w); err != nil {
				return nil, err
			}
			workers = append(workers, w)
		}
		return &Tree{Root: root, Workers: workers, K: k}, nil
	}

	level1 := make([]*Node, k)
	for g := 0; g < k; g++ {
		n := newNode(RoleControl, g)
		if _, err := root.AddChild(n); err != nil {
			return nil, err
		}
		level1[g] = n
	}

	remaining := t - 1 - k
	workers := make([]*Node, 0, remaining)
	for i := 0; i < remaining; i++ {
		parent := level1[i%k]
		w := newNode(RoleWorker, parent.SymmetryGroup)
		w.WorkerIndex = i
		if _, err := parent.AddChild(w); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return &Tree{Root: root, Workers: workers, K: k}, nil
}

// RouteLevel1 returns the level-1 node that should receive a batch whose
// dominant symmetry group is `group`: if that exact group has no node,
// fall back to group mod num_children.
func (t *Tree) RouteLevel1(group int) *Node {
	children := t.Root.Children()
	if len(children) == 0 {
		return nil
	}
	for _, c := range children {
		if c.SymmetryGroup == group {
			return c
		}
	}
	return children[group%len(children)]
}
