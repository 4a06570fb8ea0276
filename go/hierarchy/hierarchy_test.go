package hierarchy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphere-lm/cllm/go/batch"
	"github.com/sphere-lm/cllm/go/ring"
)

func TestBuildSingleWorker(t *testing.T) {
	tr, err := Build(12, 1)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, tr.Root.Role)
	assert.Len(t, tr.Workers, 1)
}

func TestBuildFlatKPlusOne(t *testing.T) {
	k := 3
	tr, err := Build(k, k+1) // root + k leaves
	require.NoError(t, err)
	assert.Equal(t, RoleControl, tr.Root.Role)
	assert.Len(t, tr.Root.Children(), k)
	for i, c := range tr.Root.Children() {
		assert.Equal(t, RoleWorker, c.Role)
		assert.Equal(t, i%k, c.SymmetryGroup)
	}
}

func TestBuildTwoLevelFanOut(t *testing.T) {
	k := 3
	t2 := k*k + 1
	tr, err := Build(k, t2)
	require.NoError(t, err)
	assert.Len(t, tr.Root.Children(), k)
	totalWorkers := 0
	for _, l1 := range tr.Root.Children() {
		assert.Equal(t, RoleControl, l1.Role)
		for _, w := range l1.Children() {
			assert.Equal(t, RoleWorker, w.Role)
			assert.Equal(t, l1.SymmetryGroup, w.SymmetryGroup)
			totalWorkers++
		}
	}
	assert.Equal(t, t2-1-k, totalWorkers)
}

func TestRouteLevel1Fallback(t *testing.T) {
	k := 3
	tr, err := Build(k, k+1)
	require.NoError(t, err)
	n := tr.RouteLevel1(0)
	require.NotNil(t, n)
	assert.Equal(t, 0, n.SymmetryGroup)

	// group out of range falls back to group mod num_children
	n2 := tr.RouteLevel1(99)
	require.NotNil(t, n2)
}

func TestLeastLoadedChildTieBreaksOnID(t *testing.T) {
	root := &Node{Role: RoleControl}
	a := &Node{SphereID: 2}
	b := &Node{SphereID: 1}
	root.AddChild(a)
	root.AddChild(b)
	assert.Equal(t, b, root.LeastLoadedChild())

	a.BeginWork()
	assert.Equal(t, b, root.LeastLoadedChild())
	b.BeginWork()
	assert.Equal(t, b, root.LeastLoadedChild())
	b.BeginWork()
	assert.Equal(t, a, root.LeastLoadedChild())
}

func TestAddChildReturnsHandle(t *testing.T) {
	root := &Node{Role: RoleControl}
	child := &Node{SphereID: 7}
	handle, err := root.AddChild(child)
	require.NoError(t, err)
	assert.Equal(t, 0, handle)

	_, err = root.AddChild(nil)
	assert.Error(t, err)
}

func TestMailboxFIFOOrder(t *testing.T) {
	mb := newMailbox()
	mb.Send(Message{Kind: MsgDispatch, Group: 1})
	mb.Send(Message{Kind: MsgDispatch, Group: 2})
	mb.Send(Message{Kind: MsgEpochDone})

	first, ok := mb.Receive()
	require.True(t, ok)
	assert.Equal(t, 1, first.Group)

	second, ok := mb.Receive()
	require.True(t, ok)
	assert.Equal(t, 2, second.Group)

	third, ok := mb.Receive()
	require.True(t, ok)
	assert.Equal(t, MsgEpochDone, third.Kind)
}

func TestMailboxReceiveInterruptedByContext(t *testing.T) {
	mb := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	mb.WatchContext(ctx)
	cancel()

	_, ok := mb.Receive()
	assert.False(t, ok)
}

func TestSelectChildSameGroupUsesLeastLoaded(t *testing.T) {
	parent := &Node{Role: RoleControl, SymmetryGroup: 0}
	a := &Node{SphereID: 2, SymmetryGroup: 0}
	b := &Node{SphereID: 1, SymmetryGroup: 0}
	parent.AddChild(a)
	parent.AddChild(b)

	assert.Equal(t, b, parent.SelectChild(0))
	b.BeginWork()
	b.BeginWork()
	assert.Equal(t, a, parent.SelectChild(0))
}

func TestSelectChildAcrossGroupsMatchesExactOrFallsBack(t *testing.T) {
	root := &Node{Role: RoleControl, SymmetryGroup: -1}
	g0 := &Node{SphereID: 0, SymmetryGroup: 0}
	g1 := &Node{SphereID: 1, SymmetryGroup: 1}
	root.AddChild(g0)
	root.AddChild(g1)

	assert.Equal(t, g1, root.SelectChild(1))
	assert.Equal(t, g0, root.SelectChild(2))
}

func TestRunControlForwardsDispatchAndEpochDone(t *testing.T) {
	tr, err := Build(2, 3) // root control + 2 leaf workers
	require.NoError(t, err)
	for _, w := range tr.Workers {
		w.SetQueue(ring.NewWorkQueue[batch.Batch](4))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.Root.RunControl(ctx)
		close(done)
	}()

	b := &batch.Batch{}
	ok := tr.Root.Deliver(ctx, Message{Kind: MsgDispatch, Batch: b, Group: 0})
	require.True(t, ok)

	var got *batch.Batch
	for i := 0; i < 1000 && got == nil; i++ {
		for _, w := range tr.Workers {
			if v, popped := w.Queue().Pop(); popped {
				got = v
			}
		}
		if got == nil {
			time.Sleep(time.Millisecond)
		}
	}
	require.NotNil(t, got)
	assert.Same(t, b, got)

	tr.Root.Deliver(ctx, Message{Kind: MsgEpochDone})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunControl did not return after epoch done")
	}
	for _, w := range tr.Workers {
		assert.True(t, w.Queue().EpochDone())
	}
}
