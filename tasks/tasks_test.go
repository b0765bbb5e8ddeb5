package tasks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
)

func collectReady() (func(*Task), *[]*Task, *sync.Mutex) {
	var lk sync.Mutex
	var ready []*Task
	return func(t *Task) {
		lk.Lock()
		ready = append(ready, t)
		lk.Unlock()
	}, &ready, &lk
}

func TestImmediateReadiness(t *testing.T) {
	onReady, ready, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	task := New("a", nil, nil, nil)
	task.AddAccess(region.New(0, 100), ReadWrite, false)

	ds.RegisterTask(task)
	require.Len(t, *ready, 1)
	require.Equal(t, Ready, task.State())
}

func TestWriteThenReadChain(t *testing.T) {
	onReady, ready, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	w := New("writer", nil, nil, nil)
	wa := w.AddAccess(region.New(0, 100), Write, false)
	ds.RegisterTask(w)

	r := New("reader", nil, nil, nil)
	ra := r.AddAccess(region.New(0, 100), Read, false)
	ds.RegisterTask(r)

	require.Len(t, *ready, 1, "reader waits for the writer")
	require.False(t, ra.Satisfied())

	loc := hardware.GetMemoryPlace(hardware.ClusterDevice, 0)
	ds.CompleteAccess(wa, loc, 42)

	require.Len(t, *ready, 2)
	require.True(t, ra.Satisfied())
	require.Equal(t, writeid.WriteID(42), ra.WriteID(), "reader consumes the writer's version")
	require.Same(t, loc, ra.Location())
}

func TestReadersDoNotConflict(t *testing.T) {
	onReady, ready, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	for i := 0; i < 3; i++ {
		r := New("r", nil, nil, nil)
		r.AddAccess(region.New(0, 10), Read, false)
		ds.RegisterTask(r)
	}
	require.Len(t, *ready, 3)
}

func TestWriteWaitsForReaders(t *testing.T) {
	onReady, ready, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	r1 := New("r1", nil, nil, nil)
	a1 := r1.AddAccess(region.New(0, 10), Read, false)
	ds.RegisterTask(r1)
	r2 := New("r2", nil, nil, nil)
	a2 := r2.AddAccess(region.New(0, 10), Read, false)
	ds.RegisterTask(r2)

	w := New("w", nil, nil, nil)
	w.AddAccess(region.New(0, 10), Write, false)
	ds.RegisterTask(w)

	require.Len(t, *ready, 2, "writer waits for both readers")

	ds.CompleteAccess(a1, nil, 0)
	require.Len(t, *ready, 2)
	ds.CompleteAccess(a2, nil, 0)
	require.Len(t, *ready, 3)
}

func TestIdempotentSatisfiability(t *testing.T) {
	onReady, ready, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	w := New("w", nil, nil, nil)
	wa := w.AddAccess(region.New(0, 10), Write, false)
	ds.RegisterTask(w)

	b := New("b", nil, nil, nil)
	ba := b.AddAccess(region.New(0, 10), Read, false)
	ds.RegisterTask(b)

	ds.CompleteAccess(wa, nil, 7)
	require.Len(t, *ready, 2)

	// Namespace propagation and the offloader's data-link step may
	// both deliver the same satisfiability; the second is a no-op.
	require.False(t, ba.SetSatisfied(true, true, nil, 7))
	require.Len(t, *ready, 2)
	require.Equal(t, writeid.WriteID(7), ba.WriteID())
}

func TestDetachedRegistrationSkipsChains(t *testing.T) {
	onReady, ready, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	w := New("w", nil, nil, nil)
	wa := w.AddAccess(region.New(0, 10), Write, false)
	ds.RegisterTask(w)

	// A detached task conflicts on paper but is not linked into the
	// chains; its satisfiability must come from elsewhere.
	d := New("d", nil, nil, nil)
	da := d.AddAccess(region.New(0, 10), Read, false)
	ds.RegisterDetached(d)

	ds.CompleteAccess(wa, nil, 3)
	require.Len(t, *ready, 1, "completion does not reach the detached access")
	require.False(t, da.Satisfied())

	da.SetSatisfied(true, true, nil, 3)
	require.Len(t, *ready, 2)
}

func TestWeakAccessesDoNotGate(t *testing.T) {
	onReady, ready, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	w := New("w", nil, nil, nil)
	w.AddAccess(region.New(0, 10), Write, false)
	ds.RegisterTask(w)

	weak := New("weak", nil, nil, nil)
	weak.AddAccess(region.New(0, 10), ReadWrite, true)
	ds.RegisterTask(weak)

	require.Len(t, *ready, 2, "weak access does not wait")
}

func TestSatisfiabilityLinkReplay(t *testing.T) {
	onReady, _, _ := collectReady()
	ds := NewDependencySystem(onReady, false)

	task := New("t", nil, nil, nil)
	a := task.AddAccess(region.New(0, 10), ReadWrite, false)
	ds.RegisterTask(task)

	// Satisfiability arrived before the link was installed; it must
	// be replayed into the link.
	var linked []string
	a.SetLink(linkFunc(func(r region.Region, loc *hardware.MemoryPlace, id writeid.WriteID, read, write bool) {
		linked = append(linked, r.String())
		require.True(t, read)
		require.True(t, write)
	}))
	require.Len(t, linked, 1)
}

type linkFunc func(region.Region, *hardware.MemoryPlace, writeid.WriteID, bool, bool)

func (f linkFunc) LinkRegion(r region.Region, loc *hardware.MemoryPlace, id writeid.WriteID, read, write bool) {
	f(r, loc, id, read, write)
}

func TestReleasePolicy(t *testing.T) {
	task := New("t", nil, nil, nil)
	require.Equal(t, NoWait, task.GetReleasePolicy())

	task.SetReleasePolicy(Autowait, false)
	require.Equal(t, Autowait, task.GetReleasePolicy())

	// cluster.disable_autowait forces autowait to no-wait.
	task.SetReleasePolicy(Autowait, true)
	require.Equal(t, NoWait, task.GetReleasePolicy())

	task.SetReleasePolicy(Wait, true)
	require.Equal(t, Wait, task.GetReleasePolicy())
}

func TestDelayedReleaseSelection(t *testing.T) {
	task := New("t", nil, nil, nil)
	local := task.AddAccess(region.New(0, 10), ReadWrite, false)
	remote := task.AddAccess(region.New(10, 10), ReadWrite, false)

	local.UpdateLocation(hardware.GetMemoryPlace(hardware.ClusterDevice, 0))
	remote.UpdateLocation(hardware.GetMemoryPlace(hardware.ClusterDevice, 1))

	task.SetReleasePolicy(Autowait, false)
	delayed := task.DelayedReleaseAccesses(0)
	require.Len(t, delayed, 1)
	require.Same(t, remote, delayed[0])

	task.SetReleasePolicy(Wait, false)
	require.Len(t, task.DelayedReleaseAccesses(0), 2)

	task.SetReleasePolicy(NoWait, false)
	require.Empty(t, task.DelayedReleaseAccesses(0))
}

func TestTaskwait(t *testing.T) {
	parent := New("parent", nil, nil, nil)
	child := New("child", nil, nil, parent)
	require.True(t, parent.HasChildren())

	done := make(chan struct{})
	go func() {
		parent.WaitChildren()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("taskwait returned with a live child")
	default:
	}

	child.MarkReleased()
	<-done
	require.False(t, parent.HasChildren())
}

func TestCompletionCallbackOnRelease(t *testing.T) {
	task := New("t", nil, nil, nil)
	fired := false
	task.CompletionCallback = func() { fired = true }
	task.MarkReleased()
	require.True(t, fired)
	require.Equal(t, Released, task.State())
}

func TestObjectCacheRecycling(t *testing.T) {
	oc := NewObjectCache([]int{0, 0, 1, 1}, 2)

	t1 := oc.Alloc(0)
	t1.Init("x", nil, nil, nil)
	id := t1.ID

	oc.Free(0, t1)
	t2 := oc.Alloc(0)
	require.Same(t, t1, t2, "object returns to the same CPU cache")
	require.Zero(t, t2.ID)

	t2.Init("y", nil, nil, nil)
	require.NotEqual(t, id, t2.ID)

	// Unknown CPUs fall back to the external cache.
	t3 := oc.Alloc(-1)
	require.NotNil(t, t3)
	oc.Free(-1, t3)
}
