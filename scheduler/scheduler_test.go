package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/directory"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/vmm"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

func newFixture(t *testing.T, clusterSize int) (*Scheduler, *vmm.Manager, *directory.Directory) {
	t.Helper()

	nodes, err := cluster.NewRegistry(0, 0, clusterSize)
	require.NoError(t, err)

	mem, err := vmm.New(vmm.DefaultBase, 16<<20, 1<<20, 1)
	require.NoError(t, err)

	dir := directory.New()
	queue, err := NewReadyQueue("fifo", 1)
	require.NoError(t, err)

	return New(nodes, mem, dir, nil, queue), mem, dir
}

func TestQueueBackends(t *testing.T) {
	_, err := NewReadyQueue("lifo", 1)
	require.Error(t, err)

	fifo, err := NewReadyQueue("", 1)
	require.NoError(t, err)
	a, b := tasks.New("a", nil, nil, nil), tasks.New("b", nil, nil, nil)
	fifo.Push(a)
	fifo.Push(b)
	got, _ := fifo.Pop(0)
	require.Same(t, a, got)

	prio, err := NewReadyQueue("priority", 1)
	require.NoError(t, err)
	low, high := tasks.New("low", nil, nil, nil), tasks.New("high", nil, nil, nil)
	high.Priority = 10
	prio.Push(low)
	prio.Push(high)
	got, _ = prio.Pop(0)
	require.Same(t, high, got)

	numa, err := NewReadyQueue("numa", 2)
	require.NoError(t, err)
	n0, n1 := tasks.New("n0", nil, nil, nil), tasks.New("n1", nil, nil, nil)
	n1.NUMAHint = 1
	numa.Push(n0)
	numa.Push(n1)
	got, _ = numa.Pop(1)
	require.Same(t, n1, got, "local NUMA node preferred")
	got, _ = numa.Pop(1)
	require.Same(t, n0, got, "steals from other nodes when local is empty")
	require.Zero(t, numa.Len())
}

func TestLocalityEqualSplitTie(t *testing.T) {
	s, mem, dir := newFixture(t, 2)

	// Master allocates 1 MiB with an equal block distribution; a task
	// covering all of it scores 512 KiB per node and the tie goes to
	// the first maximum.
	alloc, err := mem.AllocDistrib(1 << 20)
	require.NoError(t, err)
	_, err = dir.RegisterAllocation(alloc, directory.EqualPolicy, nil, 0, 2)
	require.NoError(t, err)

	task := tasks.New("t", nil, nil, nil)
	a := task.AddAccess(alloc, tasks.ReadWrite, false)
	a.UpdateLocation(hardware.GetDirectoryMemoryPlace())

	require.Equal(t, 0, s.ScheduledNode(task))
}

func TestLocalityFollowsData(t *testing.T) {
	s, mem, dir := newFixture(t, 4)

	alloc, err := mem.AllocDistrib(1 << 20)
	require.NoError(t, err)
	_, err = dir.RegisterAllocation(alloc, directory.EqualPolicy, nil, 0, 4)
	require.NoError(t, err)

	task := tasks.New("t", nil, nil, nil)
	a := task.AddAccess(region.New(alloc.Start, 4096), tasks.Read, false)
	a.UpdateLocation(hardware.GetMemoryPlace(hardware.ClusterDevice, 3))

	require.Equal(t, 3, s.ScheduledNode(task), "data location outweighs the home node")
}

func TestLocalityMixedAccesses(t *testing.T) {
	s, mem, dir := newFixture(t, 2)

	alloc, err := mem.AllocDistrib(1 << 20)
	require.NoError(t, err)
	_, err = dir.RegisterAllocation(alloc, directory.EqualPolicy, nil, 0, 2)
	require.NoError(t, err)

	task := tasks.New("t", nil, nil, nil)
	// 600 KiB held by node 1, the rest home-based (all 424 KiB in node 1's half).
	moved := region.New(alloc.Start, 600<<10)
	a1 := task.AddAccess(moved, tasks.Read, false)
	a1.UpdateLocation(hardware.GetMemoryPlace(hardware.ClusterDevice, 1))
	rest := region.Region{Start: moved.End, End: alloc.End}
	a2 := task.AddAccess(rest, tasks.Read, false)
	a2.UpdateLocation(hardware.GetDirectoryMemoryPlace())

	require.Equal(t, 1, s.ScheduledNode(task))
}

func TestNonClusterMemoryBlocksOffload(t *testing.T) {
	s, mem, _ := newFixture(t, 2)

	local, err := mem.AllocLocalNUMA(4096, 0)
	require.NoError(t, err)

	task := tasks.New("t", nil, nil, nil)
	task.AddAccess(local, tasks.ReadWrite, false)

	require.Equal(t, NoOffload, s.ScheduledNode(task))
}

func TestAddReadyTaskOffloads(t *testing.T) {
	s, mem, dir := newFixture(t, 2)

	alloc, err := mem.AllocDistrib(1 << 20)
	require.NoError(t, err)
	_, err = dir.RegisterAllocation(alloc, directory.EqualPolicy, nil, 0, 2)
	require.NoError(t, err)

	task := tasks.New("t", nil, nil, nil)
	a := task.AddAccess(alloc, tasks.Read, false)
	a.UpdateLocation(hardware.GetMemoryPlace(hardware.ClusterDevice, 1))

	var offloadedTo int
	s.Offload = func(t *tasks.Task, node int) { offloadedTo = node }

	require.Nil(t, s.AddReadyTask(task, nil, HintNone))
	require.Equal(t, 1, offloadedTo)
	require.Zero(t, s.QueuedTasks())
}

func TestPollingSlotHandoff(t *testing.T) {
	s, _, _ := newFixture(t, 1)

	cpus, err := hardware.Preinitialize()
	require.NoError(t, err)
	s.cpus = cpus
	cpu := cpus.CPU(0)

	require.True(t, s.RequestPolling(cpu))
	require.False(t, s.RequestPolling(cpu), "the slot is exclusive")

	task := tasks.New("t", nil, nil, nil)
	resumed := s.AddReadyTask(task, cpu, HintNone)
	require.Same(t, cpu, resumed, "an open polling slot takes the task directly")
	require.Zero(t, s.QueuedTasks())

	got := s.GetReadyTask(cpu, false, false)
	require.Same(t, task, got)

	// A closed slot routes tasks through the queue again.
	require.Nil(t, s.ReleasePolling(cpu))
	other := tasks.New("o", nil, nil, nil)
	require.Nil(t, s.AddReadyTask(other, cpu, HintNone))
	require.Equal(t, 1, s.QueuedTasks())
}

func TestAddReadyTaskRemoteHintStaysLocal(t *testing.T) {
	s, mem, dir := newFixture(t, 2)

	alloc, err := mem.AllocDistrib(1 << 20)
	require.NoError(t, err)
	_, err = dir.RegisterAllocation(alloc, directory.EqualPolicy, nil, 0, 2)
	require.NoError(t, err)

	task := tasks.New("t", nil, nil, nil)
	a := task.AddAccess(alloc, tasks.Read, false)
	a.UpdateLocation(hardware.GetMemoryPlace(hardware.ClusterDevice, 1))

	s.Offload = func(*tasks.Task, int) { t.Fatal("a task received from a peer must not bounce") }

	// Received tasks execute here regardless of the score.
	require.Nil(t, s.AddReadyTask(task, nil, HintRemote))
	require.Equal(t, 1, s.QueuedTasks())
}
