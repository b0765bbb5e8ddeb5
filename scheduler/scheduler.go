// Package scheduler decides where ready tasks run: on a local CPU or
// offloaded to the cluster node holding most of their data.
package scheduler

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
	"go.opencensus.io/stats"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/directory"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/vmm"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/metrics"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

var log = logging.Logger("scheduler")

// NoOffload is returned by the locality decision when a task must run
// on this node.
const NoOffload = -1

// Hint accompanies AddReadyTask with where the task came from.
type Hint int

const (
	HintNone Hint = iota
	HintUnblocked
	HintRemote
)

// Scheduler routes ready tasks. Offload and PrepareLocal are installed
// by the runtime: the first builds the cross-node workflow, the second
// arranges local data fetches before a task is queued.
type Scheduler struct {
	nodes *cluster.Registry
	mem   *vmm.Manager
	dir   *directory.Directory
	cpus  *hardware.CPUManager

	queue ReadyQueue

	Offload      func(t *tasks.Task, targetNode int)
	PrepareLocal func(t *tasks.Task, ready func())
}

func New(
	nodes *cluster.Registry,
	mem *vmm.Manager,
	dir *directory.Directory,
	cpus *hardware.CPUManager,
	queue ReadyQueue,
) *Scheduler {
	return &Scheduler{
		nodes: nodes,
		mem:   mem,
		dir:   dir,
		cpus:  cpus,
		queue: queue,
	}
}

// ScheduledNode walks the task's accesses and scores each node by the
// bytes it holds: home-node partitions for directory-tracked data,
// the owning node otherwise. The first maximum wins. A task touching
// anything outside cluster memory is not offloadable.
func (s *Scheduler) ScheduledNode(t *tasks.Task) int {
	size := s.nodes.Size()
	bytes := make([]uint64, size)
	offloadable := true

	t.Accesses(func(a *tasks.DataAccess) bool {
		if !s.mem.IsClusterMemory(a.Region) {
			offloadable = false
			return false
		}

		loc := a.Location()
		if loc == nil {
			if !a.Weak {
				log.Warnw("strong access with no location", "task", t.Name, "region", a.Region.String())
			}
			loc = hardware.GetDirectoryMemoryPlace()
		}

		if loc.IsDirectory() {
			homes, err := s.dir.Find(a.Region)
			if err != nil {
				// Unregistered region: score it to this node.
				bytes[s.nodes.ThisNode().Index] += a.Region.Size()
				return true
			}
			for _, hm := range homes {
				bytes[hm.HomeNode] += hm.Region.Size()
			}
		} else {
			bytes[loc.NodeIndex] += a.Region.Size()
		}
		return true
	})

	if !offloadable {
		return NoOffload
	}

	best := 0
	for i, b := range bytes {
		if b > bytes[best] {
			best = i
		}
	}

	log.Debugw("locality decision", "task", t.Name, "node", best, "total", lo.Sum(bytes))
	return best
}

// AddReadyTask routes a task that just became ready. When the task
// stays local and the origin CPU holds an open polling slot, the task
// is deposited there and the CPU returned for immediate resumption;
// otherwise it is queued and an idle CPU is woken.
func (s *Scheduler) AddReadyTask(t *tasks.Task, origin *hardware.CPU, hint Hint) *hardware.CPU {
	done := metrics.Timer(context.Background(), metrics.SchedulerLatency)
	defer done()

	if hint != HintRemote && s.nodes.InClusterMode() && s.Offload != nil {
		if node := s.ScheduledNode(t); node != NoOffload && node != s.nodes.ThisNode().Index {
			stats.Record(context.Background(), metrics.TasksOffloaded.M(1))
			s.Offload(t, node)
			return nil
		}
	}

	var resumed *hardware.CPU
	enqueue := func() {
		if origin != nil && origin.DepositTask(t) {
			resumed = origin
			return
		}
		s.queue.Push(t)
		if s.cpus != nil {
			s.cpus.WakeOne()
		}
	}

	if s.PrepareLocal != nil {
		// The data-fetch gate may fire synchronously or from a
		// transfer completion later; only the synchronous path can
		// resume the origin CPU.
		s.PrepareLocal(t, enqueue)
	} else {
		enqueue()
	}
	return resumed
}

// GetReadyTask hands the next task to a worker. With wait set the
// worker goes idle on its CPU condition until a task is pushed or the
// pool shuts down.
func (s *Scheduler) GetReadyTask(cpu *hardware.CPU, canIdle, wait bool) *tasks.Task {
	for {
		if deposited := cpu.TakeDeposited(false); deposited != nil {
			return deposited.(*tasks.Task)
		}
		if t, ok := s.queue.Pop(cpu.NUMANode); ok {
			return t
		}

		if !wait {
			return nil
		}

		select {
		case <-s.cpus.Closing():
			return nil
		default:
		}

		if canIdle {
			s.cpus.MarkIdle(cpu)
		}
		cpu.Sleep()
		s.cpus.Unidle(cpu)
	}
}

// RequestPolling registers the CPU's interest in being handed the
// next task directly, without going fully idle.
func (s *Scheduler) RequestPolling(cpu *hardware.CPU) bool {
	return cpu.RequestPollingSlot()
}

// ReleasePolling closes the CPU's polling slot, returning any task
// that was deposited in the meantime.
func (s *Scheduler) ReleasePolling(cpu *hardware.CPU) *tasks.Task {
	if t := cpu.TakeDeposited(true); t != nil {
		return t.(*tasks.Task)
	}
	return nil
}

func (s *Scheduler) QueuedTasks() int {
	return s.queue.Len()
}
