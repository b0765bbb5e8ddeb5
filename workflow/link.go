package workflow

import (
	"sync"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// DataLinkStep carries satisfiability for one access of an offloaded
// task from this node to the remote namespace. Satisfiability known at
// offload time travels inside the TaskNew message; anything arriving
// later is forwarded as Satisfiability messages.
//
// LinkRegion decrements the remaining byte counter and start reads it;
// both do so under the step lock and agree on who completes the step:
// the counter reaches zero exactly once.
type DataLinkStep struct {
	Step *Step
	env  *Env

	task   *tasks.Task
	access *tasks.DataAccess
	exec   *ExecutionStep

	targetNode int

	lk sync.Mutex

	// Snapshot carried into the TaskNew message.
	location *hardware.MemoryPlace
	writeID  writeid.WriteID
	read     bool
	write    bool

	accountedRead  bool
	accountedWrite bool

	bytesToLink uint64
	started     bool
}

func (e *Env) NewDataLinkStep(t *tasks.Task, a *tasks.DataAccess, exec *ExecutionStep, targetNode int) *DataLinkStep {
	ls := &DataLinkStep{
		env:         e,
		task:        t,
		access:      a,
		exec:        exec,
		targetNode:  targetNode,
		bytesToLink: 2 * a.Region.Size(),
	}
	ls.Step = e.Arena.NewStep("data link "+a.Region.String(), ls.start)
	ls.Step.AddSuccessor(exec.Step)
	return ls
}

// LinkRegion receives satisfiability for the access, either replayed
// at installation time or delivered later by the dependency system.
// Duplicate deliveries are idempotent.
func (ls *DataLinkStep) LinkRegion(r region.Region, location *hardware.MemoryPlace, id writeid.WriteID, read, write bool) {
	size := r.Size()

	ls.lk.Lock()

	newRead := read && !ls.accountedRead
	newWrite := write && !ls.accountedWrite
	if !newRead && !newWrite {
		ls.lk.Unlock()
		return
	}

	if newRead {
		ls.accountedRead = true
		ls.bytesToLink -= size
	}
	if newWrite {
		ls.accountedWrite = true
		ls.bytesToLink -= size
	}

	if !ls.started {
		// Not sent yet: fold into the TaskNew snapshot.
		ls.read = ls.read || read
		ls.write = ls.write || write
		ls.location = location
		if id != 0 {
			ls.writeID = id
		}
		ls.lk.Unlock()
		return
	}

	// Already offloaded: forward to the remote namespace. Write
	// satisfiability can outrun read satisfiability; the location is
	// unknown then and -1 says so.
	locationIndex := int32(-1)
	if location != nil && !location.IsDirectory() {
		locationIndex = int32(location.NodeIndex)
	}

	done := ls.bytesToLink == 0
	ctx := ls.task.ClusterContext()
	ls.lk.Unlock()

	item := messages.SatisfiabilityItem{
		TaskID:        ctx.OffloadedID,
		Region:        r,
		Read:          newRead,
		Write:         newWrite,
		WriteID:       uint64(id),
		LocationIndex: locationIndex,
	}
	msg := messages.NewSatisfiability(ls.env.Msn.NodeIndex(), []messages.SatisfiabilityItem{item})
	if err := ls.env.Msn.Send(msg, ls.targetNode, false); err != nil {
		log.Errorw("forwarding satisfiability failed", "task", ls.task.Name, "error", err)
	}

	if done {
		ls.Step.Complete()
	}
}

// start feeds the satisfiability snapshot into the execution step and
// releases it. If everything is already linked the step completes
// here; otherwise LinkRegion completes it when the last bytes link.
func (ls *DataLinkStep) start() {
	ls.lk.Lock()

	locationIndex := int32(-1)
	if ls.location != nil && !ls.location.IsDirectory() {
		locationIndex = int32(ls.location.NodeIndex)
	}

	ls.exec.addDataLink(ls.access, locationIndex, ls.writeID, ls.read, ls.write)

	ls.started = true
	done := ls.bytesToLink == 0

	// Release the successor before dropping the lock so a concurrent
	// LinkRegion cannot observe the counter first and complete the
	// step under us.
	ls.Step.ReleaseSuccessors()
	ls.lk.Unlock()

	if done {
		ls.Step.Complete()
	}
}
