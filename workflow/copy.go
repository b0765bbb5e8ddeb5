package workflow

import (
	"sync/atomic"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/polling"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// DataCopyStep pulls the content of one access region to this node
// before its task executes here. The transfer is fragmented at the
// maximum message size; fragment completions are counted down.
type DataCopyStep struct {
	Step *Step
	env  *Env

	source *hardware.MemoryPlace
	target *hardware.MemoryPlace

	fullRegion region.Region
	fragments  []region.Region

	task    *tasks.Task
	writeID writeid.WriteID

	isTaskwait bool
	isWeak     bool
	// needsTransfer: the data is elsewhere and must move.
	// registerLocation: only the location record changes, no bytes.
	needsTransfer    bool
	registerLocation bool

	nFragments atomic.Int32
}

func (e *Env) NewDataCopyStep(
	source, target *hardware.MemoryPlace,
	r region.Region,
	t *tasks.Task,
	id writeid.WriteID,
	isTaskwait, isWeak, needsTransfer, registerLocation bool,
) *DataCopyStep {
	cs := &DataCopyStep{
		env:              e,
		source:           source,
		target:           target,
		fullRegion:       r,
		task:             t,
		writeID:          id,
		isTaskwait:       isTaskwait,
		isWeak:           isWeak,
		needsTransfer:    needsTransfer,
		registerLocation: registerLocation,
	}
	cs.fragments = e.Fragments(r)
	cs.nFragments.Store(int32(len(cs.fragments)))
	cs.Step = e.Arena.NewStep("data copy "+r.String(), nil)
	return cs
}

func (cs *DataCopyStep) Fragments() []region.Region {
	return cs.fragments
}

// RequiresDataFetch decides how the data arrives. It returns true
// when the caller must issue a network fetch for this step; in every
// other case the step has already arranged its completion:
//
//   - the write-id cache holds the version (late match): register the
//     location only;
//   - a pending transfer with the same target fully contains the
//     region: piggy-back a completion callback on it;
//   - no transfer was needed in the first place.
func (cs *DataCopyStep) RequiresDataFetch() bool {
	lateWriteID := false
	if cs.needsTransfer && cs.env.WriteIDs.CheckLocal(cs.writeID, cs.fullRegion) {
		lateWriteID = true
	}

	if cs.registerLocation || lateWriteID {
		cs.env.Deps.UpdateTaskDataAccessLocation(cs.task, cs.fullRegion, cs.target, cs.isTaskwait)
	}

	if !cs.needsTransfer || lateWriteID {
		cs.Step.Start()
		cs.Step.ReleaseSuccessors()
		cs.Step.Complete()
		return false
	}

	// The same data may already be on the way, e.g. several tasks
	// with an in dependency on one region offloaded around the same
	// time. Outgoing transfers share the queue, so the target check
	// matters.
	handled := cs.env.Pending.CheckPending(func(dt *polling.DataTransfer) bool {
		if dt.Target == cs.target && cs.fullRegion.FullyContainedIn(dt.Region) {
			dt.AddCompletionCallback(func() {
				cs.env.Deps.UpdateTaskDataAccessLocation(cs.task, cs.fullRegion, cs.target, cs.isTaskwait)
				cs.Step.Start()
				cs.Step.ReleaseSuccessors()
				cs.Step.Complete()
			})
			return true
		}
		return false
	})

	return !handled
}

// fragmentDone accounts one completed fragment; the last one updates
// the access location, publishes the write id locally and completes
// the step.
func (cs *DataCopyStep) fragmentDone() {
	if cs.nFragments.Add(-1) != 0 {
		return
	}

	cs.env.Deps.UpdateTaskDataAccessLocation(cs.task, cs.fullRegion, cs.target, cs.isTaskwait)
	cs.env.WriteIDs.RegisterLocal(cs.writeID, cs.fullRegion)

	cs.Step.Start()
	cs.Step.ReleaseSuccessors()
	cs.Step.Complete()
}
