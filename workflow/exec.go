package workflow

import (
	"sync"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// ExecutionStep bundles the accumulated per-access satisfiability into
// one TaskNew message and sends it to the selected remote node.
type ExecutionStep struct {
	Step *Step
	env  *Env

	task       *tasks.Task
	targetNode int

	lk    sync.Mutex
	links map[*tasks.DataAccess]messages.AccessInfo
}

func (e *Env) NewExecutionStep(t *tasks.Task, targetNode int) *ExecutionStep {
	es := &ExecutionStep{
		env:        e,
		task:       t,
		targetNode: targetNode,
		links:      map[*tasks.DataAccess]messages.AccessInfo{},
	}
	es.Step = e.Arena.NewStep("execution "+t.Name, es.start)
	return es
}

func (es *ExecutionStep) addDataLink(a *tasks.DataAccess, locationIndex int32, id writeid.WriteID, read, write bool) {
	es.lk.Lock()
	es.links[a] = messages.AccessInfo{
		Region:         a.Region,
		Mode:           wireMode(a.Mode),
		Weak:           a.Weak,
		WriteID:        uint64(id),
		LocationIndex:  locationIndex,
		ReadSatisfied:  read,
		WriteSatisfied: write,
	}
	es.lk.Unlock()
}

func wireMode(m tasks.AccessMode) messages.AccessMode {
	switch m {
	case tasks.Read:
		return messages.ModeRead
	case tasks.Write:
		return messages.ModeWrite
	default:
		return messages.ModeReadWrite
	}
}

func (es *ExecutionStep) start() {
	ctx := es.task.ClusterContext()

	var accs []messages.AccessInfo
	es.lk.Lock()
	es.task.Accesses(func(a *tasks.DataAccess) bool {
		info, ok := es.links[a]
		if !ok {
			info = messages.AccessInfo{
				Region:        a.Region,
				Mode:          wireMode(a.Mode),
				Weak:          a.Weak,
				LocationIndex: -1,
			}
		}
		info.NamespacePredecessor = uint64(ctx.NamespacePredecessor)
		accs = append(accs, info)
		return true
	})
	es.lk.Unlock()

	msg := messages.NewTaskNew(es.env.Msn.NodeIndex(), ctx.OffloadedID, es.task.Name, accs)
	if err := es.env.OnOffload(es.task, msg); err != nil {
		log.Errorw("offloading task failed", "task", es.task.Name, "target", es.targetNode, "error", err)
	}

	es.Step.ReleaseSuccessors()
	es.Step.Complete()
}

// NotificationStep fires when the remote TaskFinish arrives and
// applies the reported access locations.
type NotificationStep struct {
	Step *Step
	env  *Env

	task *tasks.Task

	onFinished func()
}

func (e *Env) NewNotificationStep(t *tasks.Task, onFinished func()) *NotificationStep {
	ns := &NotificationStep{env: e, task: t, onFinished: onFinished}
	ns.Step = e.Arena.NewStep("notification "+t.Name, ns.run)
	// One extra predecessor stands for the remote TaskFinish.
	ns.Step.preds.Add(1)
	return ns
}

// Finished delivers the remote completion report.
func (ns *NotificationStep) Finished(releases []messages.ReleaseItem) {
	for _, rel := range releases {
		loc := ns.env.locationFromIndex(rel.LocationIndex)
		ns.env.Deps.UpdateTaskDataAccessLocation(ns.task, rel.Region, loc, false)
		if rel.WriteID != 0 && loc != nil && !loc.IsDirectory() {
			ns.env.Dir.UpdateLocation(rel.Region, loc)
		}
	}

	if ns.Step.preds.Add(-1) == 0 {
		ns.Step.Start()
	}
}

func (ns *NotificationStep) run() {
	if ns.onFinished != nil {
		ns.onFinished()
	}
	ns.Step.ReleaseSuccessors()
	ns.Step.Complete()
}

func (e *Env) locationFromIndex(idx int32) *hardware.MemoryPlace {
	if idx < 0 {
		return hardware.GetDirectoryMemoryPlace()
	}
	return hardware.GetMemoryPlace(hardware.ClusterDevice, int(idx))
}

// DataReleaseStep reports a delayed-release access region back to the
// offloader so it can propagate the release to successor dependencies.
type DataReleaseStep struct {
	Step *Step
	env  *Env

	taskID    cluster.OffloadedTaskID
	offloader int
	item      messages.ReleaseItem
}

func (e *Env) NewDataReleaseStep(taskID cluster.OffloadedTaskID, offloader int, item messages.ReleaseItem) *DataReleaseStep {
	rs := &DataReleaseStep{env: e, taskID: taskID, offloader: offloader, item: item}
	rs.Step = e.Arena.NewStep("data release "+item.Region.String(), rs.run)
	return rs
}

func (rs *DataReleaseStep) run() {
	msg := messages.NewRelease(rs.env.Msn.NodeIndex(), rs.taskID, []messages.ReleaseItem{rs.item})
	if err := rs.env.Msn.Send(msg, rs.offloader, false); err != nil {
		log.Errorw("sending release failed", "task", rs.taskID, "error", err)
	}
	rs.Step.ReleaseSuccessors()
	rs.Step.Complete()
}
