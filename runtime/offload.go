package runtime

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/workflow"
)

// offloadedInfo tracks one task this node sent away: its handle, the
// offload workflow awaiting the remote TaskFinish, and the remote
// node.
type offloadedInfo struct {
	task       *tasks.Task
	remoteNode int
	flow       *workflow.Offload
}

// remoteInfo tracks one task this node executes on behalf of a peer.
type remoteInfo struct {
	task      *tasks.Task
	offloader int
	id        cluster.OffloadedTaskID

	// Satisfiability that arrived before the TaskNew did.
	earlyLk  sync.Mutex
	earlySat []messages.SatisfiabilityItem
}

// offloadTask is the scheduler's Offload hook: it stamps the cluster
// context, records the offloaded-task info and builds the workflow
// whose execution step emits the TaskNew message.
func (r *Runtime) offloadTask(t *tasks.Task, targetNode int) {
	id := r.ids.NextOffloadedTaskID()
	t.SetClusterContext(&tasks.ClusterContext{
		RemoteNode:           targetNode,
		OffloadedID:          id,
		NamespacePredecessor: r.namespace.PredecessorFor(targetNode, id),
	})

	info := &offloadedInfo{task: t, remoteNode: targetNode}
	r.offloaded.Store(uint64(id), info)

	info.flow = r.env.BuildOffload(t, func() {
		r.offloadedFinished(id, info)
	})
}

// sendTaskNew is the workflow's OnOffload hook.
func (r *Runtime) sendTaskNew(t *tasks.Task, msg *messages.TaskNew) error {
	ctx := t.ClusterContext()
	if ctx == nil {
		return xerrors.Errorf("task %s has no cluster context", t.Name)
	}
	return r.msn.Send(msg, ctx.RemoteNode, false)
}

// offloadedFinished runs when the notification step has applied the
// remote completion report: complete the offloader-side accesses and
// release the task.
func (r *Runtime) offloadedFinished(id cluster.OffloadedTaskID, info *offloadedInfo) {
	t := info.task
	t.Accesses(func(a *tasks.DataAccess) bool {
		r.deps.CompleteAccess(a, a.Location(), a.WriteID())
		return true
	})
	t.SetState(tasks.Finished)
	t.MarkReleased()
	r.offloaded.Delete(uint64(id))
}

// Namespace is the per-node callback holder that lets satisfiability
// propagate between sibling offloaded tasks locally instead of
// round-tripping to the offloader for every edge.
type Namespace struct {
	enabled              bool
	disableRemote        bool
	disableRemoteConnect bool

	lk   sync.Mutex
	last map[int]cluster.OffloadedTaskID

	callback func()
}

func NewNamespace(enabled, disableRemote, disableRemoteConnect bool) *Namespace {
	return &Namespace{
		enabled:              enabled,
		disableRemote:        disableRemote,
		disableRemoteConnect: disableRemoteConnect,
		last:                 map[int]cluster.OffloadedTaskID{},
	}
}

func (n *Namespace) Enabled() bool {
	return n.enabled
}

// PropagatesLocally reports whether tasks received from a peer join
// the local dependency chains, letting sibling offloaded tasks pass
// satisfiability without round-tripping to the offloader.
func (n *Namespace) PropagatesLocally() bool {
	return n.enabled && !n.disableRemote
}

// PredecessorFor returns the previous task offloaded to node, the
// namespace-predecessor hint, and records id as the new latest. With
// the namespace (or remote connection setup) disabled there is no
// hint and every edge costs a remote message.
func (n *Namespace) PredecessorFor(node int, id cluster.OffloadedTaskID) cluster.OffloadedTaskID {
	if !n.enabled || n.disableRemoteConnect {
		return 0
	}

	n.lk.Lock()
	defer n.lk.Unlock()
	prev := n.last[node]
	n.last[node] = id
	return prev
}

// SetShutdownCallback installs the callback invoked when the master
// announces shutdown.
func (n *Namespace) SetShutdownCallback(cb func()) {
	n.lk.Lock()
	n.callback = cb
	n.lk.Unlock()
}

func (n *Namespace) NotifyShutdown() {
	n.lk.Lock()
	cb := n.callback
	n.callback = nil
	n.lk.Unlock()

	if cb != nil {
		cb()
	}
}

func (n *Namespace) Deallocate() {
	n.lk.Lock()
	n.last = map[int]cluster.OffloadedTaskID{}
	n.callback = nil
	n.lk.Unlock()
}
