package tasks

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
)

var log = logging.Logger("tasks")

// State is the lifecycle position of a task.
type State int32

const (
	Created State = iota
	Ready
	Executing
	Blocked
	Finished
	Released
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Blocked:
		return "blocked"
	case Finished:
		return "finished"
	case Released:
		return "released"
	default:
		return "invalid"
	}
}

// ReleasePolicy is the task's delayed-release discipline.
type ReleasePolicy int32

const (
	// NoWait releases accesses as soon as the task body finishes.
	NoWait ReleasePolicy = iota
	// Autowait delays release of non-local accesses until the
	// children have released theirs.
	Autowait
	// Wait delays release of every access.
	Wait
)

func (p ReleasePolicy) String() string {
	switch p {
	case NoWait:
		return "no_wait"
	case Autowait:
		return "autowait"
	case Wait:
		return "wait"
	default:
		return "invalid"
	}
}

// ClusterContext is set on a task that crossed a node boundary.
type ClusterContext struct {
	// RemoteNode is the node the task was offloaded to (offloader
	// side) or the offloader itself (remote side).
	RemoteNode int

	// OffloadedID names the task across the offloader/remote pair.
	OffloadedID cluster.OffloadedTaskID

	// NamespacePredecessor hints which sibling offloaded task
	// precedes this one in the remote namespace.
	NamespacePredecessor cluster.OffloadedTaskID

	// Remote is set on the node executing the task on behalf of its
	// offloader.
	Remote bool
}

// Task is one unit of dependency-scheduled work.
type Task struct {
	ID      uint64
	SchedID uuid.UUID
	Name    string

	// Body runs on a worker; Args is opaque to the runtime.
	Body func(args interface{})
	Args interface{}

	// Priority orders tasks in the priority ready-queue backend.
	Priority int
	// NUMAHint steers the NUMA-affinity ready-queue backend.
	NUMAHint int

	parent *Task

	accessLk sync.Mutex
	accesses []*DataAccess

	state atomic.Int32

	releasePolicy atomic.Int32

	// unsatisfied counts strong accesses still waiting.
	unsatisfied atomic.Int32
	onReady     func(*Task)

	childLk   sync.Mutex
	childCond *sync.Cond
	children  int

	clusterCtx *ClusterContext

	// CompletionCallback fires when the task releases, on whichever
	// thread performs the release.
	CompletionCallback func()
}

var taskIDCounter atomic.Uint64

func New(name string, body func(args interface{}), args interface{}, parent *Task) *Task {
	return (&Task{}).Init(name, body, args, parent)
}

// Init prepares a (possibly recycled) task object for use.
func (t *Task) Init(name string, body func(args interface{}), args interface{}, parent *Task) *Task {
	t.ID = taskIDCounter.Add(1)
	t.SchedID = uuid.New()
	t.Name = name
	t.Body = body
	t.Args = args
	t.parent = parent
	t.childCond = sync.NewCond(&t.childLk)
	t.state.Store(int32(Created))
	if parent != nil {
		parent.addChild()
	}
	return t
}

func (t *Task) Parent() *Task {
	return t.parent
}

func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) SetState(s State) {
	t.state.Store(int32(s))
}

// AddAccess declares an access. Only legal before registration.
func (t *Task) AddAccess(r region.Region, mode AccessMode, weak bool) *DataAccess {
	a := &DataAccess{
		Region: r,
		Mode:   mode,
		Weak:   weak,
		task:   t,
	}
	t.accessLk.Lock()
	t.accesses = append(t.accesses, a)
	t.accessLk.Unlock()
	return a
}

// Accesses iterates all declared accesses. The callback must not
// re-enter the registry.
func (t *Task) Accesses(fn func(a *DataAccess) bool) {
	t.accessLk.Lock()
	accs := append([]*DataAccess(nil), t.accesses...)
	t.accessLk.Unlock()

	for _, a := range accs {
		if !fn(a) {
			return
		}
	}
}

func (t *Task) AccessCount() int {
	t.accessLk.Lock()
	defer t.accessLk.Unlock()
	return len(t.accesses)
}

func (t *Task) accessBecameSatisfied() {
	if t.unsatisfied.Add(-1) == 0 {
		t.SetState(Ready)
		if t.onReady != nil {
			t.onReady(t)
		}
	}
}

// SetReleasePolicy changes the delayed-release discipline; with
// disableAutowait set, autowait degrades to no-wait.
func (t *Task) SetReleasePolicy(p ReleasePolicy, disableAutowait bool) {
	if p == Autowait && disableAutowait {
		p = NoWait
	}
	t.releasePolicy.Store(int32(p))
}

func (t *Task) GetReleasePolicy() ReleasePolicy {
	return ReleasePolicy(t.releasePolicy.Load())
}

func (t *Task) SetClusterContext(c *ClusterContext) {
	t.clusterCtx = c
}

func (t *Task) ClusterContext() *ClusterContext {
	return t.clusterCtx
}

func (t *Task) addChild() {
	t.childLk.Lock()
	t.children++
	t.childLk.Unlock()
}

func (t *Task) childReleased() {
	t.childLk.Lock()
	t.children--
	if t.children < 0 {
		log.Errorw("child release underflow", "task", t.Name)
	}
	if t.children == 0 {
		t.childCond.Broadcast()
	}
	t.childLk.Unlock()
}

// WaitChildren blocks until every child task has released its
// accesses. This is the taskwait suspension point; the task is marked
// blocked while it waits.
func (t *Task) WaitChildren() {
	prev := t.State()
	t.SetState(Blocked)

	t.childLk.Lock()
	for t.children > 0 {
		t.childCond.Wait()
	}
	t.childLk.Unlock()

	t.SetState(prev)
}

func (t *Task) HasChildren() bool {
	t.childLk.Lock()
	defer t.childLk.Unlock()
	return t.children > 0
}

// DelayedReleaseAccesses returns the accesses whose release must be
// deferred under the task's policy. thisNode identifies local
// locations for the autowait (non-local only) discipline.
func (t *Task) DelayedReleaseAccesses(thisNode int) []*DataAccess {
	policy := t.GetReleasePolicy()
	if policy == NoWait {
		return nil
	}

	var out []*DataAccess
	t.Accesses(func(a *DataAccess) bool {
		if policy == Wait {
			out = append(out, a)
			return true
		}
		loc := a.Location()
		if loc == nil || loc.IsDirectory() || loc.NodeIndex != thisNode {
			out = append(out, a)
		}
		return true
	})
	return out
}

// A released task has completed every access locally and reported it
// to its offloader, if any.
func (t *Task) MarkReleased() {
	t.SetState(Released)
	if t.parent != nil {
		t.parent.childReleased()
	}
	if t.CompletionCallback != nil {
		t.CompletionCallback()
	}
}

// WriteIDForAccess allocates the version a write access publishes.
func WriteIDForAccess(mgr *writeid.Manager, a *DataAccess) writeid.WriteID {
	if a.Mode == Read {
		return a.WriteID()
	}
	id := mgr.Next()
	a.SetWriteID(id)
	return id
}
