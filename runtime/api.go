package runtime

import (
	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/directory"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// AccessSpec declares one dependency of a task being spawned.
type AccessSpec struct {
	Region region.Region
	Mode   tasks.AccessMode
	Weak   bool
}

// RegisterFunction publishes a task implementation under a name every
// node resolves identically. Offloadable tasks must be registered on
// all nodes before work starts.
func (r *Runtime) RegisterFunction(name string, fn func(args interface{})) error {
	r.functionsLk.Lock()
	defer r.functionsLk.Unlock()
	if _, dup := r.functions[name]; dup {
		return xerrors.Errorf("function %q registered twice", name)
	}
	r.functions[name] = fn
	return nil
}

// SpawnFunction creates a task and hands it to the dependency system;
// it becomes ready once its accesses are satisfied. The completion
// callback fires when the task (and its delayed releases) released.
func (r *Runtime) SpawnFunction(
	name string,
	fn func(args interface{}),
	args interface{},
	completion func(),
	parent *tasks.Task,
	accs []AccessSpec,
) (*tasks.Task, error) {
	if !r.initialized {
		return nil, xerrors.New("runtime not initialized")
	}

	if fn == nil {
		r.functionsLk.RLock()
		fn = r.functions[name]
		r.functionsLk.RUnlock()
		if fn == nil {
			return nil, xerrors.Errorf("no function registered as %q", name)
		}
	}

	t := r.cache.Alloc(-1).Init(name, fn, args, parent)
	t.CompletionCallback = completion
	for _, spec := range accs {
		t.AddAccess(spec.Region, spec.Mode, spec.Weak)
	}

	r.deps.RegisterTask(t)
	return t, nil
}

// Taskwait blocks until every child of t has released its accesses.
func (r *Runtime) Taskwait(t *tasks.Task) {
	t.WaitChildren()
}

// SetEarlyRelease changes the task's delayed-release discipline.
// cluster.disable_autowait degrades autowait to no-wait.
func (r *Runtime) SetEarlyRelease(t *tasks.Task, p tasks.ReleasePolicy) {
	t.SetReleasePolicy(p, r.cfg.Cluster.DisableAutowait)
}

func dirPolicy(wire uint8) directory.Policy {
	switch wire {
	case 1:
		return directory.LocalPolicy
	case 2:
		return directory.CyclicPolicy
	default:
		return directory.EqualPolicy
	}
}

func wirePolicy(p directory.Policy) uint8 {
	switch p {
	case directory.LocalPolicy:
		return 1
	case directory.CyclicPolicy:
		return 2
	default:
		return 0
	}
}

// Dmalloc performs a cluster-wide distributed allocation: the region
// is carved here, registered in the directory under the distribution
// policy, and announced to every peer.
func (r *Runtime) Dmalloc(size uint64, policy directory.Policy, dims []uint64) (region.Region, error) {
	reg, err := r.mem.AllocDistrib(size)
	if err != nil {
		return region.Region{}, xerrors.Errorf("distributed allocation of %d bytes: %w", size, err)
	}

	if _, err := r.dir.RegisterAllocation(reg, policy, dims, r.nodes.ThisNode().Index, r.nodes.Size()); err != nil {
		return region.Region{}, err
	}

	if r.nodes.InClusterMode() {
		for i := 0; i < r.nodes.Size(); i++ {
			if i == r.nodes.ThisNode().Index {
				continue
			}
			msg := messages.NewDmalloc(r.nodes.ThisNode().Index, reg, wirePolicy(policy), dims)
			if err := r.msn.Send(msg, i, true); err != nil {
				return region.Region{}, xerrors.Errorf("announcing dmalloc to node %d: %w", i, err)
			}
		}
	}
	return reg, nil
}

// Dfree releases a distributed allocation cluster-wide.
func (r *Runtime) Dfree(reg region.Region) error {
	if err := r.dir.UnregisterAllocation(reg); err != nil {
		return err
	}
	if err := r.mem.FreeDistrib(reg); err != nil {
		return err
	}

	if r.nodes.InClusterMode() {
		for i := 0; i < r.nodes.Size(); i++ {
			if i == r.nodes.ThisNode().Index {
				continue
			}
			msg := messages.NewDfree(r.nodes.ThisNode().Index, reg)
			if err := r.msn.Send(msg, i, true); err != nil {
				return xerrors.Errorf("announcing dfree to node %d: %w", i, err)
			}
		}
	}
	return nil
}

// Lmalloc allocates node-local memory on the given NUMA node.
func (r *Runtime) Lmalloc(size uint64, numaNode int) (region.Region, error) {
	return r.mem.AllocLocalNUMA(size, numaNode)
}

// Lfree releases node-local memory.
func (r *Runtime) Lfree(reg region.Region, numaNode int) error {
	return r.mem.FreeLocalNUMA(reg, numaNode)
}
