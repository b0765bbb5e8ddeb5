// Package runtime assembles the cluster task runtime: one Runtime
// value owns every service (node registry, messenger, memory layout,
// directory, dependency system, scheduler, polling) and is passed by
// handle to the components that need it.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/puzpuzpuz/xsync/v2"
	"go.opencensus.io/stats"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messenger"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/config"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/directory"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/vmm"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/metrics"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/polling"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/scheduler"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/workflow"
)

var log = logging.Logger("runtime")

// Runtime is the per-process runtime instance.
type Runtime struct {
	cfg *config.Config

	nodes *cluster.Registry
	ids   *cluster.IDManager
	msn   messenger.Messenger // nil in single-node mode

	mem  *vmm.Manager
	dir  *directory.Directory
	wids *writeid.Manager

	deps  *tasks.DependencySystem
	cache *tasks.ObjectCache

	cpus  *hardware.CPUManager
	sched *scheduler.Scheduler

	pending  *polling.PendingQueue[*polling.DataTransfer]
	services *polling.Services

	env       *workflow.Env
	namespace *Namespace

	offloaded *xsync.MapOf[uint64, *offloadedInfo]
	remote    *xsync.MapOf[uint64, *remoteInfo]

	functionsLk sync.RWMutex
	functions   map[string]func(args interface{})

	info *RuntimeInfo

	hybrid *HybridInterfaceFile

	sysFinish     chan struct{}
	sysFinishOnce sync.Once

	initialized bool
	stopped     bool
}

// New builds the runtime up to the messenger and the node registry,
// the parts needed before anything else. Call Init to bring up the
// rest.
func New(cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}

	r := newCommon(cfg)

	if cfg.Cluster.Communication == "disabled" {
		r.nodes = cluster.NewSingleNodeRegistry()
		r.ids = cluster.NewIDManager(0, 1)
		return r, nil
	}

	r.ids = cluster.NewIDManager(cfg.Cluster.NodeIndex, len(cfg.Cluster.Peers))
	msn, err := messenger.New(cfg.Cluster.Communication, messenger.Params{
		NodeIndex:   cfg.Cluster.NodeIndex,
		MasterIndex: cfg.Cluster.MasterIndex,
		Peers:       cfg.Cluster.Peers,
		NextID:      r.ids.NextMessageID,
	})
	if err != nil {
		return nil, xerrors.Errorf("creating messenger: %w", err)
	}
	return r.adoptMessenger(msn)
}

// NewWithMessenger builds a runtime over an externally created
// messenger, e.g. a loopback group in tests.
func NewWithMessenger(cfg *config.Config, msn messenger.Messenger) (*Runtime, error) {
	r := newCommon(cfg)
	r.ids = cluster.NewIDManager(msn.NodeIndex(), msn.ClusterSize())
	return r.adoptMessenger(msn)
}

func newCommon(cfg *config.Config) *Runtime {
	r := &Runtime{
		cfg:       cfg,
		pending:   polling.NewPendingQueue[*polling.DataTransfer](),
		offloaded: xsync.NewIntegerMapOf[uint64, *offloadedInfo](),
		remote:    xsync.NewIntegerMapOf[uint64, *remoteInfo](),
		functions: map[string]func(args interface{}){},
		info:      NewRuntimeInfo(),
		sysFinish: make(chan struct{}),
	}
	applyLogLevels(cfg.Logging.SubsystemLevels)
	return r
}

func (r *Runtime) adoptMessenger(msn messenger.Messenger) (*Runtime, error) {
	r.msn = msn

	nodes, err := cluster.NewRegistry(msn.NodeIndex(), msn.MasterIndex(), msn.ClusterSize())
	if err != nil {
		return nil, xerrors.Errorf("building node registry: %w", err)
	}
	r.nodes = nodes

	if err := msn.SynchronizeAll(); err != nil {
		return nil, xerrors.Errorf("initial cluster synchronization: %w", err)
	}
	return r, nil
}

func applyLogLevels(levels map[string]string) {
	for subsys, level := range levels {
		if err := logging.SetLogLevel(subsys, level); err != nil {
			log.Warnw("ignoring log level", "subsystem", subsys, "level", level, "error", err)
		}
	}
}

// Init brings up memory management, the dependency system, workers,
// the scheduler and the polling services.
func (r *Runtime) Init() error {
	if r.initialized {
		return xerrors.New("runtime initialized twice")
	}

	cpus, err := hardware.Preinitialize()
	if err != nil {
		return xerrors.Errorf("probing CPUs: %w", err)
	}
	r.cpus = cpus

	mem, err := vmm.New(
		vmm.DefaultBase,
		r.cfg.Memory.DistribSize.Bytes(),
		r.cfg.Memory.LocalSize.Bytes(),
		cpus.NUMANodeCount(),
	)
	if err != nil {
		return xerrors.Errorf("reserving cluster address space: %w", err)
	}
	r.mem = mem
	r.dir = directory.New()

	wids, err := writeid.NewManager(
		r.nodes.ThisNode().Index, r.nodes.Size(), r.cfg.Memory.WriteIDCacheSize)
	if err != nil {
		return xerrors.Errorf("creating write id manager: %w", err)
	}
	r.wids = wids

	r.deps = tasks.NewDependencySystem(r.taskBecameReady, r.cfg.Cluster.DisableAutowait)

	var cpuNUMA []int
	for _, cpu := range cpus.CPUs() {
		cpuNUMA = append(cpuNUMA, cpu.NUMANode)
	}
	r.cache = tasks.NewObjectCache(cpuNUMA, cpus.NUMANodeCount())

	queue, err := scheduler.NewReadyQueue(r.cfg.Scheduler.Policy, cpus.NUMANodeCount())
	if err != nil {
		return err
	}
	r.sched = scheduler.New(r.nodes, r.mem, r.dir, r.cpus, queue)
	r.sched.Offload = r.offloadTask
	r.namespace = NewNamespace(
		r.cfg.Cluster.UseNamespace,
		r.cfg.Cluster.DisableRemote,
		r.cfg.Cluster.DisableRemoteConnect,
	)

	if r.nodes.InClusterMode() {
		r.env = &workflow.Env{
			Nodes:                 r.nodes,
			IDs:                   r.ids,
			WriteIDs:              r.wids,
			Dir:                   r.dir,
			Deps:                  r.deps,
			Msn:                   r.msn,
			Pending:               r.pending,
			Arena:                 workflow.NewArena(),
			MaxMessageSize:        r.cfg.Cluster.MessageMaxSize.Bytes(),
			EagerWeakFetch:        r.cfg.Cluster.EagerWeakFetch,
			EagerSend:             r.cfg.Cluster.EagerSend,
			MergeReleaseAndFinish: r.cfg.Cluster.MergeReleaseAndFinish,
			OnOffload:             r.sendTaskNew,
		}
		r.sched.PrepareLocal = func(t *tasks.Task, ready func()) {
			r.env.BuildLocalFetch(t, false, ready)
		}

		r.services = polling.NewServices(r.msn)
		r.registerHandlers()
		if r.cfg.Cluster.ServicesInTask {
			r.services.StartInTasks(r.spawnInternal, r.cfg.Cluster.NumMessageHandlerWorkers)
		} else {
			r.services.Start(r.cfg.Cluster.NumMessageHandlerWorkers)
		}
	}

	r.cpus.Initialize(r.workerBody)

	if r.cfg.Hybrid.Directory != "" {
		hybrid, err := NewHybridInterfaceFile(
			r.cfg.Hybrid.Directory, r.cfg.Hybrid.ExternalRank, r.cfg.Hybrid.ApprankNum)
		if err != nil {
			return xerrors.Errorf("hybrid interface: %w", err)
		}
		hybrid.Start(time.Second, func() float64 {
			return float64(r.cpus.TotalCPUs() - r.cpus.IdleCount())
		})
		r.hybrid = hybrid
	}

	r.addRuntimeInfoEntries()
	r.initialized = true

	log.Infow("runtime initialized",
		"node", r.nodes.ThisNode().Index,
		"cluster_size", r.nodes.Size(),
		"cpus", cpus.TotalCPUs())
	return nil
}

func (r *Runtime) Nodes() *cluster.Registry   { return r.nodes }
func (r *Runtime) Memory() *vmm.Manager       { return r.mem }
func (r *Runtime) Directory() *directory.Directory {
	return r.dir
}
func (r *Runtime) InClusterMode() bool { return r.nodes.InClusterMode() }
func (r *Runtime) IsMaster() bool      { return r.nodes.IsMaster() }

// taskBecameReady is the dependency system's readiness callback.
func (r *Runtime) taskBecameReady(t *tasks.Task) {
	stats.Record(context.Background(), metrics.TasksCreated.M(1))

	hint := scheduler.HintNone
	if ctx := t.ClusterContext(); ctx != nil && ctx.Remote {
		hint = scheduler.HintRemote
	}
	r.sched.AddReadyTask(t, nil, hint)
}

// spawnInternal runs a service body as a detached internal task.
func (r *Runtime) spawnInternal(name string, body func()) {
	t := tasks.New(name, func(interface{}) { body() }, nil, nil)
	go func() {
		t.SetState(tasks.Executing)
		t.Body(nil)
		t.SetState(tasks.Finished)
		t.MarkReleased()
	}()
}

// ShutdownPhase1 stops the polling services, runs the cluster-wide
// finish protocol and closes the messenger.
func (r *Runtime) ShutdownPhase1() error {
	if r.stopped {
		return nil
	}
	r.stopped = true

	var errs error

	if r.nodes.InClusterMode() {
		if r.namespace.Enabled() && r.nodes.IsMaster() {
			r.namespace.NotifyShutdown()
		}

		if r.nodes.IsMaster() {
			for i := 0; i < r.nodes.Size(); i++ {
				if i == r.nodes.ThisNode().Index {
					continue
				}
				msg := messages.NewSysFinish(r.nodes.ThisNode().Index)
				if err := r.msn.Send(msg, i, true); err != nil {
					errs = multierr.Append(errs, xerrors.Errorf("sending SysFinish to node %d: %w", i, err))
				}
			}
		} else {
			// Slaves wait for the master's finish message before
			// tearing anything down.
			<-r.sysFinish
		}

		if err := r.msn.SynchronizeAll(); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("final synchronization: %w", err))
		}

		r.services.Shutdown()
		if n := r.pending.Len(); n != 0 {
			errs = multierr.Append(errs, xerrors.Errorf("%d transfers still pending after drain", n))
		}
	}

	r.cpus.Shutdown()

	if r.msn != nil {
		if err := r.msn.Shutdown(); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("messenger shutdown: %w", err))
		}
	}
	return errs
}

// ShutdownPhase2 releases the remaining state and emits the runtime
// report.
func (r *Runtime) ShutdownPhase2() error {
	if r.hybrid != nil {
		r.hybrid.Stop()
	}
	r.namespace.Deallocate()

	r.offloaded.Range(func(k uint64, _ *offloadedInfo) bool {
		log.Warnw("offloaded task never finished", "id", k)
		return true
	})

	return r.info.Report()
}

// Shutdown runs both phases.
func (r *Runtime) Shutdown() error {
	return multierr.Append(r.ShutdownPhase1(), r.ShutdownPhase2())
}

func (r *Runtime) addRuntimeInfoEntries() {
	r.info.Add(EntryString, "cluster_communication", r.cfg.Cluster.Communication, "", "Cluster Communication Implementation")
	r.info.Add(EntryLong, "cluster_size", fmt.Sprintf("%d", r.nodes.Size()), "nodes", "Cluster Size")
	r.info.Add(EntryLong, "message_max_size", fmt.Sprintf("%d", r.cfg.Cluster.MessageMaxSize.Bytes()), "bytes", "Transfer Fragmentation Threshold")
	r.info.Add(EntryString, "cpu_mask", r.cpus.MaskRegionList(), "", "Admitted CPUs")
	r.info.Add(EntryLong, "num_cpus", fmt.Sprintf("%d", r.cpus.TotalCPUs()), "cpus", "Total CPUs")
	r.info.Add(EntryString, "scheduler_policy", r.cfg.Scheduler.Policy, "", "Ready Queue Policy")
}
