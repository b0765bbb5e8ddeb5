package runtime

import (
	"context"

	"go.opencensus.io/stats"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/metrics"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/polling"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

func (r *Runtime) registerHandlers() {
	r.services.RegisterHandler(messages.KindTaskNew, r.handleTaskNew)
	r.services.RegisterHandler(messages.KindSatisfiability, r.handleSatisfiability)
	r.services.RegisterHandler(messages.KindDataFetch, r.handleDataFetch)
	r.services.RegisterHandler(messages.KindDataSend, r.handleDataSend)
	r.services.RegisterHandler(messages.KindTaskFinish, r.handleTaskFinish)
	r.services.RegisterHandler(messages.KindSysFinish, r.handleSysFinish)
	r.services.RegisterHandler(messages.KindDmalloc, r.handleDmalloc)
	r.services.RegisterHandler(messages.KindDfree, r.handleDfree)
	r.services.RegisterHandler(messages.KindRelease, r.handleRelease)
}

func (r *Runtime) thisPlace() *hardware.MemoryPlace {
	return hardware.GetMemoryPlace(hardware.ClusterDevice, r.nodes.ThisNode().Index)
}

func placeFromIndex(idx int32) *hardware.MemoryPlace {
	if idx < 0 {
		return nil
	}
	return hardware.GetMemoryPlace(hardware.ClusterDevice, int(idx))
}

// handleTaskNew adopts a task offloaded to this node: rebuild it from
// the wire description, register its accesses into the local
// dependency system (which is what lets sibling offloaded tasks
// propagate satisfiability in the namespace) and apply the
// satisfiability that travelled with it.
func (r *Runtime) handleTaskNew(m messages.Message) {
	msg := m.(*messages.TaskNew)

	r.functionsLk.RLock()
	fn, ok := r.functions[msg.Function]
	r.functionsLk.RUnlock()
	if !ok {
		log.Fatalw("offloaded task names an unregistered function",
			"function", msg.Function, "from", msg.Sender())
	}

	t := r.cache.Alloc(-1).Init(msg.Function, fn, nil, nil)
	t.SetClusterContext(&tasks.ClusterContext{
		RemoteNode:           msg.Sender(),
		OffloadedID:          msg.TaskID,
		NamespacePredecessor: 0,
		Remote:               true,
	})

	type carried struct {
		a    *tasks.DataAccess
		info messages.AccessInfo
	}
	var sat []carried

	for _, ai := range msg.Accesses {
		a := t.AddAccess(ai.Region, taskMode(ai.Mode), ai.Weak)
		a.MarkRegisteredRemotely()
		if loc := placeFromIndex(ai.LocationIndex); loc != nil {
			a.UpdateLocation(loc)
		}
		if ai.WriteID != 0 {
			a.SetWriteID(writeid.WriteID(ai.WriteID))
		}
		if ai.ReadSatisfied || ai.WriteSatisfied {
			sat = append(sat, carried{a: a, info: ai})
		}
	}

	info := &remoteInfo{task: t, offloader: msg.Sender(), id: msg.TaskID}
	if prev, loaded := r.remote.LoadOrStore(uint64(msg.TaskID), info); loaded {
		// Satisfiability outran the TaskNew and parked on a
		// placeholder; adopt the task into it.
		prev.earlyLk.Lock()
		prev.task = t
		prev.earlyLk.Unlock()
		info = prev
	}

	// Registering into the shared dependency system is what lets
	// sibling offloaded tasks propagate satisfiability locally. With
	// the namespace disabled the task stays detached and every edge
	// costs a message from the offloader.
	if r.namespace.PropagatesLocally() {
		r.deps.RegisterTask(t)
	} else {
		r.deps.RegisterDetached(t)
	}

	for _, c := range sat {
		c.a.SetSatisfied(c.info.ReadSatisfied, c.info.WriteSatisfied,
			placeFromIndex(c.info.LocationIndex), writeid.WriteID(c.info.WriteID))
	}

	r.drainEarlySatisfiability(info)
}

func taskMode(m messages.AccessMode) tasks.AccessMode {
	switch m {
	case messages.ModeRead:
		return tasks.Read
	case messages.ModeWrite:
		return tasks.Write
	default:
		return tasks.ReadWrite
	}
}

func (r *Runtime) drainEarlySatisfiability(info *remoteInfo) {
	info.earlyLk.Lock()
	early := info.earlySat
	info.earlySat = nil
	info.earlyLk.Unlock()

	for _, item := range early {
		r.applySatisfiability(info, item)
	}
}

func (r *Runtime) applySatisfiability(info *remoteInfo, item messages.SatisfiabilityItem) {
	loc := placeFromIndex(item.LocationIndex)
	info.task.Accesses(func(a *tasks.DataAccess) bool {
		if a.Region.Intersects(item.Region) {
			a.SetSatisfied(item.Read, item.Write, loc, writeid.WriteID(item.WriteID))
		}
		return true
	})
}

// handleSatisfiability applies satisfiability forwarded by an
// offloader. TaskNew and Satisfiability travel on different kinds, so
// an update may outrun its task; those are parked on a placeholder
// entry until the task arrives.
func (r *Runtime) handleSatisfiability(m messages.Message) {
	msg := m.(*messages.Satisfiability)

	for _, item := range msg.Items {
		info, ok := r.remote.Load(uint64(item.TaskID))
		if !ok {
			placeholder := &remoteInfo{offloader: msg.Sender(), id: item.TaskID}
			info, _ = r.remote.LoadOrStore(uint64(item.TaskID), placeholder)
		}

		info.earlyLk.Lock()
		if info.task == nil {
			info.earlySat = append(info.earlySat, item)
			info.earlyLk.Unlock()
			continue
		}
		info.earlyLk.Unlock()

		r.applySatisfiability(info, item)
	}
}

// handleDataFetch answers a pull request: one DataSend per requested
// fragment, carrying the bytes and the current content version.
func (r *Runtime) handleDataFetch(m messages.Message) {
	msg := m.(*messages.DataFetch)

	for _, frag := range msg.Fragments {
		buf, err := r.mem.Bytes(frag)
		if err != nil {
			log.Fatalw("data fetch for a region outside the reservation",
				"region", frag.String(), "from", msg.Sender(), "error", err)
		}
		payload := make([]byte, len(buf))
		copy(payload, buf)

		_, wid := r.deps.LastVersion(frag)
		out := messages.NewDataSend(r.nodes.ThisNode().Index, msg.Sender(), frag, uint64(wid), payload)
		if err := r.msn.Send(out, msg.Sender(), false); err != nil {
			log.Errorw("answering data fetch failed", "to", msg.Sender(), "error", err)
		}
	}
}

// handleDataSend lands incoming bytes and completes the pending
// transfer awaiting them. Unsolicited sends are eager pushes: the data
// is adopted and its version cached.
func (r *Runtime) handleDataSend(m messages.Message) {
	msg := m.(*messages.DataSend)

	buf, err := r.mem.Bytes(msg.Region)
	if err != nil {
		log.Fatalw("data send for a region outside the reservation",
			"region", msg.Region.String(), "from", msg.Sender(), "error", err)
	}
	copy(buf, msg.Payload)

	stats.Record(context.Background(), metrics.BytesFetched.M(int64(len(msg.Payload))))

	this := r.thisPlace()
	dt, found := r.pending.Extract(func(dt *polling.DataTransfer) bool {
		return dt.Target == this && dt.Region == msg.Region
	})
	if found {
		dt.Complete()
		return
	}

	// Eager push from the producer.
	r.dir.UpdateLocation(msg.Region, this)
	if msg.WriteID != 0 {
		r.wids.RegisterLocal(writeid.WriteID(msg.WriteID), msg.Region)
	}
}

func (r *Runtime) handleTaskFinish(m messages.Message) {
	msg := m.(*messages.TaskFinish)

	info, ok := r.offloaded.Load(uint64(msg.TaskID))
	if !ok {
		log.Fatalw("TaskFinish for an unknown offloaded task",
			"id", msg.TaskID, "from", msg.Sender())
	}
	info.flow.Notify.Finished(msg.Releases)
}

// handleRelease applies a late release of an offloaded task's delayed
// accesses.
func (r *Runtime) handleRelease(m messages.Message) {
	msg := m.(*messages.Release)

	info, ok := r.offloaded.Load(uint64(msg.TaskID))
	if !ok {
		log.Fatalw("Release for an unknown offloaded task",
			"id", msg.TaskID, "from", msg.Sender())
	}

	for _, item := range msg.Items {
		loc := placeFromIndex(item.LocationIndex)
		info.task.Accesses(func(a *tasks.DataAccess) bool {
			if a.Region.Intersects(item.Region) {
				r.deps.CompleteAccess(a, loc, writeid.WriteID(item.WriteID))
			}
			return true
		})
	}
}

func (r *Runtime) handleSysFinish(messages.Message) {
	r.sysFinishOnce.Do(func() {
		close(r.sysFinish)
	})
}

func (r *Runtime) handleDmalloc(m messages.Message) {
	msg := m.(*messages.Dmalloc)

	if err := r.mem.ReserveDistrib(msg.Region); err != nil {
		log.Fatalw("cannot mirror distributed allocation",
			"region", msg.Region.String(), "error", err)
	}
	if _, err := r.dir.RegisterAllocation(
		msg.Region, dirPolicy(msg.Policy), msg.Dimensions,
		msg.Sender(), r.nodes.Size(),
	); err != nil {
		log.Fatalw("registering mirrored allocation failed",
			"region", msg.Region.String(), "error", err)
	}
}

func (r *Runtime) handleDfree(m messages.Message) {
	msg := m.(*messages.Dfree)

	if err := r.dir.UnregisterAllocation(msg.Region); err != nil {
		log.Fatalw("distributed free of unknown region",
			"region", msg.Region.String(), "from", msg.Sender(), "error", err)
	}
	if err := r.mem.FreeDistrib(msg.Region); err != nil {
		log.Fatalw("mirroring distributed free failed",
			"region", msg.Region.String(), "error", err)
	}
}
