package runtime

import (
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// workerBody is the loop every bound worker thread runs: pull the next
// ready task, execute it to completion, release its accesses.
func (r *Runtime) workerBody(cpu *hardware.CPU) {
	for {
		select {
		case <-r.cpus.Closing():
			return
		default:
		}

		t := r.sched.GetReadyTask(cpu, true, true)
		if t == nil {
			select {
			case <-r.cpus.Closing():
				return
			default:
				continue
			}
		}

		r.runTask(t, cpu)
	}
}

func (r *Runtime) runTask(t *tasks.Task, cpu *hardware.CPU) {
	t.SetState(tasks.Executing)
	if t.Body != nil {
		t.Body(t.Args)
	}
	t.SetState(tasks.Finished)
	r.finishTask(t, cpu)
}

// finishTask completes the task's accesses. Accesses under a delayed
// release policy wait for the children; the rest complete now and
// cascade satisfiability to their successors.
func (r *Runtime) finishTask(t *tasks.Task, cpu *hardware.CPU) {
	thisNode := r.nodes.ThisNode().Index
	this := r.thisPlace()

	delayed := map[*tasks.DataAccess]bool{}
	if t.HasChildren() {
		for _, a := range t.DelayedReleaseAccesses(thisNode) {
			delayed[a] = true
		}
	}

	var immediate []*tasks.DataAccess
	t.Accesses(func(a *tasks.DataAccess) bool {
		if !delayed[a] {
			immediate = append(immediate, a)
		}
		return true
	})
	for _, a := range immediate {
		r.completeLocalAccess(t, a, this)
	}

	if len(delayed) > 0 {
		// The release cascade continues once every child released.
		go func() {
			t.WaitChildren()
			reported := immediate
			for a := range delayed {
				r.completeLocalAccess(t, a, this)
				if r.env != nil && r.env.MergeReleaseAndFinish {
					reported = append(reported, a)
				} else {
					r.sendLateRelease(t, a)
				}
			}
			r.releaseTask(t, cpu, reported)
		}()
		return
	}

	r.releaseTask(t, cpu, immediate)
}

// completeLocalAccess publishes the version a finishing access leaves
// behind and releases its successors.
func (r *Runtime) completeLocalAccess(t *tasks.Task, a *tasks.DataAccess, this *hardware.MemoryPlace) {
	var wid writeid.WriteID
	if a.Mode != tasks.Read && !a.Weak {
		wid = tasks.WriteIDForAccess(r.wids, a)
		r.wids.RegisterLocal(wid, a.Region)
		if r.mem.IsClusterMemory(a.Region) {
			r.dir.UpdateLocation(a.Region, this)
		}
		if r.env != nil && r.env.EagerSend {
			r.eagerSend(a, wid)
		}
	}
	r.deps.CompleteAccess(a, this, wid)
}

// eagerSend pushes freshly produced data to the home node instead of
// waiting for it to be pulled.
func (r *Runtime) eagerSend(a *tasks.DataAccess, wid writeid.WriteID) {
	homes, err := r.dir.Find(a.Region)
	if err != nil {
		return
	}
	for _, hm := range homes {
		if hm.HomeNode == r.nodes.ThisNode().Index {
			continue
		}
		for _, frag := range r.env.Fragments(hm.Region) {
			buf, err := r.mem.Bytes(frag)
			if err != nil {
				continue
			}
			payload := make([]byte, len(buf))
			copy(payload, buf)
			msg := messages.NewDataSend(r.nodes.ThisNode().Index, hm.HomeNode, frag, uint64(wid), payload)
			if err := r.msn.Send(msg, hm.HomeNode, false); err != nil {
				log.Warnw("eager send failed", "to", hm.HomeNode, "error", err)
			}
		}
	}
}

// sendLateRelease reports one delayed access back to the offloader.
func (r *Runtime) sendLateRelease(t *tasks.Task, a *tasks.DataAccess) {
	ctx := t.ClusterContext()
	if ctx == nil || !ctx.Remote {
		return
	}
	rs := r.env.NewDataReleaseStep(ctx.OffloadedID, ctx.RemoteNode, messages.ReleaseItem{
		Region:        a.Region,
		WriteID:       uint64(a.WriteID()),
		LocationIndex: int32(r.nodes.ThisNode().Index),
	})
	rs.Step.Start()
}

// releaseTask finishes the lifecycle: a task executed for a peer
// reports back with TaskFinish, then the task object is recycled.
func (r *Runtime) releaseTask(t *tasks.Task, cpu *hardware.CPU, reported []*tasks.DataAccess) {
	ctx := t.ClusterContext()

	if ctx != nil && ctx.Remote {
		var releases []messages.ReleaseItem
		for _, a := range reported {
			releases = append(releases, messages.ReleaseItem{
				Region:        a.Region,
				WriteID:       uint64(a.WriteID()),
				LocationIndex: int32(r.nodes.ThisNode().Index),
			})
		}
		msg := messages.NewTaskFinish(r.nodes.ThisNode().Index, ctx.OffloadedID, releases)
		if err := r.msn.Send(msg, ctx.RemoteNode, false); err != nil {
			log.Errorw("reporting task finish failed", "task", t.Name, "error", err)
		}
		r.remote.Delete(uint64(ctx.OffloadedID))

		t.MarkReleased()
		if cpu != nil {
			r.cache.Free(cpu.VirtualID, t)
		}
		return
	}

	t.MarkReleased()
}
