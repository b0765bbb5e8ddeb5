package workflow

import (
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// Offload is the workflow of one task sent to a remote node.
type Offload struct {
	Exec   *ExecutionStep
	Notify *NotificationStep
	Links  []*DataLinkStep
}

// BuildOffload constructs and starts the offload workflow: one data
// link step per access feeding the execution step, whose completion
// chains into the notification step awaiting the remote TaskFinish.
//
// The task's cluster context must already name the remote node and the
// offloaded task id.
func (e *Env) BuildOffload(t *tasks.Task, onFinished func()) *Offload {
	ctx := t.ClusterContext()

	of := &Offload{
		Exec: e.NewExecutionStep(t, ctx.RemoteNode),
	}
	of.Notify = e.NewNotificationStep(t, onFinished)
	of.Exec.Step.AddSuccessor(of.Notify.Step)

	t.Accesses(func(a *tasks.DataAccess) bool {
		ls := e.NewDataLinkStep(t, a, of.Exec, ctx.RemoteNode)
		of.Links = append(of.Links, ls)
		// Installing the link replays any satisfiability that already
		// arrived into the step.
		a.SetLink(ls)
		return true
	})

	for _, ls := range of.Links {
		ls.Step.Start()
	}
	return of
}

// BuildLocalFetch arranges the data movement needed to execute t on
// this node: one copy step per access whose data lives elsewhere, all
// gating an execution gate that calls ready. Fetches with a common
// source share one DataFetch message.
//
// The returned count is the number of copy steps that issued or
// joined a transfer; zero means ready ran synchronously.
func (e *Env) BuildLocalFetch(t *tasks.Task, isTaskwait bool, ready func()) int {
	thisNode := e.Msn.NodeIndex()
	target := e.thisPlace()

	gate := e.Arena.NewStep("execution gate "+t.Name, nil)
	gate.run = func() {
		ready()
		gate.ReleaseSuccessors()
		gate.Complete()
	}
	// A guard predecessor keeps the gate from firing mid-build.
	gate.preds.Add(1)

	var copies []*DataCopyStep
	t.Accesses(func(a *tasks.DataAccess) bool {
		if a.Weak && !e.EagerWeakFetch {
			return true
		}

		loc := a.Location()
		switch {
		case loc == nil || loc.IsDirectory():
			// Home-based data: nothing moves, the location record
			// changes to this node.
			cs := e.NewDataCopyStep(loc, target, a.Region, t, a.WriteID(),
				isTaskwait, a.Weak, false, true)
			copies = append(copies, cs)
		case loc.NodeIndex == thisNode:
			// Already local.
		default:
			cs := e.NewDataCopyStep(loc, target, a.Region, t, a.WriteID(),
				isTaskwait, a.Weak, true, false)
			copies = append(copies, cs)
		}
		return true
	})

	for _, cs := range copies {
		cs.Step.AddSuccessor(gate)
	}

	// Resolve register-only and coalesced steps first, then batch the
	// remaining fetches by source node.
	bySource := map[int][]*DataCopyStep{}
	pending := 0
	for _, cs := range copies {
		if !cs.RequiresDataFetch() {
			if cs.Step.State() != StepDone {
				pending++ // piggy-backed on an in-flight transfer
			}
			continue
		}
		bySource[cs.source.NodeIndex] = append(bySource[cs.source.NodeIndex], cs)
		pending++
	}
	for source, group := range bySource {
		if err := e.FetchVector(group, source); err != nil {
			log.Errorw("issuing data fetch failed", "task", t.Name, "source", source, "error", err)
		}
	}

	if gate.preds.Add(-1) == 0 {
		gate.Start()
	}
	return pending
}
