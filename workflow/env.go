package workflow

import (
	"context"

	"go.opencensus.io/stats"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messenger"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/directory"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/metrics"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/polling"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// Env bundles the services workflow steps act through. The runtime
// owns one per process and hands it to the scheduler.
type Env struct {
	Nodes    *cluster.Registry
	IDs      *cluster.IDManager
	WriteIDs *writeid.Manager
	Dir      *directory.Directory
	Deps     *tasks.DependencySystem
	Msn      messenger.Messenger
	Pending  *polling.PendingQueue[*polling.DataTransfer]
	Arena    *Arena

	MaxMessageSize        uint64
	EagerWeakFetch        bool
	EagerSend             bool
	MergeReleaseAndFinish bool

	// OnOffload records the offloaded-task bookkeeping and sends the
	// TaskNew message. Installed by the runtime.
	OnOffload func(t *tasks.Task, msg *messages.TaskNew) error
}

// Fragments splits r into chunks of at most MaxMessageSize bytes, the
// unit of one transfer message. A region of exactly the maximum is one
// fragment; one byte past it is two.
func (e *Env) Fragments(r region.Region) []region.Region {
	maxSize := e.MaxMessageSize
	if maxSize == 0 {
		return []region.Region{r}
	}

	var out []region.Region
	for start := r.Start; start < r.End; {
		end := r.End
		if end-start > maxSize {
			end = start + maxSize
		}
		out = append(out, region.Region{Start: start, End: end})
		start = end
	}
	return out
}

// FetchVector issues one DataFetch message pulling the fragments of
// the given copy steps from their common source node. Every fragment
// gets a pending transfer whose completion feeds its copy step.
func (e *Env) FetchVector(steps []*DataCopyStep, from int) error {
	id := e.IDs.NextMessageID()

	var fragments []region.Region
	var transfers []*polling.DataTransfer
	target := e.thisPlace()
	for _, cs := range steps {
		for _, frag := range cs.fragments {
			cs := cs
			dt := polling.NewDataTransfer(frag, target, id)
			dt.AddCompletionCallback(cs.fragmentDone)
			transfers = append(transfers, dt)
			fragments = append(fragments, frag)
		}
	}

	// Transfers must be pending before the request leaves, or the
	// response could arrive with nothing to complete.
	e.Pending.AddVector(transfers)
	stats.Record(context.Background(),
		metrics.PendingTransfers.M(int64(e.Pending.Len())),
		metrics.MessagesSent.M(1))

	msg := messages.NewDataFetch(e.Msn.NodeIndex(), fragments)
	msg.SetID(id)
	return e.Msn.Send(msg, from, false)
}

func (e *Env) thisPlace() *hardware.MemoryPlace {
	return hardware.GetMemoryPlace(hardware.ClusterDevice, e.Msn.NodeIndex())
}
