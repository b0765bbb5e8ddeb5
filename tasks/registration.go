package tasks

import (
	"sync"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
)

// DependencySystem registers task accesses and propagates read and
// write satisfiability along the dependency DAG. One instance per
// node; its lock orders registration against completion, while
// satisfiability delivery happens outside the lock.
type DependencySystem struct {
	lk sync.Mutex

	chains []*chainEntry

	onReady func(*Task)

	disableAutowait bool
}

// chainEntry serializes the conflicting accesses over one region.
type chainEntry struct {
	region region.Region

	lastWriter *DataAccess
	readers    []*DataAccess

	// Last published content version for the region.
	lastLocation *hardware.MemoryPlace
	lastWriteID  writeid.WriteID
}

func NewDependencySystem(onReady func(*Task), disableAutowait bool) *DependencySystem {
	return &DependencySystem{
		onReady:         onReady,
		disableAutowait: disableAutowait,
	}
}

func (ds *DependencySystem) DisableAutowait() bool {
	return ds.disableAutowait
}

type pendingSat struct {
	access   *DataAccess
	location *hardware.MemoryPlace
	writeID  writeid.WriteID
}

// RegisterDetached arms the readiness counter without linking the
// accesses into the local dependency chains. Used for tasks received
// from a peer when namespace propagation is disabled: satisfiability
// then arrives only through the offloader's messages.
func (ds *DependencySystem) RegisterDetached(t *Task) {
	t.onReady = ds.onReady

	strong := 0
	t.Accesses(func(a *DataAccess) bool {
		if !a.Weak {
			strong++
		}
		return true
	})
	t.unsatisfied.Store(int32(strong) + 1)
	t.accessBecameSatisfied()
}

// RegisterTask links the task's declared accesses behind any earlier
// conflicting accesses and arms the readiness counter. The task
// becomes ready, possibly immediately, once every strong access is
// satisfied.
func (ds *DependencySystem) RegisterTask(t *Task) {
	t.onReady = ds.onReady

	strong := 0
	t.Accesses(func(a *DataAccess) bool {
		if !a.Weak {
			strong++
		}
		return true
	})

	// The extra count keeps the task from going ready while links are
	// still being created; it is removed at the end.
	t.unsatisfied.Store(int32(strong) + 1)

	var immediate []pendingSat

	ds.lk.Lock()
	t.Accesses(func(a *DataAccess) bool {
		entry := ds.entryFor(a.Region)

		preds := 0
		if entry.lastWriter != nil && !entry.lastWriter.IsComplete() {
			entry.lastWriter.successors = append(entry.lastWriter.successors, a)
			preds++
		}
		if a.Mode != Read {
			for _, r := range entry.readers {
				if r != entry.lastWriter && !r.IsComplete() {
					r.successors = append(r.successors, a)
					preds++
				}
			}
		}

		a.lk.Lock()
		a.pendingPredecessors = preds
		a.lk.Unlock()

		// Accesses registered remotely are gated by their offloader:
		// satisfiability arrives in the TaskNew payload or as later
		// messages, never from the local chain alone.
		if preds == 0 && !a.IsRegisteredRemotely() {
			immediate = append(immediate, pendingSat{
				access:   a,
				location: entry.lastLocation,
				writeID:  entry.lastWriteID,
			})
		}

		// The chain now ends at this access.
		if a.Mode == Read {
			entry.readers = append(entry.readers, a)
		} else {
			entry.lastWriter = a
			entry.readers = nil
		}
		return true
	})
	ds.lk.Unlock()

	for _, ps := range immediate {
		ps.access.SetSatisfied(true, true, ps.location, ps.writeID)
	}

	t.accessBecameSatisfied()
}

// entryFor finds the chain covering r, creating one when the region
// was never accessed. Called under ds.lk.
func (ds *DependencySystem) entryFor(r region.Region) *chainEntry {
	for _, e := range ds.chains {
		if e.region.Intersects(r) {
			return e
		}
	}
	e := &chainEntry{region: r}
	ds.chains = append(ds.chains, e)
	return e
}

// CompleteAccess marks an access done and hands satisfiability to the
// successors it unblocks. location and id describe the content version
// the access leaves behind; for reads they may be zero values.
func (ds *DependencySystem) CompleteAccess(a *DataAccess, location *hardware.MemoryPlace, id writeid.WriteID) {
	var unblocked []pendingSat

	ds.lk.Lock()

	a.lk.Lock()
	if a.complete {
		a.lk.Unlock()
		ds.lk.Unlock()
		return
	}
	a.complete = true
	if location != nil {
		a.location = location
	}
	succs := a.successors
	a.lk.Unlock()

	if a.Mode != Read && id != 0 {
		entry := ds.entryFor(a.Region)
		entry.lastLocation = location
		entry.lastWriteID = id
	}

	for _, s := range succs {
		s.lk.Lock()
		s.pendingPredecessors--
		ready := s.pendingPredecessors == 0
		s.lk.Unlock()

		if ready {
			entry := ds.entryFor(s.Region)
			unblocked = append(unblocked, pendingSat{
				access:   s,
				location: entry.lastLocation,
				writeID:  entry.lastWriteID,
			})
		}
	}
	ds.lk.Unlock()

	for _, ps := range unblocked {
		ps.access.SetSatisfied(true, true, ps.location, ps.writeID)
	}
}

// UpdateTaskDataAccessLocation records a new live location for every
// access of the task intersecting r. Copies performed for a taskwait
// do not move task accesses.
func (ds *DependencySystem) UpdateTaskDataAccessLocation(t *Task, r region.Region, place *hardware.MemoryPlace, isTaskwait bool) {
	if isTaskwait {
		return
	}
	t.Accesses(func(a *DataAccess) bool {
		if a.Region.Intersects(r) {
			a.UpdateLocation(place)
		}
		return true
	})
}

// LastVersion exposes the directory of published versions for a
// region, used when answering a data fetch.
func (ds *DependencySystem) LastVersion(r region.Region) (*hardware.MemoryPlace, writeid.WriteID) {
	ds.lk.Lock()
	defer ds.lk.Unlock()

	for _, e := range ds.chains {
		if e.region.Intersects(r) {
			return e.lastLocation, e.lastWriteID
		}
	}
	return nil, 0
}
