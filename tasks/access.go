package tasks

import (
	"sync"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/writeid"
)

// AccessMode is the declared dependency mode of an access.
type AccessMode uint8

const (
	Read AccessMode = iota
	Write
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "readwrite"
	default:
		return "invalid"
	}
}

// SatisfiabilityLink receives satisfiability for one access as it
// arrives, so it can be forwarded to the node executing the access's
// task. The execution workflow installs these on offloaded accesses.
type SatisfiabilityLink interface {
	LinkRegion(r region.Region, location *hardware.MemoryPlace, id writeid.WriteID, read, write bool)
}

// DataAccess is a task's declared use of a memory region. Locking is
// per-access; callers never hold two access locks at once.
type DataAccess struct {
	lk sync.Mutex

	Region region.Region
	Mode   AccessMode
	Weak   bool

	task *Task

	writeID  writeid.WriteID
	location *hardware.MemoryPlace

	readSatisfied  bool
	writeSatisfied bool
	complete       bool
	released       bool

	// registeredRemotely marks accesses whose location was registered
	// on the offloader rather than observed locally.
	registeredRemotely bool

	// pendingPredecessors counts earlier conflicting accesses that
	// have not yet completed.
	pendingPredecessors int

	successors []*DataAccess

	link SatisfiabilityLink
}

func (a *DataAccess) Task() *Task {
	return a.task
}

func (a *DataAccess) Location() *hardware.MemoryPlace {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.location
}

// UpdateLocation records where the live copy of this access's data
// currently resides.
func (a *DataAccess) UpdateLocation(p *hardware.MemoryPlace) {
	a.lk.Lock()
	a.location = p
	a.lk.Unlock()
}

func (a *DataAccess) WriteID() writeid.WriteID {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.writeID
}

// SetWriteID fixes the content version this access produces or
// consumes. Once the access is write-satisfied the id is final.
func (a *DataAccess) SetWriteID(id writeid.WriteID) {
	a.lk.Lock()
	if !a.writeSatisfied {
		a.writeID = id
	}
	a.lk.Unlock()
}

func (a *DataAccess) IsReadSatisfied() bool {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.readSatisfied
}

func (a *DataAccess) IsWriteSatisfied() bool {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.writeSatisfied
}

// Satisfied reports whether the access may proceed. Weak accesses
// never gate readiness.
func (a *DataAccess) Satisfied() bool {
	if a.Weak {
		return true
	}
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.readSatisfied && a.writeSatisfied
}

func (a *DataAccess) IsComplete() bool {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.complete
}

func (a *DataAccess) MarkRegisteredRemotely() {
	a.lk.Lock()
	a.registeredRemotely = true
	a.lk.Unlock()
}

func (a *DataAccess) IsRegisteredRemotely() bool {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.registeredRemotely
}

// SetLink installs the satisfiability forwarder. Satisfiability that
// already arrived is replayed into the link immediately.
func (a *DataAccess) SetLink(link SatisfiabilityLink) {
	a.lk.Lock()
	a.link = link
	read, write := a.readSatisfied, a.writeSatisfied
	loc, id := a.location, a.writeID
	a.lk.Unlock()

	if link != nil && (read || write) {
		link.LinkRegion(a.Region, loc, id, read, write)
	}
}

// SetSatisfied delivers read and/or write satisfiability. Duplicate
// delivery is idempotent: the return reports whether anything changed.
func (a *DataAccess) SetSatisfied(read, write bool, location *hardware.MemoryPlace, id writeid.WriteID) bool {
	a.lk.Lock()

	changed := false
	if read && !a.readSatisfied {
		a.readSatisfied = true
		changed = true
	}
	if write && !a.writeSatisfied {
		a.writeSatisfied = true
		if id != 0 {
			a.writeID = id
		}
		changed = true
	}
	if changed && location != nil {
		a.location = location
	}
	link := a.link
	loc, wid := a.location, a.writeID
	satisfied := a.readSatisfied && a.writeSatisfied
	a.lk.Unlock()

	if !changed {
		return false
	}

	if link != nil {
		link.LinkRegion(a.Region, loc, wid, read, write)
	}
	if satisfied && !a.Weak {
		a.task.accessBecameSatisfied()
	}
	return true
}
