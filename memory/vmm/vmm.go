package vmm

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

var log = logging.Logger("vmm")

// DefaultBase is where the cluster virtual address range starts. Every
// node reserves the same range, so translating a region between nodes
// is the identity.
const DefaultBase = uint64(1) << 42

// Manager reserves one contiguous cluster-wide address range at init
// and splits it into a distributed arena plus one local arena per NUMA
// node.
type Manager struct {
	full region.Region

	backing []byte

	distrib *Area
	local   []*Area
}

// New reserves the address range. distribSize bytes go to the
// distributed arena and localSize bytes to each of numaCount local
// arenas.
func New(base, distribSize, localSize uint64, numaCount int) (*Manager, error) {
	if distribSize == 0 || numaCount <= 0 {
		return nil, xerrors.New("invalid memory layout parameters")
	}

	total := distribSize + localSize*uint64(numaCount)
	backing := make([]byte, total)
	if backing == nil {
		return nil, xerrors.Errorf("reserving %d bytes of cluster address space", total)
	}

	m := &Manager{
		full:    region.New(base, total),
		backing: backing,
	}

	m.distrib = newArea(region.New(base, distribSize))
	off := base + distribSize
	for i := 0; i < numaCount; i++ {
		m.local = append(m.local, newArea(region.New(off, localSize)))
		off += localSize
	}

	log.Infow("memory layout", "base", base, "distrib", distribSize, "local", localSize, "numa", numaCount)
	return m, nil
}

// AllocDistrib carves a block out of the distributed arena. The block
// is the unit of cluster-wide allocations.
func (m *Manager) AllocDistrib(size uint64) (region.Region, error) {
	return m.distrib.allocBlock(size)
}

func (m *Manager) FreeDistrib(r region.Region) error {
	return m.distrib.freeBlock(r)
}

// ReserveDistrib marks a region of the distributed arena as allocated
// without choosing it locally, mirroring a peer's allocation so the
// address ranges stay identical cluster-wide.
func (m *Manager) ReserveDistrib(r region.Region) error {
	return m.distrib.reserveBlock(r)
}

// AllocLocalNUMA carves a block out of the local arena of a NUMA node.
func (m *Manager) AllocLocalNUMA(size uint64, numaNode int) (region.Region, error) {
	if numaNode < 0 || numaNode >= len(m.local) {
		return region.Region{}, xerrors.Errorf("no local arena for NUMA node %d", numaNode)
	}
	return m.local[numaNode].allocBlock(size)
}

func (m *Manager) FreeLocalNUMA(r region.Region, numaNode int) error {
	if numaNode < 0 || numaNode >= len(m.local) {
		return xerrors.Errorf("no local arena for NUMA node %d", numaNode)
	}
	return m.local[numaNode].freeBlock(r)
}

// IsClusterMemory reports whether r falls inside the distributed
// arena. Only such regions may be accessed by offloaded tasks.
func (m *Manager) IsClusterMemory(r region.Region) bool {
	return r.FullyContainedIn(m.distrib.region)
}

// Bytes returns the backing slice for a reserved region. The region
// must fall inside the reservation.
func (m *Manager) Bytes(r region.Region) ([]byte, error) {
	if !r.FullyContainedIn(m.full) {
		return nil, xerrors.Errorf("region %s outside the reserved range %s", r, m.full)
	}
	off := r.Start - m.full.Start
	return m.backing[off : off+r.Size()], nil
}

// Area is a bump-pointer allocator with a free list over one interval
// of the reservation.
type Area struct {
	lk sync.Mutex

	region region.Region
	next   uint64

	free []region.Region
}

func newArea(r region.Region) *Area {
	return &Area{region: r, next: r.Start}
}

func (a *Area) allocBlock(size uint64) (region.Region, error) {
	if size == 0 {
		return region.Region{}, xerrors.New("zero-size allocation")
	}

	a.lk.Lock()
	defer a.lk.Unlock()

	// First fit from the free list before growing the bump pointer.
	for i, f := range a.free {
		if f.Size() >= size {
			out := region.New(f.Start, size)
			rest := region.Region{Start: f.Start + size, End: f.End}
			if rest.Empty() {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i] = rest
			}
			return out, nil
		}
	}

	if a.next+size > a.region.End {
		return region.Region{}, xerrors.Errorf("arena %s exhausted allocating %d bytes", a.region, size)
	}
	out := region.New(a.next, size)
	a.next += size
	return out, nil
}

func (a *Area) reserveBlock(r region.Region) error {
	if !r.FullyContainedIn(a.region) {
		return xerrors.Errorf("reserving %s outside arena %s", r, a.region)
	}

	a.lk.Lock()
	defer a.lk.Unlock()

	// Carve the reservation out of any free-list block covering it.
	for i, f := range a.free {
		if r.FullyContainedIn(f) {
			a.free = append(a.free[:i], a.free[i+1:]...)
			if f.Start < r.Start {
				a.free = append(a.free, region.Region{Start: f.Start, End: r.Start})
			}
			if f.End > r.End {
				a.free = append(a.free, region.Region{Start: r.End, End: f.End})
			}
			return nil
		}
	}

	if r.Start < a.next {
		return xerrors.Errorf("region %s overlaps live allocations", r)
	}
	if r.Start > a.next {
		a.free = append(a.free, region.Region{Start: a.next, End: r.Start})
	}
	a.next = r.End
	return nil
}

func (a *Area) freeBlock(r region.Region) error {
	if !r.FullyContainedIn(a.region) {
		return xerrors.Errorf("freeing %s which is not part of arena %s", r, a.region)
	}

	a.lk.Lock()
	defer a.lk.Unlock()

	for _, f := range a.free {
		if f.Intersects(r) {
			return xerrors.Errorf("duplicate free of %s", r)
		}
	}
	a.free = append(a.free, r)
	return nil
}
