package directory

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

var log = logging.Logger("directory")

// Policy selects how a distributed allocation is spread over home
// nodes.
type Policy int

const (
	// EqualPolicy splits the allocation into one equally sized block
	// per node.
	EqualPolicy Policy = iota
	// LocalPolicy homes the whole allocation on the allocating node.
	LocalPolicy
	// CyclicPolicy deals fixed-size blocks round-robin over the nodes.
	CyclicPolicy
)

func (p Policy) String() string {
	switch p {
	case EqualPolicy:
		return "equal"
	case LocalPolicy:
		return "local"
	case CyclicPolicy:
		return "cyclic"
	default:
		return "unknown"
	}
}

// HomeMapping binds one sub-region of an allocation to the node that
// physically backs it.
type HomeMapping struct {
	Region   region.Region
	HomeNode int
}

// Entry describes one distributed allocation and its partition.
type Entry struct {
	Allocation region.Region
	Policy     Policy
	Dimensions []uint64

	partition []HomeMapping
}

func (e *Entry) Partition() []HomeMapping {
	return e.partition
}

type locationEntry struct {
	region region.Region
	place  *hardware.MemoryPlace
}

// Directory maps cluster virtual addresses to home nodes and to the
// current location of their live copies. It lives for the whole
// process; entries live as long as the allocation they describe.
type Directory struct {
	lk sync.Mutex

	entries   []*Entry // sorted by allocation start
	locations []locationEntry
}

func New() *Directory {
	return &Directory{}
}

// RegisterAllocation records a distributed allocation and computes its
// home-node partition.
func (d *Directory) RegisterAllocation(
	r region.Region, policy Policy, dims []uint64, allocatingNode, clusterSize int,
) (*Entry, error) {
	if clusterSize <= 0 {
		return nil, xerrors.New("cluster size must be positive")
	}

	e := &Entry{
		Allocation: r,
		Policy:     policy,
		Dimensions: dims,
	}

	switch policy {
	case LocalPolicy:
		e.partition = []HomeMapping{{Region: r, HomeNode: allocatingNode}}

	case EqualPolicy:
		e.partition = splitEqual(r, clusterSize)

	case CyclicPolicy:
		block := uint64(0)
		if len(dims) > 0 {
			block = dims[0]
		}
		if block == 0 {
			block = (r.Size() + uint64(clusterSize) - 1) / uint64(clusterSize)
		}
		for start, i := r.Start, 0; start < r.End; i++ {
			end := start + block
			if end > r.End {
				end = r.End
			}
			e.partition = append(e.partition, HomeMapping{
				Region:   region.Region{Start: start, End: end},
				HomeNode: i % clusterSize,
			})
			start = end
		}

	default:
		return nil, xerrors.Errorf("unknown distribution policy %d", int(policy))
	}

	d.lk.Lock()
	defer d.lk.Unlock()

	for _, prev := range d.entries {
		if prev.Allocation.Intersects(r) {
			return nil, xerrors.Errorf("allocation %s overlaps registered %s", r, prev.Allocation)
		}
	}

	d.entries = append(d.entries, e)
	sort.Slice(d.entries, func(i, j int) bool {
		return d.entries[i].Allocation.Start < d.entries[j].Allocation.Start
	})

	log.Debugw("registered allocation", "region", r.String(), "policy", policy.String(), "parts", len(e.partition))
	return e, nil
}

func splitEqual(r region.Region, nodes int) []HomeMapping {
	out := make([]HomeMapping, 0, nodes)
	size := r.Size()
	chunk := size / uint64(nodes)
	rem := size % uint64(nodes)

	start := r.Start
	for n := 0; n < nodes && start < r.End; n++ {
		sz := chunk
		if uint64(n) < rem {
			sz++
		}
		if sz == 0 {
			continue
		}
		out = append(out, HomeMapping{
			Region:   region.New(start, sz),
			HomeNode: n,
		})
		start += sz
	}
	return out
}

// UnregisterAllocation removes an allocation. Freeing an unknown
// region is a protocol violation surfaced to the caller.
func (d *Directory) UnregisterAllocation(r region.Region) error {
	d.lk.Lock()
	defer d.lk.Unlock()

	for i, e := range d.entries {
		if e.Allocation == r {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)

			kept := d.locations[:0]
			for _, l := range d.locations {
				if !l.region.Intersects(r) {
					kept = append(kept, l)
				}
			}
			d.locations = kept
			return nil
		}
	}
	return xerrors.Errorf("unregistering unknown allocation %s", r)
}

// Find returns the home-node partition covering r, clipped to r.
func (d *Directory) Find(r region.Region) ([]HomeMapping, error) {
	d.lk.Lock()
	defer d.lk.Unlock()

	var out []HomeMapping
	for _, e := range d.entries {
		if !e.Allocation.Intersects(r) {
			continue
		}
		for _, hm := range e.partition {
			sub := hm.Region.Intersect(r)
			if !sub.Empty() {
				out = append(out, HomeMapping{Region: sub, HomeNode: hm.HomeNode})
			}
		}
	}

	if len(out) == 0 {
		return nil, xerrors.Errorf("region %s not covered by any allocation", r)
	}
	return out, nil
}

// UpdateLocation records that the live copy of r now resides at place,
// superseding any older overlapping records.
func (d *Directory) UpdateLocation(r region.Region, place *hardware.MemoryPlace) {
	d.lk.Lock()
	defer d.lk.Unlock()

	var kept []locationEntry
	for _, l := range d.locations {
		if !l.region.Intersects(r) {
			kept = append(kept, l)
			continue
		}
		// Trim the surviving flanks of the superseded record.
		if l.region.Start < r.Start {
			kept = append(kept, locationEntry{region: region.Region{Start: l.region.Start, End: r.Start}, place: l.place})
		}
		if l.region.End > r.End {
			kept = append(kept, locationEntry{region: region.Region{Start: r.End, End: l.region.End}, place: l.place})
		}
	}
	d.locations = append(kept, locationEntry{region: r, place: place})
}

// QueryLocation returns the place holding the live copy of r, or the
// directory sentinel when only the home-node mapping is known.
func (d *Directory) QueryLocation(r region.Region) *hardware.MemoryPlace {
	d.lk.Lock()
	defer d.lk.Unlock()

	for i := len(d.locations) - 1; i >= 0; i-- {
		if r.FullyContainedIn(d.locations[i].region) {
			return d.locations[i].place
		}
	}
	return hardware.GetDirectoryMemoryPlace()
}
