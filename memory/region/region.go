package region

import (
	"fmt"
)

// Region is a half-open byte interval [Start, End) in the cluster
// virtual address space. Regions are never relocated; the translation
// of a region between nodes is the identity.
type Region struct {
	Start uint64
	End   uint64
}

func New(start, size uint64) Region {
	return Region{Start: start, End: start + size}
}

func (r Region) Size() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Region) Empty() bool {
	return r.End <= r.Start
}

func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Intersects reports whether the two intervals overlap.
func (r Region) Intersects(o Region) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersect returns the overlapping interval, empty if disjoint.
func (r Region) Intersect(o Region) Region {
	out := Region{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		return Region{}
	}
	return out
}

// FullyContainedIn reports whether r is an interval subset of o.
func (r Region) FullyContainedIn(o Region) bool {
	return r.Start >= o.Start && r.End <= o.End
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%x,0x%x)", r.Start, r.End)
}
