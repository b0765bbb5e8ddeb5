package tasks

import (
	"sync"
)

// ObjectCache pools task objects in two layers: a cache per CPU backed
// by a cache per NUMA node. Allocation prefers the caller's CPU cache
// and falls back to its NUMA node; frees return to the CPU cache of
// the freeing CPU.
type ObjectCache struct {
	cpu  []*cpuCache
	numa []*numaCache

	external *cpuCache
}

type cpuCache struct {
	lk    sync.Mutex
	items []*Task
	numa  *numaCache
}

type numaCache struct {
	lk    sync.Mutex
	items []*Task
}

const cpuCacheRefill = 16

// NewObjectCache sizes the cache layers from the admitted CPU list.
// cpuNUMA maps virtual CPU id to its NUMA node.
func NewObjectCache(cpuNUMA []int, numaCount int) *ObjectCache {
	oc := &ObjectCache{}
	for i := 0; i < numaCount; i++ {
		oc.numa = append(oc.numa, &numaCache{})
	}
	for _, n := range cpuNUMA {
		if n < 0 || n >= numaCount {
			n = 0
		}
		oc.cpu = append(oc.cpu, &cpuCache{numa: oc.numa[n]})
	}
	// Allocations from outside any worker use the external cache.
	oc.external = &cpuCache{numa: oc.numa[0]}
	return oc
}

func (oc *ObjectCache) cacheFor(virtualCPU int) *cpuCache {
	if virtualCPU < 0 || virtualCPU >= len(oc.cpu) {
		return oc.external
	}
	return oc.cpu[virtualCPU]
}

// Alloc takes a task object from the pool, refilling the CPU layer
// from its NUMA layer when empty.
func (oc *ObjectCache) Alloc(virtualCPU int) *Task {
	c := oc.cacheFor(virtualCPU)

	c.lk.Lock()
	if len(c.items) == 0 {
		c.numa.lk.Lock()
		n := len(c.numa.items)
		if n > cpuCacheRefill {
			n = cpuCacheRefill
		}
		if n > 0 {
			c.items = append(c.items, c.numa.items[len(c.numa.items)-n:]...)
			c.numa.items = c.numa.items[:len(c.numa.items)-n]
		}
		c.numa.lk.Unlock()
	}

	if len(c.items) == 0 {
		c.lk.Unlock()
		return &Task{}
	}
	t := c.items[len(c.items)-1]
	c.items = c.items[:len(c.items)-1]
	c.lk.Unlock()
	return t
}

// Free returns a task object to the pool once it is released. Objects
// beyond the CPU layer's high-water mark spill to the NUMA layer.
func (oc *ObjectCache) Free(virtualCPU int, t *Task) {
	*t = Task{}

	c := oc.cacheFor(virtualCPU)
	c.lk.Lock()
	if len(c.items) >= 4*cpuCacheRefill {
		c.numa.lk.Lock()
		c.numa.items = append(c.numa.items, t)
		c.numa.lk.Unlock()
	} else {
		c.items = append(c.items, t)
	}
	c.lk.Unlock()
}
