package hardware

import (
	"sync"
)

// CPU is a compute place backed by one admitted system CPU. The worker
// thread bound to it blocks on cond while it has nothing to run.
type CPU struct {
	SystemID  int
	VirtualID int
	NUMANode  int

	lk   sync.Mutex
	cond *sync.Cond

	// pollingSlot holds a task handle deposited by the scheduler for
	// this CPU while it polls without going fully idle. Guarded by lk.
	pollingSlot interface{}
	polling     bool
}

func newCPU(systemID, virtualID, numaNode int) *CPU {
	c := &CPU{
		SystemID:  systemID,
		VirtualID: virtualID,
		NUMANode:  numaNode,
	}
	c.cond = sync.NewCond(&c.lk)
	return c
}

// Sleep blocks the calling worker until Wake is called. The wakeup may
// be spurious; callers re-check their queues.
func (c *CPU) Sleep() {
	c.lk.Lock()
	c.cond.Wait()
	c.lk.Unlock()
}

// Wake signals the worker bound to this CPU.
func (c *CPU) Wake() {
	c.lk.Lock()
	c.cond.Broadcast()
	c.lk.Unlock()
}

// RequestPollingSlot registers this CPU's interest in being handed a
// specific next task. It fails if another poller holds the slot.
func (c *CPU) RequestPollingSlot() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.polling {
		return false
	}
	c.polling = true
	c.pollingSlot = nil
	return true
}

// DepositTask places a task into an open polling slot. Returns false
// when the CPU is not polling or the slot is already full.
func (c *CPU) DepositTask(task interface{}) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	if !c.polling || c.pollingSlot != nil {
		return false
	}
	c.pollingSlot = task
	c.cond.Broadcast()
	return true
}

// TakeDeposited drains the polling slot, returning the deposited task
// if any. release closes the slot.
func (c *CPU) TakeDeposited(release bool) interface{} {
	c.lk.Lock()
	defer c.lk.Unlock()
	t := c.pollingSlot
	c.pollingSlot = nil
	if release {
		c.polling = false
	}
	return t
}
