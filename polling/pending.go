package polling

import (
	"sync"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/hardware"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

// DataTransfer is one in-flight region transfer with a chain of
// completion callbacks. Fetch steps piggy-back on pending transfers
// that already cover their region.
type DataTransfer struct {
	Region    region.Region
	Target    *hardware.MemoryPlace
	MessageID cluster.MessageID

	lk        sync.Mutex
	callbacks []func()
	completed bool
}

func NewDataTransfer(r region.Region, target *hardware.MemoryPlace, id cluster.MessageID) *DataTransfer {
	return &DataTransfer{Region: r, Target: target, MessageID: id}
}

// AddCompletionCallback chains f onto the transfer. If the transfer
// already completed, f runs immediately.
func (dt *DataTransfer) AddCompletionCallback(f func()) {
	dt.lk.Lock()
	if dt.completed {
		dt.lk.Unlock()
		f()
		return
	}
	dt.callbacks = append(dt.callbacks, f)
	dt.lk.Unlock()
}

// Complete fires the callback chain exactly once.
func (dt *DataTransfer) Complete() {
	dt.lk.Lock()
	if dt.completed {
		dt.lk.Unlock()
		return
	}
	dt.completed = true
	cbs := dt.callbacks
	dt.callbacks = nil
	dt.lk.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// PendingQueue is a locked list of in-flight items. All scans happen
// under its single lock; predicates must not take registry locks or
// they risk deadlock.
type PendingQueue[T any] struct {
	lk    sync.Mutex
	items []T
}

func NewPendingQueue[T any]() *PendingQueue[T] {
	return &PendingQueue[T]{}
}

func (q *PendingQueue[T]) Add(item T) {
	q.lk.Lock()
	q.items = append(q.items, item)
	q.lk.Unlock()
}

// AddVector enqueues a batch of items atomically, keeping the fragment
// order of a multi-fragment fetch.
func (q *PendingQueue[T]) AddVector(items []T) {
	q.lk.Lock()
	q.items = append(q.items, items...)
	q.lk.Unlock()
}

// CheckPending scans the queue under the lock, invoking pred on each
// entry; scanning stops at the first entry for which pred returns
// true, and that outcome is returned.
func (q *PendingQueue[T]) CheckPending(pred func(T) bool) bool {
	q.lk.Lock()
	defer q.lk.Unlock()

	for _, item := range q.items {
		if pred(item) {
			return true
		}
	}
	return false
}

// Extract removes and returns the first item matching match.
func (q *PendingQueue[T]) Extract(match func(T) bool) (T, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()

	for i, item := range q.items {
		if match(item) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}
	var zero T
	return zero, false
}

func (q *PendingQueue[T]) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}
