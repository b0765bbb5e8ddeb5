package scheduler

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/tasks"
)

// ReadyQueue is the pluggable ready-task store behind the scheduler.
// Pop is O(1) amortized for every backend, and so is Push for the fifo
// and numa backends; the priority backend re-sorts its slice on every
// Push, which is O(n log n).
type ReadyQueue interface {
	Push(t *tasks.Task)
	// Pop returns the next task for a worker on the given NUMA node.
	Pop(numaNode int) (*tasks.Task, bool)
	Len() int
}

// NewReadyQueue selects a backend by config name.
func NewReadyQueue(policy string, numaCount int) (ReadyQueue, error) {
	switch policy {
	case "", "fifo":
		return &fifoQueue{}, nil
	case "priority":
		return &priorityQueue{}, nil
	case "numa":
		return newNumaQueue(numaCount), nil
	default:
		return nil, xerrors.Errorf("unknown ready-queue policy %q", policy)
	}
}

type fifoQueue struct {
	lk    sync.Mutex
	items []*tasks.Task
}

func (q *fifoQueue) Push(t *tasks.Task) {
	q.lk.Lock()
	q.items = append(q.items, t)
	q.lk.Unlock()
}

func (q *fifoQueue) Pop(int) (*tasks.Task, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *fifoQueue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}

// priorityQueue keeps tasks sorted by descending priority, ties by
// creation order.
type priorityQueue struct {
	lk    sync.Mutex
	items []*tasks.Task
}

func (q *priorityQueue) Push(t *tasks.Task) {
	q.lk.Lock()
	q.items = append(q.items, t)
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority > q.items[j].Priority
		}
		return q.items[i].ID < q.items[j].ID
	})
	q.lk.Unlock()
}

func (q *priorityQueue) Pop(int) (*tasks.Task, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *priorityQueue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}

// numaQueue prefers tasks hinted to the popping worker's NUMA node and
// steals from other nodes when the local list is empty.
type numaQueue struct {
	lk    sync.Mutex
	local [][]*tasks.Task
}

func newNumaQueue(numaCount int) *numaQueue {
	if numaCount <= 0 {
		numaCount = 1
	}
	return &numaQueue{local: make([][]*tasks.Task, numaCount)}
}

func (q *numaQueue) Push(t *tasks.Task) {
	node := t.NUMAHint
	if node < 0 || node >= len(q.local) {
		node = 0
	}
	q.lk.Lock()
	q.local[node] = append(q.local[node], t)
	q.lk.Unlock()
}

func (q *numaQueue) Pop(numaNode int) (*tasks.Task, bool) {
	if numaNode < 0 || numaNode >= len(q.local) {
		numaNode = 0
	}

	q.lk.Lock()
	defer q.lk.Unlock()

	if t, ok := q.popFrom(numaNode); ok {
		return t, true
	}
	for n := range q.local {
		if n == numaNode {
			continue
		}
		if t, ok := q.popFrom(n); ok {
			return t, true
		}
	}
	return nil, false
}

func (q *numaQueue) popFrom(node int) (*tasks.Task, bool) {
	if len(q.local[node]) == 0 {
		return nil, false
	}
	t := q.local[node][0]
	q.local[node] = q.local[node][1:]
	return t, true
}

func (q *numaQueue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	n := 0
	for _, l := range q.local {
		n += len(l)
	}
	return n
}
