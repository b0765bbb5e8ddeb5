// Package workflow builds the per-task DAG of execution steps that
// move data and satisfiability between nodes: data-copy and data-link
// steps gate an execution step, whose completion is observed by a
// notification step and propagated by data-release steps.
package workflow

import (
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("workflow")

// StepState tracks a step through its life.
type StepState int32

const (
	StepPending StepState = iota
	StepStarted
	StepDone
)

// Step is one node of a task's workflow DAG. Steps are arena-owned:
// completion paths release the arena slot instead of freeing the step
// themselves, so racing exit paths agree on exactly one destruction.
type Step struct {
	arena *Arena
	slot  int

	name string

	preds atomic.Int32
	state atomic.Int32

	lk    sync.Mutex
	succs []*Step

	// run is the step behavior, invoked once the predecessor count
	// reaches zero.
	run func()
}

func (s *Step) Name() string {
	return s.name
}

func (s *Step) State() StepState {
	return StepState(s.state.Load())
}

// AddSuccessor links t behind s, adding one predecessor to t.
func (s *Step) AddSuccessor(t *Step) {
	s.lk.Lock()
	s.succs = append(s.succs, t)
	s.lk.Unlock()
	t.preds.Add(1)
}

// Start runs the step if its predecessor count is zero; it is also
// the entry point for DAG roots.
func (s *Step) Start() {
	if s.preds.Load() != 0 {
		return
	}
	if !s.state.CompareAndSwap(int32(StepPending), int32(StepStarted)) {
		return
	}
	if s.run != nil {
		s.run()
	}
}

// ReleaseSuccessors decrements each successor's predecessor count,
// starting those that reach zero.
func (s *Step) ReleaseSuccessors() {
	s.lk.Lock()
	succs := append([]*Step(nil), s.succs...)
	s.lk.Unlock()

	for _, t := range succs {
		if t.preds.Add(-1) == 0 {
			t.Start()
		}
	}
}

// Complete marks the step done and returns its slot to the arena.
// Exactly one caller wins; later calls are no-ops.
func (s *Step) Complete() {
	if !s.state.CompareAndSwap(int32(StepStarted), int32(StepDone)) {
		if !s.state.CompareAndSwap(int32(StepPending), int32(StepDone)) {
			return
		}
	}
	s.arena.release(s)
}

// Arena owns workflow steps. Slots are stable for the step lifetime
// and recycled after completion.
type Arena struct {
	lk    sync.Mutex
	slots []*Step
	free  []int

	live atomic.Int32
}

func NewArena() *Arena {
	return &Arena{}
}

// NewStep allocates an arena slot for a step with the given behavior.
func (a *Arena) NewStep(name string, run func()) *Step {
	a.lk.Lock()
	var slot int
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		slot = len(a.slots)
		a.slots = append(a.slots, nil)
	}
	s := &Step{arena: a, slot: slot, name: name, run: run}
	a.slots[slot] = s
	a.lk.Unlock()

	a.live.Add(1)
	return s
}

func (a *Arena) release(s *Step) {
	a.lk.Lock()
	if a.slots[s.slot] == s {
		a.slots[s.slot] = nil
		a.free = append(a.free, s.slot)
		a.live.Add(-1)
	} else {
		log.Errorw("double release of workflow step", "step", s.name)
	}
	a.lk.Unlock()
}

// Live reports how many steps have not completed, used by shutdown
// drain checks and tests.
func (a *Arena) Live() int {
	return int(a.live.Load())
}
