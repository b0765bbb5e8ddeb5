// Package polling drives cluster progress between worker activity: it
// drains the messenger and the pending-transfer queue.
package polling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messenger"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/metrics"
)

var log = logging.Logger("polling")

// MessageHandler consumes one incoming message. Handlers run on
// polling workers and must not block indefinitely.
type MessageHandler func(messages.Message)

// Services owns the message-handling loops. Two deployment modes:
// dedicated goroutines (Start) or long-lived internal tasks
// (StartInTasks), selected by cluster.services_in_task.
type Services struct {
	msn messenger.Messenger

	handlersLk sync.RWMutex
	handlers   map[messages.Kind]MessageHandler

	active  atomic.Int64
	closing chan struct{}
	eg      *errgroup.Group
}

func NewServices(msn messenger.Messenger) *Services {
	return &Services{
		msn:      msn,
		handlers: map[messages.Kind]MessageHandler{},
		closing:  make(chan struct{}),
	}
}

// RegisterHandler binds a message kind to its consumer. A message of a
// kind with no handler is a protocol violation.
func (s *Services) RegisterHandler(kind messages.Kind, h MessageHandler) {
	s.handlersLk.Lock()
	defer s.handlersLk.Unlock()
	if _, dup := s.handlers[kind]; dup {
		panic("duplicate handler for " + kind.String())
	}
	s.handlers[kind] = h
}

func (s *Services) dispatch(m messages.Message) {
	s.handlersLk.RLock()
	h, ok := s.handlers[m.Kind()]
	s.handlersLk.RUnlock()

	if !ok {
		log.Fatalw("message of unhandled kind", "kind", m.Kind().String(), "from", m.Sender())
	}
	stats.Record(context.Background(), metrics.MessagesReceived.M(1))
	h(m)
}

// PollOnce drains every queued incoming message, returning how many
// it handled.
func (s *Services) PollOnce() int {
	n := 0
	for {
		m, ok := s.msn.Receive()
		if !ok {
			return n
		}
		s.dispatch(m)
		n++
	}
}

func (s *Services) serviceLoop() {
	s.active.Add(1)
	defer s.active.Add(-1)

	// Bounded back-off between empty polls keeps idle nodes quiet
	// without stalling progress.
	b := &backoff.Backoff{
		Min:    10 * time.Microsecond,
		Max:    time.Millisecond,
		Factor: 2,
	}

	for {
		select {
		case <-s.closing:
			return
		default:
		}

		if s.PollOnce() > 0 {
			b.Reset()
			continue
		}
		time.Sleep(b.Duration())
	}
}

// Start runs the polling loops on dedicated goroutines.
func (s *Services) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	s.eg = &errgroup.Group{}
	for i := 0; i < workers; i++ {
		s.eg.Go(func() error {
			s.serviceLoop()
			return nil
		})
	}
	log.Infow("polling services started", "workers", workers, "mode", "threads")
}

// StartInTasks runs the same loops as long-lived internal tasks. spawn
// hands each body to the task system; the bodies return on Shutdown.
func (s *Services) StartInTasks(spawn func(name string, body func()), workers int) {
	if workers <= 0 {
		workers = 1
	}
	s.eg = &errgroup.Group{}
	for i := 0; i < workers; i++ {
		done := make(chan struct{})
		spawn("cluster polling service", func() {
			s.serviceLoop()
			close(done)
		})
		s.eg.Go(func() error {
			<-done
			return nil
		})
	}
	log.Infow("polling services started", "workers", workers, "mode", "tasks")
}

// ActiveServices reports how many polling loops are currently running.
func (s *Services) ActiveServices() int {
	return int(s.active.Load())
}

// Shutdown stops the loops, then drains any straggler messages so the
// queues are empty before the messenger closes.
func (s *Services) Shutdown() {
	close(s.closing)
	if s.eg != nil {
		_ = s.eg.Wait()
	}
	for s.PollOnce() > 0 {
	}
}
