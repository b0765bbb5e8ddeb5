package messenger

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
)

// loopbackHub wires several in-process messengers together. It backs
// multi-node tests without a network.
type loopbackHub struct {
	size int

	inboxes []chan messages.Message

	barrierLk   sync.Mutex
	barrierCond *sync.Cond
	arrived     int
	generation  int
}

// NewLoopbackGroup builds one messenger per node of an in-process
// cluster, all connected through a shared hub.
func NewLoopbackGroup(size, masterIndex int, nextID []Params) ([]Messenger, error) {
	if size <= 0 || len(nextID) != size {
		return nil, xerrors.Errorf("need one param set per node, have %d for size %d", len(nextID), size)
	}

	hub := &loopbackHub{size: size}
	hub.barrierCond = sync.NewCond(&hub.barrierLk)
	for i := 0; i < size; i++ {
		hub.inboxes = append(hub.inboxes, make(chan messages.Message, 4096))
	}

	out := make([]Messenger, size)
	for i := 0; i < size; i++ {
		if nextID[i].NextID == nil {
			return nil, xerrors.Errorf("node %d params carry no message id allocator", i)
		}
		out[i] = &loopbackMessenger{
			hub:         hub,
			nodeIndex:   i,
			masterIndex: masterIndex,
			nextID:      nextID[i].NextID,
		}
	}
	return out, nil
}

type loopbackMessenger struct {
	hub         *loopbackHub
	nodeIndex   int
	masterIndex int
	nextID      func() cluster.MessageID

	closed bool
	lk     sync.Mutex
}

func (m *loopbackMessenger) NodeIndex() int   { return m.nodeIndex }
func (m *loopbackMessenger) MasterIndex() int { return m.masterIndex }
func (m *loopbackMessenger) ClusterSize() int { return m.hub.size }

func (m *loopbackMessenger) Send(msg messages.Message, dest int, blocking bool) error {
	if dest < 0 || dest >= m.hub.size {
		return xerrors.Errorf("no node %d in a %d-node loopback cluster", dest, m.hub.size)
	}
	if dest == m.nodeIndex {
		return xerrors.New("refusing to send a message to this node")
	}
	if msg.ID() == 0 {
		msg.SetID(m.nextID())
	}

	// Round-trip through the codec so receivers observe an isolated
	// copy, exactly as over a real transport.
	out, err := messages.Unmarshal(messages.Marshal(msg))
	if err != nil {
		return xerrors.Errorf("loopback codec roundtrip: %w", err)
	}

	m.hub.inboxes[dest] <- out
	return nil
}

func (m *loopbackMessenger) Receive() (messages.Message, bool) {
	select {
	case msg := <-m.hub.inboxes[m.nodeIndex]:
		return msg, true
	default:
		return nil, false
	}
}

func (m *loopbackMessenger) SynchronizeAll() error {
	h := m.hub
	h.barrierLk.Lock()
	defer h.barrierLk.Unlock()

	gen := h.generation
	h.arrived++
	if h.arrived == h.size {
		h.arrived = 0
		h.generation++
		h.barrierCond.Broadcast()
		return nil
	}
	for gen == h.generation {
		h.barrierCond.Wait()
	}
	return nil
}

func (m *loopbackMessenger) Shutdown() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.closed = true
	return nil
}
