// Package messenger provides the reliable typed message channel
// between cluster nodes. Backends register themselves in a static
// table and are selected by the cluster.communication config key.
package messenger

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster"
	"github.com/paulmcarpenter/nanos6-cluster-dlb/cluster/messages"
)

var log = logging.Logger("messenger")

// Messenger is the capability set the runtime consumes: send, receive,
// synchronize-all, shutdown. Messages between one (source, destination,
// kind) triple are delivered in order.
type Messenger interface {
	NodeIndex() int
	MasterIndex() int
	ClusterSize() int

	// Send transmits m to dest. With blocking set it returns only
	// after the message has been handed to the remote side's
	// transport.
	Send(m messages.Message, dest int, blocking bool) error

	// Receive polls for one incoming message without blocking.
	Receive() (messages.Message, bool)

	// SynchronizeAll is a barrier across every node.
	SynchronizeAll() error

	// Shutdown drains and closes the transport.
	Shutdown() error
}

// Params carries what a backend needs to join the cluster.
type Params struct {
	NodeIndex   int
	MasterIndex int

	// Peers maps node index to transport address.
	Peers []string

	// NextID allocates wire message ids.
	NextID func() cluster.MessageID
}

func (p Params) clusterSize() int {
	return len(p.Peers)
}

// Factory builds a messenger backend from its params.
type Factory func(p Params) (Messenger, error)

var (
	backendsLk sync.Mutex
	backends   = map[string]Factory{}
)

// Register adds a backend to the static table. Called from backend
// init functions.
func Register(name string, f Factory) {
	backendsLk.Lock()
	defer backendsLk.Unlock()
	if _, dup := backends[name]; dup {
		panic("duplicate messenger backend " + name)
	}
	backends[name] = f
}

// New instantiates the named backend.
func New(name string, p Params) (Messenger, error) {
	backendsLk.Lock()
	f, ok := backends[name]
	backendsLk.Unlock()

	if !ok {
		return nil, xerrors.Errorf("unknown messenger backend %q", name)
	}
	if p.NextID == nil {
		return nil, xerrors.New("messenger params carry no message id allocator")
	}
	return f(p)
}
