package writeid

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/xerrors"

	"github.com/paulmcarpenter/nanos6-cluster-dlb/memory/region"
)

// WriteID names one version of a region's content, uniquely across the
// whole cluster. Zero means "no write id".
type WriteID uint64

// DefaultCacheSize bounds the node-local (writeID, region) cache.
// Eviction is LRU; the bound keeps lookup cost and memory flat under
// workloads with many short-lived versions.
const DefaultCacheSize = 8192

// Manager allocates cluster-unique write ids and remembers which
// versions this node already holds.
//
// Node N of a K-node cluster issues N+K, N+2K, ... so ids never collide
// without any cross-node coordination.
type Manager struct {
	counter   atomic.Uint64
	nodeIndex uint64
	size      uint64

	local *lru.Cache[WriteID, region.Region]
}

func NewManager(nodeIndex, clusterSize int, cacheSize int) (*Manager, error) {
	if clusterSize <= 0 || nodeIndex < 0 || nodeIndex >= clusterSize {
		return nil, xerrors.Errorf("bad id partition: node %d of %d", nodeIndex, clusterSize)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[WriteID, region.Region](cacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating write id cache: %w", err)
	}

	m := &Manager{
		nodeIndex: uint64(nodeIndex),
		size:      uint64(clusterSize),
		local:     cache,
	}
	return m, nil
}

// Next allocates a fresh write id from this node's partition.
func (m *Manager) Next() WriteID {
	n := m.counter.Add(1)
	return WriteID(m.nodeIndex + n*m.size)
}

// RegisterLocal records that this node holds the content version id
// for r.
func (m *Manager) RegisterLocal(id WriteID, r region.Region) {
	if id == 0 {
		return
	}
	m.local.Add(id, r)
}

// CheckLocal reports whether this node already holds version id for a
// region fully containing r, in which case a transfer can be elided.
func (m *Manager) CheckLocal(id WriteID, r region.Region) bool {
	if id == 0 {
		return false
	}
	cached, ok := m.local.Get(id)
	if !ok {
		return false
	}
	return r.FullyContainedIn(cached)
}

// ForgetLocal drops a version, used when the local copy is overwritten
// by an incoming transfer with a different id.
func (m *Manager) ForgetLocal(id WriteID) {
	m.local.Remove(id)
}
