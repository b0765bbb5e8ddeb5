package cluster

import (
	"sync/atomic"
)

// partitionedCounter issues cluster-unique monotonic ids without
// coordination: node N of a K-node cluster issues N+K, N+2K, ...
type partitionedCounter struct {
	counter atomic.Uint64
	node    uint64
	size    uint64
}

func (c *partitionedCounter) next() uint64 {
	return c.node + c.counter.Add(1)*c.size
}

// MessageID tags every message put on the wire.
type MessageID uint64

// OffloadedTaskID names a task across the offloader/remote pair.
type OffloadedTaskID uint64

// IDManager owns the per-node id counter families. Issuance order is
// irrelevant; only uniqueness matters.
type IDManager struct {
	messages  partitionedCounter
	offloaded partitionedCounter
}

func NewIDManager(nodeIndex, clusterSize int) *IDManager {
	m := &IDManager{}
	m.messages.node = uint64(nodeIndex)
	m.messages.size = uint64(clusterSize)
	m.offloaded.node = uint64(nodeIndex)
	m.offloaded.size = uint64(clusterSize)
	return m
}

func (m *IDManager) NextMessageID() MessageID {
	return MessageID(m.messages.next())
}

func (m *IDManager) NextOffloadedTaskID() OffloadedTaskID {
	return OffloadedTaskID(m.offloaded.next())
}
