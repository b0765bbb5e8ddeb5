package cluster

import (
	"fmt"

	"golang.org/x/xerrors"
)

// NodeRole distinguishes the node that launches the user main task.
type NodeRole int

const (
	RoleMaster NodeRole = iota
	RoleSlave
)

// Node is one peer of the cluster. Index and CommIndex are the same in
// the current one-to-one mapping between runtime and communicator
// indices.
type Node struct {
	Index     int
	CommIndex int
	Role      NodeRole
}

func (n *Node) String() string {
	return fmt.Sprintf("node%d", n.Index)
}

func (n *Node) IsMaster() bool {
	return n.Role == RoleMaster
}

// Registry is the indexed list of cluster peers. It is immutable after
// construction and lives for the whole process.
type Registry struct {
	nodes  []*Node
	this   *Node
	master *Node
}

// NewRegistry builds the node list from the indices the messenger
// reported.
func NewRegistry(thisIndex, masterIndex, size int) (*Registry, error) {
	if size <= 0 {
		return nil, xerrors.Errorf("invalid cluster size %d", size)
	}
	if thisIndex < 0 || thisIndex >= size || masterIndex < 0 || masterIndex >= size {
		return nil, xerrors.Errorf("node indices out of range: this %d, master %d, size %d", thisIndex, masterIndex, size)
	}

	r := &Registry{nodes: make([]*Node, size)}
	for i := 0; i < size; i++ {
		role := RoleSlave
		if i == masterIndex {
			role = RoleMaster
		}
		r.nodes[i] = &Node{Index: i, CommIndex: i, Role: role}
	}
	r.this = r.nodes[thisIndex]
	r.master = r.nodes[masterIndex]
	return r, nil
}

// NewSingleNodeRegistry is the registry used when cluster support is
// disabled.
func NewSingleNodeRegistry() *Registry {
	r, _ := NewRegistry(0, 0, 1)
	return r
}

func (r *Registry) Size() int {
	return len(r.nodes)
}

func (r *Registry) ThisNode() *Node {
	return r.this
}

func (r *Registry) MasterNode() *Node {
	return r.master
}

func (r *Registry) Node(index int) (*Node, error) {
	if index < 0 || index >= len(r.nodes) {
		return nil, xerrors.Errorf("no node with index %d in a %d-node cluster", index, len(r.nodes))
	}
	return r.nodes[index], nil
}

// InClusterMode reports whether there is more than one node.
func (r *Registry) InClusterMode() bool {
	return len(r.nodes) > 1
}

func (r *Registry) IsMaster() bool {
	return r.this == r.master
}
