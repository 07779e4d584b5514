package coordinator

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/errors"
)

const (
	// ErrNodeNotFound means a node ID is not registered with the coordinator.
	ErrNodeNotFound errors.Code = "NodeNotFound"

	// ErrNoNodes means an operation needs at least one registered node.
	ErrNoNodes errors.Code = "NoNodes"
)

// NodeDirectory tracks the nodes registered with the coordinator, in
// registration order.
type NodeDirectory struct {
	mu    sync.RWMutex
	nodes []cluster.NodeInfo
}

func NewNodeDirectory() *NodeDirectory {
	return &NodeDirectory{}
}

// Register adds n or updates the address of a node with the same ID. It
// reports whether the node is new.
func (d *NodeDirectory) Register(n cluster.NodeInfo) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := slices.IndexFunc(d.nodes, func(o cluster.NodeInfo) bool { return o.ID == n.ID }); i >= 0 {
		d.nodes[i] = n
		return false
	}
	d.nodes = append(d.nodes, n)
	return true
}

// Remove forgets the node id and reports whether it was registered.
func (d *NodeDirectory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.nodes, func(o cluster.NodeInfo) bool { return o.ID == id })
	if i < 0 {
		return false
	}
	d.nodes = slices.Delete(d.nodes, i, i+1)
	return true
}

// Get returns the node registered as id.
func (d *NodeDirectory) Get(id string) (cluster.NodeInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := slices.IndexFunc(d.nodes, func(o cluster.NodeInfo) bool { return o.ID == id })
	if i < 0 {
		return cluster.NodeInfo{}, errors.Newf(ErrNodeNotFound, "node %s is not registered", id)
	}
	return d.nodes[i], nil
}

// All returns a copy of the registered nodes.
func (d *NodeDirectory) All() []cluster.NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.nodes)
}

// IDs returns the IDs of the registered nodes.
func (d *NodeDirectory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, len(d.nodes))
	for i, n := range d.nodes {
		ids[i] = n.ID
	}
	return ids
}
