package cluster

import (
	"encoding/json"

	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/partition"
)

// NodeInfo identifies a node and the base URL it serves on.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest is sent by a node to the coordinator's /register endpoint.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// BroadcastRequest asks the coordinator to forward Payload to Path on
// every registered node.
type BroadcastRequest struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// ShardCollectionRequest creates a sharded collection. The collection is
// pre-split at SplitPoints and its chunks are spread over the registered
// nodes.
type ShardCollectionRequest struct {
	NS          string              `json:"ns"`
	Key         []string            `json:"key"`
	Unique      bool                `json:"unique"`
	SplitPoints []keyspace.Document `json:"splitPoints,omitempty"`
}

// Snapshot is the catalog's view of one collection as seen by one shard:
// its descriptor, which carries the collection version, and the chunks the
// shard owns.
type Snapshot struct {
	Collection partition.CollectionDescriptor `json:"collection"`
	Chunks     []partition.ChunkRecord        `json:"chunks"`
}

// DeltaOp names the clone operation a ChunkDelta asks a node to apply.
type DeltaOp string

const (
	DeltaAdd    DeltaOp = "add"
	DeltaRemove DeltaOp = "remove"
	DeltaSplit  DeltaOp = "split"
)

// ChunkDelta is an incremental change to one node's partition map.
type ChunkDelta struct {
	Op          DeltaOp          `json:"op"`
	Min         keyspace.Bound   `json:"min"`
	Max         keyspace.Bound   `json:"max"`
	SplitPoints []keyspace.Bound `json:"splitPoints,omitempty"`
	Version     uint64           `json:"version"`
}

// SplitRequest asks the coordinator to split the chunk containing At.
type SplitRequest struct {
	At keyspace.Document `json:"at"`
}

// MoveRequest asks the coordinator to move the chunk starting at Min to
// the node To.
type MoveRequest struct {
	Min keyspace.Document `json:"min"`
	To  string            `json:"to"`
}

// OwnsResponse answers an ownership query against a node's current map.
type OwnsResponse struct {
	Owned   bool             `json:"owned"`
	Version uint64           `json:"version"`
	Chunk   *partition.Chunk `json:"chunk,omitempty"`
}

// MapInfo describes the partition map a node has installed for a
// collection.
type MapInfo struct {
	Namespace string            `json:"namespace"`
	Key       []string          `json:"key"`
	Unique    bool              `json:"unique"`
	Version   uint64            `json:"version"`
	Chunks    []partition.Chunk `json:"chunks"`
}

// NewMapInfo summarizes m.
func NewMapInfo(m *partition.PartitionMap) MapInfo {
	return MapInfo{
		Namespace: m.Namespace(),
		Key:       m.ShardKey().Fields(),
		Unique:    m.Unique(),
		Version:   m.Version(),
		Chunks:    m.Chunks(),
	}
}
