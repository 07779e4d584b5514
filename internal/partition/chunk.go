package partition

import (
	"fmt"
	"strings"

	"github.com/dreamware/torua/internal/keyspace"
)

// CollectionDescriptor is the catalog's description of a sharded collection.
type CollectionDescriptor struct {
	// ID is the collection namespace, e.g. "test.foo".
	ID string `json:"_id"`

	// Dropped is set while the collection is being dropped; no partition
	// map can be built for it.
	Dropped bool `json:"dropped"`

	// Key lists the shard key fields in order.
	Key []string `json:"key,omitempty"`

	Unique bool `json:"unique"`

	// Version is the collection version: the highest version any of its
	// chunks has ever been stamped with, including chunks since moved or
	// merged away.
	Version uint64 `json:"lastmod,omitempty"`
}

// ChunkRecord is a raw chunk as stored in the catalog. Min and Max are
// keyed by shard key field name.
type ChunkRecord struct {
	ID      string            `json:"_id"`
	NS      string            `json:"ns"`
	Min     keyspace.Document `json:"min"`
	Max     keyspace.Document `json:"max"`
	Shard   string            `json:"shard,omitempty"`
	Version uint64            `json:"lastmod,omitempty"`
}

// ChunkID builds the catalog identifier of the chunk starting at min,
// e.g. "test.foo-a_MinKey" or "test.foo-a_10,b_MinKey" for a compound key.
func ChunkID(ns string, key keyspace.ShardKey, min keyspace.Bound) string {
	parts := make([]string, 0, len(min))
	for i, f := range key.Fields() {
		if i < len(min) {
			parts = append(parts, f+"_"+min[i].String())
		}
	}
	return ns + "-" + strings.Join(parts, ",")
}

// FilterOwned returns the records assigned to shard, preserving order.
func FilterOwned(records []ChunkRecord, shard string) []ChunkRecord {
	var owned []ChunkRecord
	for _, r := range records {
		if r.Shard == shard {
			owned = append(owned, r)
		}
	}
	return owned
}

// Chunk is a half-open range [Min, Max) of shard key bounds.
type Chunk struct {
	Min keyspace.Bound `json:"min"`
	Max keyspace.Bound `json:"max"`
}

// Contains reports whether key falls inside [Min, Max).
func (c Chunk) Contains(key keyspace.Bound) bool {
	return c.Min.Compare(key) <= 0 && key.Compare(c.Max) < 0
}

// Overlaps reports whether c and o share any key.
func (c Chunk) Overlaps(o Chunk) bool {
	return c.Min.Compare(o.Max) < 0 && o.Min.Compare(c.Max) < 0
}

func (c Chunk) String() string {
	return fmt.Sprintf("[%s, %s)", c.Min, c.Max)
}
