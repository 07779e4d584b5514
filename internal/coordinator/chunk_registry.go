package coordinator

import (
	"context"
	"sync"

	"github.com/dreamware/torua/internal/catalog"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/partition"
)

// ChunkRegistry is the coordinator's view of chunk placement. It changes the
// catalog and then tells the affected nodes how their partition maps
// changed:
//
//	split:  owner     <- split [min, max) at p
//	move:   donor     <- remove [min, max)
//	        recipient <- add [min, max)
//	create: every node <- refresh
//
// Notifications are best effort. A node that misses one still holds a map
// at an older version and catches up on its next refresh.
type ChunkRegistry struct {
	catalog  *catalog.Catalog
	nodes    *NodeDirectory
	notifier Notifier
	logger   logger.Logger

	// mu serializes placement changes so multi-step operations such as
	// AssignCollection are not interleaved.
	mu sync.Mutex
}

// NewChunkRegistry returns a registry over cat. Nodes are looked up in
// nodes and notified through notifier.
func NewChunkRegistry(cat *catalog.Catalog, nodes *NodeDirectory, notifier Notifier, log logger.Logger) *ChunkRegistry {
	return &ChunkRegistry{
		catalog:  cat,
		nodes:    nodes,
		notifier: notifier,
		logger:   log,
	}
}

// Catalog returns the underlying catalog.
func (r *ChunkRegistry) Catalog() *catalog.Catalog { return r.catalog }

// GetNodeForKey returns the node owning the chunk that contains doc's
// shard key.
func (r *ChunkRegistry) GetNodeForKey(ns string, doc keyspace.Document) (cluster.NodeInfo, error) {
	chunk, err := r.catalog.ChunkFor(ns, doc)
	if err != nil {
		return cluster.NodeInfo{}, err
	}
	return r.nodes.Get(chunk.Shard)
}

// GetNodeChunks returns every chunk placed on node, across all live
// collections.
func (r *ChunkRegistry) GetNodeChunks(node string) ([]partition.ChunkRecord, error) {
	colls, err := r.catalog.Collections()
	if err != nil {
		return nil, err
	}
	var owned []partition.ChunkRecord
	for _, coll := range colls {
		if coll.Dropped {
			continue
		}
		_, chunks, err := r.catalog.Snapshot(coll.ID, node)
		if err != nil {
			return nil, err
		}
		owned = append(owned, chunks...)
	}
	return owned, nil
}

// AssignCollection shards req.NS on req.Key, splits it at req.SplitPoints
// and spreads the resulting chunks round-robin over the registered nodes.
// Every registered node is then asked to load its map of the collection.
func (r *ChunkRegistry) AssignCollection(ctx context.Context, req cluster.ShardCollectionRequest) (catalog.Collection, []partition.ChunkRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := r.nodes.IDs()
	if len(nodes) == 0 {
		return catalog.Collection{}, nil, errors.Newf(ErrNoNodes, "cannot shard %s without registered nodes", req.NS)
	}

	if _, err := r.catalog.ShardCollection(req.NS, req.Key, req.Unique, nodes[0]); err != nil {
		return catalog.Collection{}, nil, err
	}
	for _, at := range req.SplitPoints {
		if _, _, err := r.catalog.SplitChunk(req.NS, at); err != nil {
			return catalog.Collection{}, nil, errors.WithMessagef(err, "pre-splitting %s", req.NS)
		}
	}

	chunks, err := r.catalog.Chunks(req.NS)
	if err != nil {
		return catalog.Collection{}, nil, err
	}
	for i, c := range chunks {
		to := nodes[i%len(nodes)]
		_, after, err := r.catalog.MoveChunk(req.NS, c.Min, to)
		if err != nil {
			return catalog.Collection{}, nil, err
		}
		chunks[i] = after
	}

	coll, err := r.catalog.Collection(req.NS)
	if err != nil {
		return catalog.Collection{}, nil, err
	}
	r.logger.Infof("sharded %s on %v into %d chunks over %d nodes", req.NS, req.Key, len(chunks), len(nodes))

	if err := r.notifier.Refresh(ctx, req.NS, nodes); err != nil {
		r.logger.Warnf("not every node loaded %s: %v", req.NS, err)
	}
	return coll, chunks, nil
}

// DropCollection drops ns and asks every node to unload it.
func (r *ChunkRegistry) DropCollection(ctx context.Context, ns string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.catalog.DropCollection(ns); err != nil {
		return err
	}
	if err := r.notifier.Refresh(ctx, ns, r.nodes.IDs()); err != nil {
		r.logger.Debugf("unloading %s: %v", ns, err)
	}
	return nil
}

// Split cuts the chunk of ns containing at and tells its owner.
func (r *ChunkRegistry) Split(ctx context.Context, ns string, at keyspace.Document) (left, right partition.ChunkRecord, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	left, right, err = r.catalog.SplitChunk(ns, at)
	if err != nil {
		return left, right, err
	}
	key, err := r.shardKey(ns)
	if err != nil {
		return left, right, err
	}
	min, _ := key.BoundFromDocument(left.Min)
	point, _ := key.BoundFromDocument(right.Min)
	max, _ := key.BoundFromDocument(right.Max)

	r.notify(ctx, ns, map[string][]cluster.ChunkDelta{
		left.Shard: {{
			Op:          cluster.DeltaSplit,
			Min:         min,
			Max:         max,
			SplitPoints: []keyspace.Bound{point},
			Version:     right.Version,
		}},
	})
	return left, right, nil
}

// Move places the chunk of ns starting at min on node to, and tells the
// donor and the recipient.
func (r *ChunkRegistry) Move(ctx context.Context, ns string, min keyspace.Document, to string) (partition.ChunkRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.move(ctx, ns, min, to)
}

func (r *ChunkRegistry) move(ctx context.Context, ns string, min keyspace.Document, to string) (partition.ChunkRecord, error) {
	if _, err := r.nodes.Get(to); err != nil {
		return partition.ChunkRecord{}, err
	}
	before, after, err := r.catalog.MoveChunk(ns, min, to)
	if err != nil || before.Shard == after.Shard {
		return after, err
	}

	key, err := r.shardKey(ns)
	if err != nil {
		return after, err
	}
	lo, _ := key.BoundFromDocument(after.Min)
	hi, _ := key.BoundFromDocument(after.Max)
	r.notify(ctx, ns, map[string][]cluster.ChunkDelta{
		before.Shard: {{Op: cluster.DeltaRemove, Min: lo, Max: hi, Version: after.Version}},
		after.Shard:  {{Op: cluster.DeltaAdd, Min: lo, Max: hi, Version: after.Version}},
	})
	return after, nil
}

// RedistributeNode moves every chunk placed on failed to the nodes in
// healthy, round-robin, and returns how many chunks moved.
func (r *ChunkRegistry) RedistributeNode(ctx context.Context, failed string, healthy []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var targets []string
	for _, id := range healthy {
		if id != failed {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return 0, errors.Newf(ErrNoNodes, "no healthy node can take the chunks of %s", failed)
	}

	chunks, err := r.GetNodeChunks(failed)
	if err != nil {
		return 0, err
	}
	for i, c := range chunks {
		if _, err := r.move(ctx, c.NS, c.Min, targets[i%len(targets)]); err != nil {
			return i, errors.WithMessagef(err, "moving %s off %s", c.ID, failed)
		}
	}
	if len(chunks) > 0 {
		r.logger.Infof("moved %d chunks off %s", len(chunks), failed)
	}
	return len(chunks), nil
}

func (r *ChunkRegistry) shardKey(ns string) (keyspace.ShardKey, error) {
	coll, err := r.catalog.Collection(ns)
	if err != nil {
		return keyspace.ShardKey{}, err
	}
	return keyspace.NewShardKey(coll.Key...)
}

func (r *ChunkRegistry) notify(ctx context.Context, ns string, deltas map[string][]cluster.ChunkDelta) {
	if err := r.notifier.Notify(ctx, ns, deltas); err != nil {
		r.logger.Warnf("notifying nodes of %s: %v", ns, err)
	}
}
