// Package catalog is the coordinator's authoritative, durable record of
// sharded collections and the assignment of their chunks to nodes.
package catalog

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/metrics"
	"github.com/dreamware/torua/internal/partition"
)

const (
	ErrNamespaceNotFound errors.Code = "NamespaceNotFound"
	ErrNamespaceExists   errors.Code = "NamespaceExists"
)

var (
	bucketCollections = []byte("collections")
	bucketChunks      = []byte("chunks")
)

// Collection is a sharded collection. Its Version is bumped by every
// mutation of the collection or its chunks.
type Collection = partition.CollectionDescriptor

// Catalog stores collections and chunks in a bbolt file. Every mutation
// runs in a single read-write transaction, so concurrent callers observe
// mutations in a total order.
type Catalog struct {
	db     *bolt.DB
	logger logger.Logger
}

// Open opens or creates the catalog file at path.
func Open(path string, log logger.Logger) (*Catalog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening catalog %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCollections); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketChunks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing catalog")
	}
	return &Catalog{db: db, logger: log}, nil
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	defer func() { c.db = nil }()
	return c.db.Close()
}

// ShardCollection registers ns with the given shard key. The whole keyspace
// starts as a single chunk on shard, at version 1. A dropped collection can
// be sharded again; a live one cannot.
func (c *Catalog) ShardCollection(ns string, fields []string, unique bool, shard string) (coll Collection, err error) {
	defer observe("shard", &err)

	key, err := keyspace.NewShardKey(fields...)
	if err != nil {
		return Collection{}, errors.Newf(partition.ErrBadShardKey, "collection %s: %v", ns, err)
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		if prev, err := getCollection(tx, ns); err == nil && !prev.Dropped {
			return errors.Newf(ErrNamespaceExists, "collection %s is already sharded", ns)
		} else if err == nil {
			coll.Version = prev.Version
		}

		coll = Collection{ID: ns, Key: key.Fields(), Unique: unique, Version: coll.Version + 1}
		if err := putCollection(tx, coll); err != nil {
			return err
		}

		bkt, err := resetChunkBucket(tx, ns)
		if err != nil {
			return err
		}
		min := key.GlobalMin()
		return putChunk(bkt, partition.ChunkRecord{
			ID:      partition.ChunkID(ns, key, min),
			NS:      ns,
			Min:     key.Document(min),
			Max:     key.Document(key.GlobalMax()),
			Shard:   shard,
			Version: coll.Version,
		})
	})
	if err != nil {
		return Collection{}, err
	}
	c.logger.Infof("sharded %s on %s, initial chunk on %s", ns, key, shard)
	return coll, nil
}

// DropCollection marks ns dropped and discards its chunks. Snapshots of a
// dropped collection carry the dropped flag and no chunks.
func (c *Catalog) DropCollection(ns string) (err error) {
	defer observe("drop", &err)

	err = c.db.Update(func(tx *bolt.Tx) error {
		coll, err := getCollection(tx, ns)
		if err != nil {
			return err
		}
		if coll.Dropped {
			return errors.Newf(ErrNamespaceNotFound, "collection %s is already dropped", ns)
		}
		coll.Dropped = true
		coll.Version++
		if err := putCollection(tx, coll); err != nil {
			return err
		}
		if err := tx.Bucket(bucketChunks).DeleteBucket([]byte(ns)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
	if err == nil {
		c.logger.Infof("dropped %s", ns)
	}
	return err
}

// Collection returns the descriptor of ns, dropped or not.
func (c *Catalog) Collection(ns string) (coll Collection, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		coll, err = getCollection(tx, ns)
		return err
	})
	return coll, err
}

// Collections returns every collection ever sharded, ordered by namespace.
func (c *Catalog) Collections() ([]Collection, error) {
	var colls []Collection
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(_, v []byte) error {
			var coll Collection
			if err := json.Unmarshal(v, &coll); err != nil {
				return errors.Wrap(err, "decoding collection")
			}
			colls = append(colls, coll)
			return nil
		})
	})
	return colls, err
}

// Chunks returns every chunk of ns ordered by min bound.
func (c *Catalog) Chunks(ns string) (chunks []partition.ChunkRecord, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		coll, err := getCollection(tx, ns)
		if err != nil {
			return err
		}
		chunks, err = getChunks(tx, coll)
		return err
	})
	return chunks, err
}

// Snapshot returns the descriptor of ns and the chunks assigned to shard.
// An empty shard returns every chunk.
func (c *Catalog) Snapshot(ns, shard string) (coll Collection, chunks []partition.ChunkRecord, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		if coll, err = getCollection(tx, ns); err != nil {
			return err
		}
		chunks, err = getChunks(tx, coll)
		return err
	})
	if err != nil {
		return Collection{}, nil, err
	}
	if shard != "" {
		chunks = partition.FilterOwned(chunks, shard)
	}
	return coll, chunks, nil
}

// ChunkFor returns the chunk whose range contains doc's shard key.
func (c *Catalog) ChunkFor(ns string, doc keyspace.Document) (partition.ChunkRecord, error) {
	coll, chunks, err := c.Snapshot(ns, "")
	if err != nil {
		return partition.ChunkRecord{}, err
	}
	if coll.Dropped {
		return partition.ChunkRecord{}, errors.Newf(ErrNamespaceNotFound, "collection %s is dropped", ns)
	}
	key := keyspace.MustShardKey(coll.Key...)
	k := key.Project(doc)

	i, err := search(key, chunks, k)
	if err != nil {
		return partition.ChunkRecord{}, err
	}
	if i < 0 {
		return partition.ChunkRecord{}, errors.Newf(partition.ErrNoExactMatch, "%s: no chunk contains %s", ns, k)
	}
	return chunks[i], nil
}

// SplitChunk cuts the chunk containing at into [min, at) and [at, max).
// at must lie strictly inside the chunk. Both halves stay on the same shard
// and are stamped with the new collection version.
func (c *Catalog) SplitChunk(ns string, at keyspace.Document) (left, right partition.ChunkRecord, err error) {
	defer observe("split", &err)

	err = c.db.Update(func(tx *bolt.Tx) error {
		coll, err := liveCollection(tx, ns)
		if err != nil {
			return err
		}
		key := keyspace.MustShardKey(coll.Key...)
		point, err := key.BoundFromDocument(at)
		if err != nil {
			return errors.Newf(partition.ErrMalformedChunk, "split point: %v", err)
		}

		chunks, err := getChunks(tx, coll)
		if err != nil {
			return err
		}
		i, err := search(key, chunks, point)
		if err != nil {
			return err
		}
		if i < 0 {
			return errors.Newf(partition.ErrNoExactMatch, "%s: no chunk contains %s", ns, point)
		}
		orig := chunks[i]
		min, _ := key.BoundFromDocument(orig.Min)
		if min.Equal(point) {
			return errors.Newf(partition.ErrMalformedChunk, "%s: split point %s is the min of chunk %s", ns, point, orig.ID)
		}

		coll.Version++
		left = orig
		left.Max = key.Document(point)
		left.Version = coll.Version
		right = orig
		right.ID = partition.ChunkID(ns, key, point)
		right.Min = key.Document(point)
		right.Version = coll.Version

		bkt := tx.Bucket(bucketChunks).Bucket([]byte(ns))
		if err := putChunk(bkt, left); err != nil {
			return err
		}
		if err := putChunk(bkt, right); err != nil {
			return err
		}
		return putCollection(tx, coll)
	})
	if err == nil {
		c.logger.Debugf("split %s at %s", left.ID, right.Min)
	}
	return left, right, err
}

// MoveChunk reassigns the chunk starting exactly at min to shard to and
// returns the chunk as it was before and after the move.
func (c *Catalog) MoveChunk(ns string, min keyspace.Document, to string) (before, after partition.ChunkRecord, err error) {
	defer observe("move", &err)

	err = c.db.Update(func(tx *bolt.Tx) error {
		coll, err := liveCollection(tx, ns)
		if err != nil {
			return err
		}
		key := keyspace.MustShardKey(coll.Key...)
		b, err := key.BoundFromDocument(min)
		if err != nil {
			return errors.Newf(partition.ErrMalformedChunk, "chunk min: %v", err)
		}

		bkt := tx.Bucket(bucketChunks).Bucket([]byte(ns))
		v := bkt.Get([]byte(partition.ChunkID(ns, key, b)))
		if v == nil {
			return errors.Newf(partition.ErrNoExactMatch, "%s: no chunk starts at %s", ns, b)
		}
		if err := json.Unmarshal(v, &before); err != nil {
			return errors.Wrap(err, "decoding chunk")
		}

		after = before
		if before.Shard == to {
			return nil
		}
		coll.Version++
		after.Shard = to
		after.Version = coll.Version
		if err := putChunk(bkt, after); err != nil {
			return err
		}
		return putCollection(tx, coll)
	})
	if err == nil && before.Shard != after.Shard {
		c.logger.Infof("moved %s from %s to %s", after.ID, before.Shard, after.Shard)
	}
	return before, after, err
}

// search returns the index of the chunk containing k, or -1.
func search(key keyspace.ShardKey, chunks []partition.ChunkRecord, k keyspace.Bound) (int, error) {
	for i, r := range chunks {
		c, err := chunkOf(key, r)
		if err != nil {
			return 0, err
		}
		if c.Contains(k) {
			return i, nil
		}
	}
	return -1, nil
}

func chunkOf(key keyspace.ShardKey, r partition.ChunkRecord) (partition.Chunk, error) {
	min, err := key.BoundFromDocument(r.Min)
	if err != nil {
		return partition.Chunk{}, errors.Newf(partition.ErrMalformedChunk, "chunk %s: %v", r.ID, err)
	}
	max, err := key.BoundFromDocument(r.Max)
	if err != nil {
		return partition.Chunk{}, errors.Newf(partition.ErrMalformedChunk, "chunk %s: %v", r.ID, err)
	}
	return partition.Chunk{Min: min, Max: max}, nil
}

func observe(op string, err *error) {
	metrics.CounterCatalogOperations.WithLabelValues(op, metrics.Result(*err)).Inc()
}

func getCollection(tx *bolt.Tx, ns string) (Collection, error) {
	var coll Collection
	v := tx.Bucket(bucketCollections).Get([]byte(ns))
	if v == nil {
		return coll, errors.Newf(ErrNamespaceNotFound, "collection %s is not sharded", ns)
	}
	if err := json.Unmarshal(v, &coll); err != nil {
		return coll, errors.Wrapf(err, "decoding collection %s", ns)
	}
	return coll, nil
}

func liveCollection(tx *bolt.Tx, ns string) (Collection, error) {
	coll, err := getCollection(tx, ns)
	if err != nil {
		return coll, err
	}
	if coll.Dropped {
		return coll, errors.Newf(ErrNamespaceNotFound, "collection %s is dropped", ns)
	}
	return coll, nil
}

func putCollection(tx *bolt.Tx, coll Collection) error {
	v, err := json.Marshal(coll)
	if err != nil {
		return errors.Wrap(err, "encoding collection")
	}
	return tx.Bucket(bucketCollections).Put([]byte(coll.ID), v)
}

func resetChunkBucket(tx *bolt.Tx, ns string) (*bolt.Bucket, error) {
	parent := tx.Bucket(bucketChunks)
	if err := parent.DeleteBucket([]byte(ns)); err != nil && err != bolt.ErrBucketNotFound {
		return nil, err
	}
	return parent.CreateBucket([]byte(ns))
}

func putChunk(bkt *bolt.Bucket, r partition.ChunkRecord) error {
	v, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding chunk")
	}
	return bkt.Put([]byte(r.ID), v)
}

func getChunks(tx *bolt.Tx, coll Collection) ([]partition.ChunkRecord, error) {
	bkt := tx.Bucket(bucketChunks).Bucket([]byte(coll.ID))
	if bkt == nil {
		return nil, nil
	}
	key := keyspace.MustShardKey(coll.Key...)

	type sortable struct {
		rec partition.ChunkRecord
		min keyspace.Bound
	}
	var all []sortable
	err := bkt.ForEach(func(_, v []byte) error {
		var r partition.ChunkRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return errors.Wrap(err, "decoding chunk")
		}
		min, err := key.BoundFromDocument(r.Min)
		if err != nil {
			return errors.Newf(partition.ErrMalformedChunk, "chunk %s: %v", r.ID, err)
		}
		all = append(all, sortable{rec: r, min: min})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].min.Less(all[j].min) })
	chunks := make([]partition.ChunkRecord, len(all))
	for i := range all {
		chunks[i] = all[i].rec
	}
	return chunks, nil
}
