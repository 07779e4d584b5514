package shard

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/metrics"
	"github.com/dreamware/torua/internal/partition"
	"github.com/dreamware/torua/internal/storage"
)

const (
	// ErrNotOwned means a document's shard key falls outside every chunk
	// the node owns.
	ErrNotOwned errors.Code = "NotOwned"

	// ErrBadDocument means a document body is not a flat JSON object or
	// its _id disagrees with the one it is stored under.
	ErrBadDocument errors.Code = "BadDocument"
)

// IDField is the document field holding the document's identifier.
const IDField = "_id"

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateMigrating means chunks of the shard are being moved
	ShardStateMigrating ShardState = "migrating"
	// ShardStateDeleted means the collection is being dropped
	ShardStateDeleted ShardState = "deleted"
)

// MapSource returns the partition map currently installed for a
// collection.
type MapSource interface {
	Get(ns string) (*partition.PartitionMap, bool)
}

// Shard holds the documents of one collection on this node and enforces
// the node's partition map on writes.
type Shard struct {
	Namespace string        // Collection namespace, e.g. "test.foo"
	Store     storage.Store // The storage backend for this collection
	State     ShardState    // Current shard state
	Stats     *ShardStats   // Operation statistics

	maps    MapSource
	mu      sync.RWMutex // Protects state changes
	writeMu sync.RWMutex // Held shared by Put, exclusively by orphan deletes
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets     uint64 `json:"gets"`
	Puts     uint64 `json:"puts"`
	Deletes  uint64 `json:"deletes"`
	Rejected uint64 `json:"rejected"` // Writes refused for unowned keys
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Namespace  string     `json:"namespace"`
	State      ShardState `json:"state"`
	KeyCount   int        `json:"keyCount"`
	ByteSize   int        `json:"byteSize"`
	MapVersion uint64     `json:"mapVersion"`
	Chunks     int        `json:"chunks"`
}

// NewShard creates the shard of collection ns over store. Ownership is
// decided by the map maps holds for ns at the time of each call.
//
// Parameters:
//   - ns: Collection namespace, e.g. "test.foo"
//   - store: Storage backend holding the collection's documents
//   - maps: Source of the installed partition maps, usually a metadata.Holder
//
// Returns:
//   - *Shard: Active shard with zeroed statistics
//
// Example:
//
//	holder := metadata.NewHolder(log)
//	store, _ := backend.Store("test.foo")
//	s := NewShard("test.foo", store, holder)
func NewShard(ns string, store storage.Store, maps MapSource) *Shard {
	return &Shard{
		Namespace: ns,
		Store:     store,
		State:     ShardStateActive,
		Stats:     &ShardStats{},
		maps:      maps,
	}
}

// partitionMap returns the installed map or an ErrNotPartitioned error.
func (s *Shard) partitionMap() (*partition.PartitionMap, error) {
	m, ok := s.maps.Get(s.Namespace)
	if !ok {
		return nil, errors.Newf(partition.ErrNotPartitioned, "no partition map loaded for %s", s.Namespace)
	}
	return m, nil
}

// Owns reports whether doc belongs to this node under the current map.
//
// Returns:
//   - bool: true when doc's shard key falls inside an owned chunk
//   - error: ErrNotPartitioned when no map is loaded for the collection
func (s *Shard) Owns(doc keyspace.Document) (bool, error) {
	_, owned, err := s.owns(doc)
	return owned, err
}

// owns is Owns that also returns the map the decision was made with.
func (s *Shard) owns(doc keyspace.Document) (*partition.PartitionMap, bool, error) {
	m, err := s.partitionMap()
	if err != nil {
		return nil, false, err
	}
	owned := m.BelongsToMe(doc)
	metrics.CounterOwnershipChecks.WithLabelValues(metrics.Owned(owned)).Inc()
	return m, owned, nil
}

// Get returns the document stored under id. A document left behind by a
// chunk that has since moved away is reported as ErrNotOwned.
func (s *Shard) Get(id string) (keyspace.Document, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)

	body, err := s.Store.Get(id)
	if err != nil {
		return nil, err
	}
	doc, err := DecodeDocument(body)
	if err != nil {
		return nil, err
	}
	owned, err := s.Owns(doc)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, errors.Newf(ErrNotOwned, "document %s of %s is orphaned", id, s.Namespace)
	}
	return doc, nil
}

// Put stores doc under id. The write is refused with ErrNotOwned when the
// document's shard key falls outside the chunks owned by this node.
//
// Parameters:
//   - id: Document identifier; a _id field in doc must match it
//   - doc: Flat document; fields missing from the shard key sort as MinKey
//
// Returns:
//   - error: ErrNotOwned, ErrNotPartitioned, ErrBadDocument or a store error
//
// Example:
//
//	err := s.Put("alice", keyspace.Document{"age": keyspace.Int(30)})
//	if errors.Is(err, ErrNotOwned) {
//	    // refresh the map and let the client retry
//	}
func (s *Shard) Put(id string, doc keyspace.Document) error {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)

	if v, ok := doc[IDField]; ok {
		if v.Kind() != keyspace.KindString || v.Str() != id {
			return errors.Newf(ErrBadDocument, "document _id %s does not match %q", v, id)
		}
	}

	s.writeMu.RLock()
	defer s.writeMu.RUnlock()

	m, owned, err := s.owns(doc)
	if err != nil {
		return err
	}
	if !owned {
		atomic.AddUint64(&s.Stats.Ops.Rejected, 1)
		return errors.Newf(ErrNotOwned, "shard key %s of document %s is not owned here for %s",
			m.ShardKey().Project(doc), id, s.Namespace)
	}

	stored := make(keyspace.Document, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	stored[IDField] = keyspace.String(id)
	body, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrap(err, "encoding document")
	}
	return s.Store.Put(id, body)
}

// Delete removes the document stored under id.
func (s *Shard) Delete(id string) error {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(id)
}

// ListKeys returns the ids of all stored documents in ascending order,
// orphans included.
func (s *Shard) ListKeys() ([]string, error) {
	return s.Store.List()
}

// ListKeysInRange returns the ids of the documents whose shard key lies in
// [min, max). A nil max means no upper bound.
func (s *Shard) ListKeysInRange(key keyspace.ShardKey, min, max keyspace.Bound) ([]string, error) {
	ids, err := s.Store.List()
	if err != nil {
		return nil, err
	}

	var inRange []string
	for _, id := range ids {
		body, err := s.Store.Get(id)
		if err == storage.ErrKeyNotFound {
			continue // deleted concurrently
		} else if err != nil {
			return nil, err
		}
		doc, err := DecodeDocument(body)
		if err != nil {
			return nil, errors.WithMessagef(err, "document %s", id)
		}
		k := key.Project(doc)
		if min.Compare(k) <= 0 && (max == nil || k.Less(max)) {
			inRange = append(inRange, id)
		}
	}
	return inRange, nil
}

// DeleteRange deletes the documents whose shard key lies in [min, max) and
// returns how many were removed. A nil max means no upper bound. Ownership
// is not consulted; use CleanupOrphans to remove only unowned documents.
func (s *Shard) DeleteRange(key keyspace.ShardKey, min, max keyspace.Bound) (int, error) {
	ids, err := s.ListKeysInRange(key, min, max)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Delete(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// OrphanRanges returns the ranges of the keyspace not covered by any owned
// chunk. The last range has a nil Max and extends past GlobalMax.
func (s *Shard) OrphanRanges() ([]partition.Chunk, error) {
	m, err := s.partitionMap()
	if err != nil {
		return nil, err
	}
	return orphanRanges(m), nil
}

func orphanRanges(m *partition.PartitionMap) []partition.Chunk {
	var gaps []partition.Chunk
	cur := m.ShardKey().GlobalMin()
	for {
		c, ok := m.NextChunk(cur)
		if !ok {
			return append(gaps, partition.Chunk{Min: cur})
		}
		if cur.Less(c.Min) {
			gaps = append(gaps, partition.Chunk{Min: cur, Max: c.Min})
		}
		cur = c.Max
	}
}

// CleanupOrphans deletes every document outside the owned chunks, such as
// those left behind after a chunk migrated away, and returns the count.
//
// Candidates are found with the map loaded when the cleanup starts. Each
// one is checked again against the map loaded at the time of its deletion,
// so a chunk added while the cleanup runs keeps its documents.
//
// Example:
//
//	n, err := s.CleanupOrphans()
//	if err != nil {
//	    return err
//	}
//	log.Infof("removed %d orphaned documents from %s", n, s.Namespace)
func (s *Shard) CleanupOrphans() (int, error) {
	m, err := s.partitionMap()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, g := range orphanRanges(m) {
		ids, err := s.ListKeysInRange(m.ShardKey(), g.Min, g.Max)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			removed, err := s.deleteIfOrphaned(id)
			if err != nil {
				return total, err
			}
			if removed {
				total++
			}
		}
	}
	return total, nil
}

// deleteIfOrphaned deletes the document stored under id unless the
// current map owns it. Puts are held off while it runs.
func (s *Shard) deleteIfOrphaned(id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body, err := s.Store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	doc, err := DecodeDocument(body)
	if err != nil {
		return false, errors.WithMessagef(err, "document %s", id)
	}
	owned, err := s.Owns(doc)
	if err != nil || owned {
		return false, err
	}
	if err := s.Delete(id); err != nil {
		return false, err
	}
	return true, nil
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:     atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:     atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes:  atomic.LoadUint64(&s.Stats.Ops.Deletes),
			Rejected: atomic.LoadUint64(&s.Stats.Ops.Rejected),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()

	storageStats := s.Store.Stats()
	info := ShardInfo{
		Namespace: s.Namespace,
		State:     state,
		KeyCount:  storageStats.Keys,
		ByteSize:  storageStats.Bytes,
	}
	if m, ok := s.maps.Get(s.Namespace); ok {
		info.MapVersion = m.Version()
		info.Chunks = m.NumChunks()
	}
	return info
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// DecodeDocument parses a flat JSON object into a document.
func DecodeDocument(body []byte) (keyspace.Document, error) {
	var doc keyspace.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Newf(ErrBadDocument, "decoding document: %v", err)
	}
	if doc == nil {
		return nil, errors.New(ErrBadDocument, "document must be a JSON object")
	}
	return doc, nil
}
