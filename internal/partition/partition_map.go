package partition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/benbjohnson/immutable"

	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
)

// PartitionMap is an immutable view of the chunks of one collection owned
// by the local shard, stamped with the version it was built or cloned at.
//
// A PartitionMap is never modified after construction. ClonePlus, CloneMinus
// and CloneSplit return new maps, so any number of goroutines may query a map
// while a writer derives its successor.
type PartitionMap struct {
	ns      string
	key     keyspace.ShardKey
	unique  bool
	version uint64

	// chunks maps each owned chunk's min bound to the chunk. The chunks
	// never overlap, so ordering by min orders them completely.
	chunks *immutable.SortedMap[keyspace.Bound, Chunk]
}

// Build validates a catalog snapshot and returns the partition map holding
// every chunk in records. The map's version is the highest lastmod among
// the descriptor and the records, or 0 when none is set.
//
// Build fails with ErrNotPartitioned when the collection is being dropped,
// ErrBadShardKey for an invalid key definition, ErrMalformedChunk for a
// chunk with inverted or mis-shaped bounds or a foreign namespace, and
// ErrOverlapConflict when two chunks overlap.
func Build(desc CollectionDescriptor, records []ChunkRecord) (*PartitionMap, error) {
	if desc.Dropped {
		return nil, errors.Newf(ErrNotPartitioned, "collection %s is not sharded: it is being dropped", desc.ID)
	}
	key, err := keyspace.NewShardKey(desc.Key...)
	if err != nil {
		return nil, errors.Newf(ErrBadShardKey, "collection %s: %v", desc.ID, err)
	}

	chunks := make([]Chunk, 0, len(records))
	version := desc.Version
	for _, r := range records {
		if r.NS != "" && r.NS != desc.ID {
			return nil, errors.Newf(ErrMalformedChunk, "chunk %s belongs to %s, not %s", r.ID, r.NS, desc.ID)
		}
		min, err := key.BoundFromDocument(r.Min)
		if err != nil {
			return nil, errors.Newf(ErrMalformedChunk, "chunk %s: min: %v", r.ID, err)
		}
		max, err := key.BoundFromDocument(r.Max)
		if err != nil {
			return nil, errors.Newf(ErrMalformedChunk, "chunk %s: max: %v", r.ID, err)
		}
		c, err := newChunk(key, min, max)
		if err != nil {
			return nil, errors.WithMessagef(err, "chunk %s", r.ID)
		}
		chunks = append(chunks, c)
		if r.Version > version {
			version = r.Version
		}
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Min.Less(chunks[j].Min) })
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Min.Less(chunks[i-1].Max) {
			return nil, errors.Newf(ErrOverlapConflict, "collection %s: chunk %s overlaps chunk %s", desc.ID, chunks[i-1], chunks[i])
		}
	}

	b := immutable.NewSortedMapBuilder[keyspace.Bound, Chunk](keyspace.BoundComparer{})
	for _, c := range chunks {
		b.Set(c.Min, c)
	}

	return &PartitionMap{
		ns:      desc.ID,
		key:     key,
		unique:  desc.Unique,
		version: version,
		chunks:  b.Map(),
	}, nil
}

// newChunk checks that [min, max) is a well-formed chunk for key and returns
// it with private copies of both bounds.
func newChunk(key keyspace.ShardKey, min, max keyspace.Bound) (Chunk, error) {
	if len(min) != key.Len() || len(max) != key.Len() {
		return Chunk{}, errors.Newf(ErrMalformedChunk, "bounds %s and %s do not match shard key %s", min, max, key)
	}
	if !min.Less(max) {
		return Chunk{}, errors.Newf(ErrMalformedChunk, "min %s is not less than max %s", min, max)
	}
	return Chunk{Min: min.Clone(), Max: max.Clone()}, nil
}

// BelongsToMe reports whether doc's shard key falls inside an owned chunk.
// Fields of doc outside the shard key are ignored; absent shard key fields
// sort below every concrete value.
func (m *PartitionMap) BelongsToMe(doc keyspace.Document) bool {
	return m.Owns(m.key.Project(doc))
}

// Owns reports whether key, already projected in shard key order, falls
// inside an owned chunk.
func (m *PartitionMap) Owns(key keyspace.Bound) bool {
	c, ok := m.floor(key)
	return ok && key.Less(c.Max)
}

// ChunkFor returns the owned chunk containing key, if any.
func (m *PartitionMap) ChunkFor(key keyspace.Bound) (Chunk, bool) {
	c, ok := m.floor(key)
	if !ok || !key.Less(c.Max) {
		return Chunk{}, false
	}
	return c, true
}

// floor returns the chunk with the greatest min not above key.
func (m *PartitionMap) floor(key keyspace.Bound) (Chunk, bool) {
	itr := m.chunks.Iterator()
	itr.Seek(key)
	if itr.Done() {
		// Every min sorts below key; the candidate is the last chunk.
		itr.Last()
		_, c, ok := itr.Prev()
		return c, ok
	}
	if min, c, _ := itr.Next(); min.Equal(key) {
		return c, true
	}

	// The iterator landed on the first min above key; step back past it.
	itr.Seek(key)
	itr.Prev()
	_, c, ok := itr.Prev()
	return c, ok
}

// NextChunk returns the first owned chunk whose min is not below from.
func (m *PartitionMap) NextChunk(from keyspace.Bound) (Chunk, bool) {
	itr := m.chunks.Iterator()
	itr.Seek(from)
	_, c, ok := itr.Next()
	return c, ok
}

// Namespace returns the collection this map describes.
func (m *PartitionMap) Namespace() string { return m.ns }

// ShardKey returns the collection's shard key.
func (m *PartitionMap) ShardKey() keyspace.ShardKey { return m.key }

// Unique reports whether the shard key is declared unique.
func (m *PartitionMap) Unique() bool { return m.unique }

// Version returns the version stamp the map was built or cloned at.
func (m *PartitionMap) Version() uint64 { return m.version }

// NumChunks returns the number of owned chunks.
func (m *PartitionMap) NumChunks() int { return m.chunks.Len() }

// Chunks returns the owned chunks in ascending order.
func (m *PartitionMap) Chunks() []Chunk {
	chunks := make([]Chunk, 0, m.chunks.Len())
	itr := m.chunks.Iterator()
	for !itr.Done() {
		_, c, _ := itr.Next()
		chunks = append(chunks, Chunk{Min: c.Min.Clone(), Max: c.Max.Clone()})
	}
	return chunks
}

func (m *PartitionMap) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s key: %s version: %d chunks:", m.ns, m.key, m.version)
	for _, c := range m.Chunks() {
		sb.WriteString(" ")
		sb.WriteString(c.String())
	}
	return sb.String()
}
