package partition

import (
	"github.com/benbjohnson/immutable"

	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
)

// ClonePlus returns a copy of m that also owns [min, max), stamped with
// version. The receiver is not modified, whether or not the clone succeeds.
func (m *PartitionMap) ClonePlus(min, max keyspace.Bound, version uint64) (*PartitionMap, error) {
	c, err := newChunk(m.key, min, max)
	if err != nil {
		return nil, err
	}

	if prev, ok := m.floor(c.Min); ok && prev.Overlaps(c) {
		return nil, errors.Newf(ErrOverlapConflict, "%s: chunk %s overlaps owned chunk %s", m.ns, c, prev)
	}
	if next, ok := m.NextChunk(c.Min); ok && next.Overlaps(c) {
		return nil, errors.Newf(ErrOverlapConflict, "%s: chunk %s overlaps owned chunk %s", m.ns, c, next)
	}

	return m.with(m.chunks.Set(c.Min, c), version), nil
}

// CloneMinus returns a copy of m without the owned chunk whose bounds are
// exactly [min, max), stamped with version. A range that only overlaps or
// partially covers owned chunks fails with ErrNoExactMatch.
func (m *PartitionMap) CloneMinus(min, max keyspace.Bound, version uint64) (*PartitionMap, error) {
	c, err := m.exact(min, max)
	if err != nil {
		return nil, err
	}
	return m.with(m.chunks.Delete(c.Min), version), nil
}

// CloneSplit returns a copy of m in which the owned chunk [min, max) is
// replaced by the chunks obtained by cutting it at each of points. Points
// must be strictly increasing and lie strictly inside the chunk. The set of
// owned keys does not change.
func (m *PartitionMap) CloneSplit(min, max keyspace.Bound, points []keyspace.Bound, version uint64) (*PartitionMap, error) {
	c, err := m.exact(min, max)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, errors.Newf(ErrMalformedChunk, "%s: no split points for chunk %s", m.ns, c)
	}

	chunks := m.chunks
	lo := c.Min
	for _, p := range points {
		sub, err := newChunk(m.key, lo, p)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: split point %s of chunk %s", m.ns, p, c)
		}
		chunks = chunks.Set(sub.Min, sub)
		lo = sub.Max
	}
	last, err := newChunk(m.key, lo, c.Max)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: split point %s of chunk %s", m.ns, lo, c)
	}
	chunks = chunks.Set(last.Min, last)

	return m.with(chunks, version), nil
}

// exact returns the owned chunk whose bounds equal [min, max).
func (m *PartitionMap) exact(min, max keyspace.Bound) (Chunk, error) {
	if c, ok := m.chunks.Get(min); ok && c.Max.Equal(max) {
		return c, nil
	}
	return Chunk{}, errors.Newf(ErrNoExactMatch, "%s: no owned chunk [%s, %s)", m.ns, min, max)
}

func (m *PartitionMap) with(chunks *immutable.SortedMap[keyspace.Bound, Chunk], version uint64) *PartitionMap {
	return &PartitionMap{
		ns:      m.ns,
		key:     m.key,
		unique:  m.unique,
		version: version,
		chunks:  chunks,
	}
}
