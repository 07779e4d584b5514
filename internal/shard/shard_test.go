package shard

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/keyspace"
	"github.com/dreamware/torua/internal/partition"
	"github.com/dreamware/torua/internal/storage"
)

type staticMaps map[string]*partition.PartitionMap

func (s staticMaps) Get(ns string) (*partition.PartitionMap, bool) {
	m, ok := s[ns]
	return m, ok
}

// newTestShard returns a shard of test.foo keyed on "a" owning the given
// [min, max) integer ranges.
func newTestShard(t *testing.T, ranges ...[2]int64) (*Shard, staticMaps) {
	t.Helper()
	key := keyspace.MustShardKey("a")
	var records []partition.ChunkRecord
	for _, r := range ranges {
		records = append(records, partition.ChunkRecord{
			NS:  "test.foo",
			Min: keyspace.Document{"a": keyspace.Int(r[0])},
			Max: keyspace.Document{"a": keyspace.Int(r[1])},
		})
	}
	m, err := partition.Build(partition.CollectionDescriptor{ID: "test.foo", Key: key.Fields()}, records)
	require.NoError(t, err)

	maps := staticMaps{"test.foo": m}
	return NewShard("test.foo", storage.NewMemoryStore(), maps), maps
}

func docA(a int64) keyspace.Document {
	return keyspace.Document{"a": keyspace.Int(a), "v": keyspace.String(fmt.Sprint("doc-", a))}
}

func TestNewShard(t *testing.T) {
	s, _ := newTestShard(t, [2]int64{0, 10})

	assert.Equal(t, "test.foo", s.Namespace)
	assert.Equal(t, ShardStateActive, s.State)
	assert.NotNil(t, s.Store)
	assert.Equal(t, ShardStats{}, s.GetStats())
}

func TestShardPutGet(t *testing.T) {
	s, _ := newTestShard(t, [2]int64{0, 10}, [2]int64{20, 30})

	t.Run("owned document", func(t *testing.T) {
		require.NoError(t, s.Put("1", docA(5)))

		doc, err := s.Get("1")
		require.NoError(t, err)
		assert.Equal(t, "1", doc[IDField].Str())
		assert.Equal(t, int64(5), doc["a"].Int())
		assert.Equal(t, "doc-5", doc["v"].Str())
	})

	t.Run("unowned document", func(t *testing.T) {
		err := s.Put("2", docA(15))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotOwned))
		assert.Contains(t, err.Error(), "[15]")

		_, err = s.Get("2")
		assert.Equal(t, storage.ErrKeyNotFound, err)
	})

	t.Run("chunk boundaries", func(t *testing.T) {
		assert.NoError(t, s.Put("b0", docA(0)))
		assert.Error(t, s.Put("b10", docA(10)))
		assert.NoError(t, s.Put("b20", docA(20)))
		assert.Error(t, s.Put("b30", docA(30)))
	})

	t.Run("mismatched _id", func(t *testing.T) {
		doc := docA(1)
		doc[IDField] = keyspace.String("other")
		assert.True(t, errors.Is(s.Put("3", doc), ErrBadDocument))

		doc[IDField] = keyspace.Int(3)
		assert.True(t, errors.Is(s.Put("3", doc), ErrBadDocument))
	})

	stats := s.GetStats()
	assert.Equal(t, uint64(3), stats.Ops.Rejected)
	assert.Equal(t, 3, stats.Storage.Keys)
}

func TestShardWithoutMap(t *testing.T) {
	s := NewShard("test.bar", storage.NewMemoryStore(), staticMaps{})

	err := s.Put("1", docA(1))
	assert.True(t, errors.Is(err, partition.ErrNotPartitioned))

	info := s.Info()
	assert.Equal(t, uint64(0), info.MapVersion)
	assert.Equal(t, 0, info.Chunks)
}

func TestShardOrphans(t *testing.T) {
	s, maps := newTestShard(t, [2]int64{0, 100})
	for a := int64(0); a < 100; a += 10 {
		require.NoError(t, s.Put(fmt.Sprint(a), docA(a)))
	}

	// Chunk [50, 100) migrates away.
	m, err := maps["test.foo"].CloneMinus(keyspace.Bound{keyspace.Int(0)}, keyspace.Bound{keyspace.Int(100)}, 2)
	require.NoError(t, err)
	m, err = m.ClonePlus(keyspace.Bound{keyspace.Int(0)}, keyspace.Bound{keyspace.Int(50)}, 2)
	require.NoError(t, err)
	maps["test.foo"] = m

	_, err = s.Get("70")
	assert.True(t, errors.Is(err, ErrNotOwned))

	gaps, err := s.OrphanRanges()
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, "[[MinKey], [0])", gaps[0].String())
	assert.Equal(t, "[50]", gaps[1].Min.String())
	assert.Nil(t, gaps[1].Max)

	ids, err := s.ListKeysInRange(m.ShardKey(), keyspace.Bound{keyspace.Int(50)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"50", "60", "70", "80", "90"}, ids)

	n, err := s.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	ids, err = s.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "10", "20", "30", "40"}, ids)

	doc, err := s.Get("40")
	require.NoError(t, err)
	assert.Equal(t, int64(40), doc["a"].Int())
}

// sequenceMaps serves maps[0] for the first Get, then each following map
// in turn, repeating the last one. A nil entry means no map is loaded.
type sequenceMaps struct {
	mu    sync.Mutex
	maps  []*partition.PartitionMap
	calls int
}

func (s *sequenceMaps) Get(string) (*partition.PartitionMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.maps) {
		i = len(s.maps) - 1
	}
	s.calls++
	return s.maps[i], s.maps[i] != nil
}

func TestShardCleanupKeepsChunkAddedMeanwhile(t *testing.T) {
	s, maps := newTestShard(t, [2]int64{0, 10})
	before := maps["test.foo"]
	after, err := before.ClonePlus(keyspace.Bound{keyspace.Int(10)}, keyspace.Bound{keyspace.Int(20)}, 2)
	require.NoError(t, err)

	require.NoError(t, s.Put("5", docA(5)))
	maps["test.foo"] = after
	require.NoError(t, s.Put("15", docA(15)))
	maps["test.foo"] = before
	body, err := json.Marshal(docA(25))
	require.NoError(t, err)
	require.NoError(t, s.Store.Put("25", body))

	// The cleanup starts under the old map and [10, 20) arrives right after.
	s.maps = &sequenceMaps{maps: []*partition.PartitionMap{before, after}}
	n, err := s.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := s.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"15", "5"}, ids)
}

func TestShardCleanupStopsWhenMapUnloaded(t *testing.T) {
	s, maps := newTestShard(t, [2]int64{0, 10})
	body, err := json.Marshal(docA(25))
	require.NoError(t, err)
	require.NoError(t, s.Store.Put("25", body))

	s.maps = &sequenceMaps{maps: []*partition.PartitionMap{maps["test.foo"], nil}}
	_, err = s.CleanupOrphans()
	assert.True(t, errors.Is(err, partition.ErrNotPartitioned))

	_, err = s.Store.Get("25")
	assert.NoError(t, err)
}

func TestShardPutWhileMapUnloaded(t *testing.T) {
	_, maps := newTestShard(t, [2]int64{0, 10})
	s := NewShard("test.foo", storage.NewMemoryStore(),
		&sequenceMaps{maps: []*partition.PartitionMap{maps["test.foo"], nil}})

	var err error
	require.NotPanics(t, func() { err = s.Put("x", docA(50)) })
	assert.True(t, errors.Is(err, ErrNotOwned))
	assert.Contains(t, err.Error(), "[50]")

	err = s.Put("y", docA(5))
	assert.True(t, errors.Is(err, partition.ErrNotPartitioned))
}

func TestShardDeleteRange(t *testing.T) {
	s, _ := newTestShard(t, [2]int64{0, 100})
	for a := int64(0); a < 100; a += 10 {
		require.NoError(t, s.Put(fmt.Sprint(a), docA(a)))
	}

	key := keyspace.MustShardKey("a")
	n, err := s.DeleteRange(key, keyspace.Bound{keyspace.Int(20)}, keyspace.Bound{keyspace.Int(50)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := s.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "10", "50", "60", "70", "80", "90"}, ids)
	assert.Equal(t, uint64(3), s.GetStats().Ops.Deletes)
}

func TestShardInfoAndState(t *testing.T) {
	s, _ := newTestShard(t, [2]int64{0, 10}, [2]int64{10, 20})
	require.NoError(t, s.Put("1", docA(1)))

	info := s.Info()
	assert.Equal(t, "test.foo", info.Namespace)
	assert.Equal(t, ShardStateActive, info.State)
	assert.Equal(t, 1, info.KeyCount)
	assert.Greater(t, info.ByteSize, 0)
	assert.Equal(t, 2, info.Chunks)

	s.SetState(ShardStateDeleted)
	assert.Equal(t, ShardStateDeleted, s.Info().State)
}

func TestDecodeDocument(t *testing.T) {
	doc, err := DecodeDocument([]byte(`{"_id":"x","a":{"$minKey":1},"n":null}`))
	require.NoError(t, err)
	assert.True(t, doc["a"].IsMinKey())
	assert.Equal(t, keyspace.KindNull, doc["n"].Kind())

	for _, body := range []string{`null`, `[1]`, `{"a":[1]}`, `{"a":{"b":1}}`, `nope`} {
		_, err := DecodeDocument([]byte(body))
		assert.True(t, errors.Is(err, ErrBadDocument), body)
	}
}
