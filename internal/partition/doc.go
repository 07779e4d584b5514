// Package partition implements the per-node partition map: the set of
// chunks of one sharded collection that the local shard currently owns.
//
// # Overview
//
// A collection is range-partitioned on its shard key. The keyspace is cut
// into half-open chunks [min, max) and every chunk is assigned to exactly
// one shard. A node keeps, per collection, a PartitionMap holding only the
// chunks assigned to it, and answers the question "does this document
// belong to me?" with a logarithmic search over those chunks.
//
//	keyspace:  MinKey ──────────────────────────────────────────── MaxKey
//	chunks:    [MinKey,10) [10,20)  [20,30)  [30,MaxKey)
//	owner:       node-1     node-1   node-2    node-1
//	map:       {[MinKey,10), [10,20), [30,MaxKey)}   (node-1's view)
//
// Gaps in the owned set are chunks held by other shards; they are not an
// error.
//
// # Construction
//
// Build turns a catalog snapshot (a CollectionDescriptor plus raw
// ChunkRecords) into a validated map. Records are checked one at a time
// for namespace, arity and ordering, then sorted and checked pairwise for
// overlap. Nothing is built unless every check passes.
//
// # Updates
//
// Maps are immutable. Chunk migrations and splits are applied with
// ClonePlus, CloneMinus and CloneSplit, each of which returns a new map
// with a caller-supplied version and leaves the receiver untouched. The
// owned chunks live in a persistent sorted map, so a clone shares
// structure with its source without sharing anything mutable.
//
// Publishing the new map as the collection's current one, and making sure
// two deltas are not applied to the same stale base, is left to the
// caller; see package metadata.
//
// # Errors
//
// Every failure carries one of the codes ErrNotPartitioned, ErrBadShardKey,
// ErrMalformedChunk, ErrOverlapConflict or ErrNoExactMatch. Test for them
// with errors.Is from package internal/errors.
package partition
