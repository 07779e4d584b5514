// Package shard holds the documents of one sharded collection on a node
// and enforces the node's partition map on every write.
//
// # Overview
//
// A Shard pairs a collection namespace with a storage.Store and a
// MapSource, the node's registry of installed partition maps. Documents are
// flat JSON objects keyed by their _id:
//
//	PUT /collections/test.foo/docs/42   {"a": 7, "name": "x"}
//	                │
//	                ▼
//	    project {a: 7} onto the shard key → [7]
//	                │
//	    owned chunk contains [7]? ── no ──▶ ErrNotOwned
//	                │ yes
//	                ▼
//	    store {"_id": "42", "a": 7, "name": "x"}
//
// The map is looked up on every call, so a newly published map takes effect
// for the next request without any coordination with the shard.
//
// # Orphans
//
// When a chunk migrates away its documents stay in the store until they
// are cleaned up. Get reports them as ErrNotOwned. OrphanRanges lists the
// parts of the keyspace not covered by an owned chunk, and CleanupOrphans
// deletes the documents that fall in them.
//
// # Statistics
//
// Operation counters are updated with sync/atomic and can be read at any
// time with GetStats. Rejected counts writes refused for unowned keys.
package shard
