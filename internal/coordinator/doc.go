// Package coordinator implements the control plane of a Torua cluster: it
// tracks registered nodes, decides where the chunks of each sharded
// collection live, and tells nodes when their share of the keyspace
// changes.
//
// # Overview
//
//	┌────────────────────────────────────────────┐
//	│                COORDINATOR                 │
//	├────────────────────────────────────────────┤
//	│  NodeDirectory   id → base URL             │
//	│  ChunkRegistry   placement over the catalog│
//	│  Notifier        deltas and refreshes      │
//	│  HealthMonitor   /health checks            │
//	└───────┬──────────────────────────┬─────────┘
//	        │ catalog.Catalog (bbolt)  │ POST /collections/{ns}/chunks
//	        ▼                          ▼
//	  collections, chunks          node-1 … node-n
//
// # Chunk Placement
//
// A collection starts as a single chunk [MinKey, MaxKey) on the first
// registered node. AssignCollection can pre-split it and spreads the
// resulting chunks round-robin across all registered nodes. Afterwards
// chunks change through two operations:
//
//   - Split cuts one chunk in two. Both halves stay on the owner, which
//     receives a "split" delta.
//   - Move reassigns one chunk. The donor receives "remove" and the
//     recipient "add", both stamped with the new collection version.
//
// Every catalog change bumps the collection version, so a node can ignore
// a delta it has already absorbed through a snapshot.
//
// # Failure Handling
//
// HealthMonitor checks each node every interval. After three consecutive
// failures the node is marked unhealthy and its chunks are moved to the
// remaining healthy nodes with RedistributeNode. The data held by the
// failed node is not copied; the recipients start empty for those ranges.
//
// Notifications are best effort. A node that misses a delta keeps an older
// map and recovers through a refresh, which it also triggers itself when it
// rejects a write for a key it does not own.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. ChunkRegistry serializes
// placement changes; reads go straight to the catalog.
package coordinator
