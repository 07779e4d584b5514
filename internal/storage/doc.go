// Package storage provides the document stores that back a node's
// collections, with a consistent API over an in-memory and an on-disk
// engine.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         Application Layer           │
//	│      (shard.Shard per collection)   │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│   Backend.Store(ns) → Store         │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	    ┌───────────┐     ┌───────────┐
//	    │  Memory   │     │   bbolt   │
//	    │  Backend  │     │  Backend  │
//	    └───────────┘     └───────────┘
//
// # Core Interfaces
//
// Store: key-value operations for one collection
//   - Get(key) - Retrieve a copy of a value
//   - Put(key, value) - Store or replace a value
//   - Delete(key) - Remove a value, absent keys are ignored
//   - List() - All keys in ascending order
//   - Stats() - Key count and total value size
//
// Backend: one Store per collection namespace
//   - Store(ns) - Open or create the store for "db.collection"
//   - Drop(ns) - Discard a collection
//   - Namespaces() - Collections with a store
//   - Close() - Release the engine
//
// # Implementations
//
// MemoryBackend keeps a MemoryStore (map plus sync.RWMutex) per namespace.
// Nothing survives a restart, which suits tests and nodes started without
// a data directory.
//
// BoltBackend keeps every namespace of a node as a top-level bucket in a
// single bbolt file. Writes are serialized by bbolt; reads run in
// concurrent read-only transactions. Values returned by Get are copied out
// of the transaction before it closes.
//
// # Errors
//
// Get returns ErrKeyNotFound, carrying code ErrNotFound, for an absent key.
// Store rejects namespaces that are not of the form "db.collection" with
// ErrBadNamespace.
package storage
